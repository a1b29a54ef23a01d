// Package flasher is the process boundary to the external writer. It spawns
// one flashrom invocation synchronously and hands the raw exit status back;
// nothing in the process inspects the writer's output for decision-making.
package flasher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/protectli/flashli/pkg/log"
)

// Well-known flashrom exit statuses, surfaced raw to the operator.
const (
	ExitSuccess        = 0
	ExitGeneralFailure = 1
	ExitMemDevice      = 2
	ExitMmapFailed     = 3
)

// Executor runs one fully rendered writer command and reports its exit
// status. A non-nil error means the process could not be started at all.
type Executor interface {
	Execute(ctx context.Context, command string) (int, error)
}

// Flashrom executes the external writer as a child process. When dryRun is
// set the spawn is suppressed and a success status is synthesized.
type Flashrom struct {
	dryRun bool
	logger log.Logger
}

var _ Executor = (*Flashrom)(nil)

func New(dryRun bool) *Flashrom {
	return &Flashrom{
		dryRun: dryRun,
		logger: log.WithName("flasher"),
	}
}

func (f *Flashrom) Execute(ctx context.Context, command string) (int, error) {
	if f.dryRun {
		f.logger.Info("Dry run, not invoking the external writer", "command", command)
		return ExitSuccess, nil
	}

	argv := strings.Fields(command)
	if len(argv) == 0 {
		return -1, errors.New("empty writer command")
	}

	// Deliberately not exec.CommandContext: an in-progress firmware write
	// must never be killed, truncation can brick the board. The wait below
	// is unbounded.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	f.logger.Info("Invoking external writer", "command", command)
	err := cmd.Run()
	if err == nil {
		return ExitSuccess, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// DescribeExit translates a writer exit status into the operator-facing
// diagnostic for that status.
func DescribeExit(code int) string {
	switch code {
	case ExitSuccess:
		return "success"
	case ExitGeneralFailure:
		return "general failure"
	case ExitMemDevice:
		return "memory device could not be opened"
	case ExitMmapFailed:
		return "memory mapping failed"
	default:
		return "unrecognized status"
	}
}
