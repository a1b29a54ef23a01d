// Package engine implements the flash-decision state machine. It maps the
// device's identity onto a catalog entry, enforces the safety gates that keep
// a bad write from bricking the board, resolves the operator's selection to a
// writer command, and interprets the writer's exit status.
//
// The selection step is an explicit suspension point: the engine never reads
// operator input itself, the shell feeds selections into a suspended session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/looplab/fsm"

	"github.com/protectli/flashli/internal/catalog"
	"github.com/protectli/flashli/internal/flasher"
	"github.com/protectli/flashli/internal/hardware"
	fsmutil "github.com/protectli/flashli/internal/pkg/util/fsm"
	"github.com/protectli/flashli/pkg/log"
)

// DefaultImagesDir is the fixed root under which all image files live. The
// namespace is flat: images root joined with the descriptor file name.
const DefaultImagesDir = "images"

// Session states. The boot-mode gate is evaluated before the catalog
// lookup: a UEFI host is refused regardless of what model it claims to be.
const (
	StateCheckingMode      = "checking_mode"
	StateIdentifying       = "identifying"
	StateAwaitingSelection = "awaiting_selection"
	StateResolved          = "resolved"
	StateSucceeded         = "succeeded"
	StateFailed            = "failed"
)

// Session events.
const (
	EventModeCheck = "event_mode_check"
	EventIdentify  = "event_identify"
	EventSelect    = "event_select"
	EventSucceed   = "event_succeed"
	EventFail      = "event_fail"
)

// Snapshot is the device identity read once per session.
type Snapshot struct {
	ModelID  string
	BootMode hardware.BootMode

	// Vendor is the tag of the currently installed firmware, or
	// hardware.VendorUnknown when it could not be attributed. Unknown never
	// triggers the override path.
	Vendor string
}

// Decision is the resolved flash command for one dispatch. It is ephemeral:
// built by the session, consumed immediately by the executor.
type Decision struct {
	Vendor    string
	ImagePath string
	Command   string
	Override  bool
	Upgrade   bool
}

// Config assembles a decision engine from its collaborators.
type Config struct {
	Catalog   *catalog.Catalog
	Executor  flasher.Executor
	ImagesDir string
}

func (cfg *Config) NewEngine() (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("engine: catalog is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: executor is required")
	}

	imagesDir := cfg.ImagesDir
	if imagesDir == "" {
		imagesDir = DefaultImagesDir
	}

	return &Engine{
		catalog:   cfg.Catalog,
		executor:  cfg.Executor,
		imagesDir: imagesDir,
		logger:    log.WithName("engine"),
	}, nil
}

// Engine drives one full state-machine pass per invocation. The catalog it
// holds is read-only; sessions are single-flow values with no sharing.
type Engine struct {
	catalog   *catalog.Catalog
	executor  flasher.Executor
	imagesDir string
	logger    log.Logger
}

// Request carries the per-invocation operator intent.
type Request struct {
	// Upgrade selects the model's in-place section upgrade template instead
	// of a full reflash. Models without one reject the request.
	Upgrade bool
}

// Begin reads the identity provider once and runs the identification and
// boot-mode gates. On success the returned session is suspended awaiting an
// operator selection; on rejection the terminal error is returned directly.
func (e *Engine) Begin(ctx context.Context, provider hardware.Provider, req Request) (*Session, error) {
	snap, err := e.readSnapshot(ctx, provider)
	if err != nil {
		return nil, err
	}

	s := e.newSession(snap, req)
	if err := s.fire(ctx, EventModeCheck); err != nil {
		return nil, err
	}
	if err := s.fire(ctx, EventIdentify); err != nil {
		return nil, err
	}

	e.logger.Info("Awaiting operator selection", "model", snap.ModelID, "options", s.Options())
	return s, nil
}

// readSnapshot maps provider failures onto the matching terminal rejection
// rather than letting them escape raw: an unreadable identity is treated the
// same as an unsupported one.
func (e *Engine) readSnapshot(ctx context.Context, provider hardware.Provider) (Snapshot, error) {
	modelID, err := provider.ModelID(ctx)
	if err != nil {
		return Snapshot{}, &UnsupportedDeviceError{Supported: e.catalog.IDs(), Err: err}
	}

	mode, err := provider.BootMode(ctx)
	if err != nil {
		return Snapshot{}, &WrongBootModeError{Mode: hardware.BootModeUnknown, Err: err}
	}

	vendor, err := provider.FirmwareVendor(ctx)
	if err != nil {
		e.logger.Warn("Installed firmware vendor could not be read, override path disabled", "err", err)
		vendor = hardware.VendorUnknown
	}

	return Snapshot{ModelID: modelID, BootMode: mode, Vendor: vendor}, nil
}

// Session is one pass of the decision state machine.
type Session struct {
	engine   *Engine
	fsm      *fsm.FSM
	snapshot Snapshot
	req      Request

	model    catalog.DeviceModel
	decision *Decision
	exit     int
}

func (e *Engine) newSession(snap Snapshot, req Request) *Session {
	s := &Session{engine: e, snapshot: snap, req: req}

	events := fsm.Events{
		{Name: EventModeCheck, Src: []string{StateCheckingMode}, Dst: StateIdentifying},
		{Name: EventIdentify, Src: []string{StateIdentifying}, Dst: StateAwaitingSelection},
		{Name: EventSelect, Src: []string{StateAwaitingSelection}, Dst: StateResolved},
		{Name: EventSucceed, Src: []string{StateResolved}, Dst: StateSucceeded},
		{Name: EventFail, Src: []string{StateResolved}, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		// Guards (before_...): cancel the transition on a rejection so the
		// session never advances past a failed gate.
		"before_" + EventModeCheck: fsmutil.WrapEvent(s.guardWritableState),
		"before_" + EventIdentify:  fsmutil.WrapEvent(s.guardSupportedModel),
		"before_" + EventSelect:    fsmutil.WrapEvent(s.guardOfferedVendor),

		// Side-effects (enter_...).
		"enter_" + StateResolved: fsmutil.WrapEvent(s.actionResolve),
	}

	s.fsm = fsm.NewFSM(StateCheckingMode, events, callbacks)
	return s
}

// fire runs one event and unwraps a canceled transition back into the
// rejection the guard raised.
func (s *Session) fire(ctx context.Context, event string, args ...any) error {
	err := s.fsm.Event(ctx, event, args...)
	if err == nil {
		return nil
	}
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return err
}

func (s *Session) guardWritableState(ctx context.Context, e *fsm.Event) error {
	if s.snapshot.BootMode != hardware.BootModeLegacy {
		e.Cancel(&WrongBootModeError{Mode: s.snapshot.BootMode})
	}
	return nil
}

func (s *Session) guardSupportedModel(ctx context.Context, e *fsm.Event) error {
	model, ok := s.engine.catalog.Lookup(s.snapshot.ModelID)
	if !ok {
		e.Cancel(&UnsupportedDeviceError{ModelID: s.snapshot.ModelID, Supported: s.engine.catalog.IDs()})
		return nil
	}
	if s.req.Upgrade && model.Upgrade == "" {
		e.Cancel(&UpgradeUnsupportedError{ModelID: model.ID})
		return nil
	}
	s.model = model
	return nil
}

func (s *Session) guardOfferedVendor(ctx context.Context, e *fsm.Event) error {
	vendor, _ := e.Args[0].(string)
	if _, ok := s.model.Descriptor(vendor); !ok {
		e.Cancel(&InvalidSelectionError{Input: vendor, Offered: s.model.Vendors()})
		return nil
	}
	return nil
}

func (s *Session) actionResolve(ctx context.Context, e *fsm.Event) error {
	vendor, _ := e.Args[0].(string)
	desc, ok := s.model.Descriptor(vendor)
	if !ok {
		return fmt.Errorf("vendor %q vanished between selection and resolve", vendor)
	}

	imagePath := filepath.Join(s.engine.imagesDir, desc.File)

	tpl := s.model.Command
	override := false
	switch {
	case s.req.Upgrade:
		tpl = s.model.Upgrade
	case s.model.Override != "" && s.snapshot.Vendor != hardware.VendorUnknown && s.snapshot.Vendor != vendor:
		// Sanctioned escape hatch: the catalog declares a force template and
		// the installed firmware is known to differ from the requested one.
		tpl = s.model.Override
		override = true
	}

	s.decision = &Decision{
		Vendor:    vendor,
		ImagePath: imagePath,
		Command:   fmt.Sprintf(tpl, imagePath),
		Override:  override,
		Upgrade:   s.req.Upgrade,
	}
	return nil
}

// Select feeds one operator selection into the suspended session. Input
// outside the offered vendor set returns InvalidSelectionError and leaves
// the session suspended; there is no retry limit.
func (s *Session) Select(ctx context.Context, vendor string) error {
	return s.fire(ctx, EventSelect, vendor)
}

// Dispatch hands the resolved decision to the executor and interprets its
// exit status. The wait on the external writer is unbounded and there is no
// automatic retry: an unnoticed second write is a greater risk than a
// reported failure.
func (s *Session) Dispatch(ctx context.Context) error {
	if s.fsm.Current() != StateResolved || s.decision == nil {
		return fmt.Errorf("no resolved flash decision to dispatch (state %s)", s.fsm.Current())
	}

	code, err := s.engine.executor.Execute(ctx, s.decision.Command)
	s.exit = code
	if err != nil {
		_ = s.fire(ctx, EventFail)
		return &FlashError{Code: code, Err: err}
	}
	if code != flasher.ExitSuccess {
		_ = s.fire(ctx, EventFail)
		return &FlashError{Code: code}
	}

	s.engine.logger.Info("Flash succeeded", "model", s.model.ID, "image", s.decision.ImagePath)
	return s.fire(ctx, EventSucceed)
}

// State reports the session's current state machine state.
func (s *Session) State() string { return s.fsm.Current() }

// Model is the catalog entry the device resolved to.
func (s *Session) Model() catalog.DeviceModel { return s.model }

// Snapshot is the identity this session was begun with.
func (s *Session) Snapshot() Snapshot { return s.snapshot }

// Options lists the selectable vendor tags in catalog declaration order.
func (s *Session) Options() []string { return s.model.Vendors() }

// Decision returns the resolved flash decision once selection has happened.
func (s *Session) Decision() (Decision, bool) {
	if s.decision == nil {
		return Decision{}, false
	}
	return *s.decision, true
}

// ExitStatus is the external writer's raw exit status from the last
// dispatch.
func (s *Session) ExitStatus() int { return s.exit }
