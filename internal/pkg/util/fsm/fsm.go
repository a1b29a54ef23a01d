// Package fsm bridges error-returning callbacks onto looplab/fsm's
// error-less callback signature.
package fsm

import (
	"context"

	"github.com/looplab/fsm"
)

func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}
