// Package fsm carries small helpers around github.com/looplab/fsm.
package fsm

import (
	"context"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error-returning callback to the fsm.Callback shape.
// A returned error is stored as the event's error and surfaces from
// FSM.Event. It does not cancel the transition: the machine still moves to
// the event's destination. Callbacks cancel through Event.Cancel.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}
