package dispatch

import (
	"fmt"

	"github.com/reybrally/school-events/internal/domain/event"
)

// DispatchError is a handler failure for one envelope.
type DispatchError struct {
	Kind    event.Kind
	EventID string
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("dispatch %s (%s) to %s: %v", e.Kind, e.EventID, e.Channel, e.Err)
	}
	return fmt.Sprintf("dispatch %s (%s): %v", e.Kind, e.EventID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
