package dispatch

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// InvalidStateError rejects an operation attempted from a booking state that
// does not permit it. State is left unchanged.
type InvalidStateError struct {
	BookingID string
	Status    models.BookingStatus
	Op        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("booking %s: cannot %s while %s", e.BookingID, e.Op, e.Status)
}

// NotCancellableError rejects a cancellation once the driver is en route or
// the ride started.
type NotCancellableError struct {
	BookingID string
	Status    models.BookingStatus
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("booking %s: not cancellable while %s", e.BookingID, e.Status)
}

// TooEarlyError rejects a no-show report filed before the wait deadline.
type TooEarlyError struct {
	BookingID string
	Remaining time.Duration
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("booking %s: no-show reported %s before the wait deadline", e.BookingID, e.Remaining)
}

// NoEligibleDriverError means selection found zero candidates. The booking
// stays confirmed and addressable.
type NoEligibleDriverError struct {
	BookingID string
}

func (e *NoEligibleDriverError) Error() string {
	return fmt.Sprintf("booking %s: no eligible driver", e.BookingID)
}

// UpstreamUnavailableError wraps a transient failure talking to the driver
// directory or another collaborator.
type UpstreamUnavailableError struct {
	System string
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.System, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }
