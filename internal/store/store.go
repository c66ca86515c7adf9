package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("booking not found")

// StaleWriteError reports an authoritative write whose precondition no longer
// held. Callers re-read current state and decide whether to retry or abandon;
// the store never retries on their behalf.
type StaleWriteError struct {
	BookingID string
	Reason    string
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write on booking %s: %s", e.BookingID, e.Reason)
}

// RatingPatch attaches a rating for one direction. It is the only patch a
// terminal booking still accepts.
type RatingPatch struct {
	Direction models.RatingDirection
	Rating    models.Rating
}

// Patch is a partial field update applied atomically. Nil fields are left
// untouched. AddRejectedDrivers has set semantics: ids already present are
// skipped, so applying the same patch twice yields the same record.
type Patch struct {
	Status              *models.BookingStatus
	AssignDriver        *models.AssignedDriver
	ClearAssignedDriver bool
	AddRejectedDrivers  []string
	MatchAttempts       *int
	LastMatchAt         *time.Time
	SearchDeadlineAt    *time.Time
	PaymentStatus       *models.PaymentStatus
	PaymentIntentID     *string
	TotalCost           *float64
	NoShow              *models.NoShowRecord
	DriverEarnings      *float64
	CancelReason        *string
	SetRating           *RatingPatch
	AppendHistory       []models.HistoryEntry
}

// Precondition guards an update. Empty fields are unchecked.
type Precondition struct {
	// StatusIn requires the current status to be one of these.
	StatusIn []models.BookingStatus
	// AssignedDriverID requires the current assigned driver to match.
	AssignedDriverID *string
	// Version requires the current record version to match exactly.
	Version *int64
}

// Store is the booking record store: atomic partial updates plus a
// change-notification feed per booking id.
type Store interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)
	// Update applies patch if pre holds, returning the updated snapshot.
	// A violated precondition or a status change off the graph returns
	// *StaleWriteError.
	Update(ctx context.Context, id string, patch Patch, pre Precondition) (*models.Booking, error)
	// Subscribe registers fn for every change to id, delivered in version
	// order. The returned func cancels the subscription.
	Subscribe(id string, fn func(models.Booking)) (cancel func())
}

func (p Precondition) check(b *models.Booking) error {
	if len(p.StatusIn) > 0 {
		ok := false
		for _, s := range p.StatusIn {
			if b.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return &StaleWriteError{BookingID: b.ID, Reason: fmt.Sprintf("status is %s", b.Status)}
		}
	}
	if p.AssignedDriverID != nil {
		current := ""
		if b.AssignedDriver != nil {
			current = b.AssignedDriver.DriverID
		}
		if current != *p.AssignedDriverID {
			return &StaleWriteError{BookingID: b.ID, Reason: fmt.Sprintf("assigned driver is %q", current)}
		}
	}
	if p.Version != nil && b.Version != *p.Version {
		return &StaleWriteError{BookingID: b.ID, Reason: fmt.Sprintf("version is %d", b.Version)}
	}
	return nil
}

// apply mutates b in place. Callers hold the store lock and pass a private
// copy.
func (p Patch) apply(b *models.Booking) error {
	if b.Status.Terminal() && p.SetRating == nil {
		return &StaleWriteError{BookingID: b.ID, Reason: fmt.Sprintf("booking is terminal (%s)", b.Status)}
	}
	if p.Status != nil && *p.Status != b.Status {
		if !models.CanTransition(b.Status, *p.Status) {
			return &StaleWriteError{BookingID: b.ID, Reason: fmt.Sprintf("no transition %s -> %s", b.Status, *p.Status)}
		}
		b.Status = *p.Status
	}
	if p.ClearAssignedDriver {
		b.AssignedDriver = nil
	}
	if p.AssignDriver != nil {
		d := *p.AssignDriver
		b.AssignedDriver = &d
	}
	for _, id := range p.AddRejectedDrivers {
		if !b.HasRejected(id) {
			b.RejectedDrivers = append(b.RejectedDrivers, id)
		}
	}
	if p.MatchAttempts != nil {
		b.MatchAttempts = *p.MatchAttempts
	}
	if p.LastMatchAt != nil {
		t := *p.LastMatchAt
		b.LastMatchAt = &t
	}
	if p.SearchDeadlineAt != nil {
		t := *p.SearchDeadlineAt
		b.SearchDeadlineAt = &t
	}
	if p.PaymentStatus != nil {
		b.PaymentStatus = *p.PaymentStatus
	}
	if p.PaymentIntentID != nil {
		b.PaymentIntentID = *p.PaymentIntentID
	}
	if p.TotalCost != nil {
		b.TotalCost = *p.TotalCost
	}
	if p.NoShow != nil {
		n := *p.NoShow
		b.NoShow = &n
	}
	if p.DriverEarnings != nil {
		b.DriverEarnings = *p.DriverEarnings
	}
	if p.CancelReason != nil {
		b.CancelReason = *p.CancelReason
	}
	if p.SetRating != nil {
		if b.Ratings == nil {
			b.Ratings = make(map[models.RatingDirection]models.Rating, 2)
		}
		b.Ratings[p.SetRating.Direction] = p.SetRating.Rating
	}
	b.StatusHistory = append(b.StatusHistory, p.AppendHistory...)
	return nil
}
