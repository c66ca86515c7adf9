package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/selector"
	"github.com/example/ride-dispatch/internal/store"
)

// supervisor owns a single booking's dispatch lifecycle: it watches the
// record's change feed, arms the response-timeout timer while a driver is
// deciding, and runs rematch cycles when an assignment falls through. All
// timers are cancellable handles owned here, and every firing re-checks live
// state before acting.
type supervisor struct {
	svc         *Service
	bookingID   string
	riderUserID string
	pickup      models.Coord

	mu            sync.Mutex
	lastVersion   int64
	lastStatus    models.BookingStatus
	rejected      map[string]struct{}
	attempts      int
	deadline      time.Time
	responseTimer *time.Timer
	rematchTimer  *time.Timer
	unsubscribe   func()
	closed        bool
}

func newSupervisor(svc *Service, b *models.Booking) *supervisor {
	s := &supervisor{
		svc:         svc,
		bookingID:   b.ID,
		riderUserID: b.Rider.UserID,
		pickup:      b.Pickup.Coord,
		lastVersion: b.Version,
		lastStatus:  b.Status,
		attempts:    b.MatchAttempts,
		rejected:    make(map[string]struct{}, len(b.RejectedDrivers)),
	}
	for _, id := range b.RejectedDrivers {
		s.rejected[id] = struct{}{}
	}
	if b.SearchDeadlineAt != nil {
		s.deadline = *b.SearchDeadlineAt
	}
	return s
}

// onChange handles one change-feed notification. Notifications older than
// one already processed are ignored; the record's version is the staleness
// authority because the status graph cycles through confirmed.
func (s *supervisor) onChange(b models.Booking) {
	s.mu.Lock()
	if s.closed || b.Version <= s.lastVersion {
		s.mu.Unlock()
		return
	}
	prev := s.lastStatus
	s.lastVersion = b.Version
	s.lastStatus = b.Status

	// the record's rejected set and attempt counter are authoritative;
	// local state only ever catches up
	for _, id := range b.RejectedDrivers {
		s.rejected[id] = struct{}{}
	}
	if b.MatchAttempts > s.attempts {
		s.attempts = b.MatchAttempts
	}
	if b.SearchDeadlineAt != nil {
		s.deadline = *b.SearchDeadlineAt
	}

	switch {
	case b.Status.Terminal():
		s.disarmResponseLocked()
		s.disarmRematchLocked()
		s.closed = true
		unsub := s.unsubscribe
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		s.svc.dropSupervisor(s.bookingID)
		if b.Status == models.StatusCompleted {
			if _, rated := b.Ratings[models.RatingCustomerToDriver]; !rated {
				s.svc.sendNotice(s.riderUserID, notify.Notice{
					Kind:      "rating_prompt",
					BookingID: s.bookingID,
					Status:    string(b.Status),
				})
			}
		}

	case b.Status == models.StatusDriverAssigned:
		driverID := ""
		if b.AssignedDriver != nil {
			driverID = b.AssignedDriver.DriverID
		}
		s.armResponseLocked(driverID)
		s.mu.Unlock()

	case prev == models.StatusDriverAssigned && b.Status == models.StatusConfirmed:
		// the rematch trigger: assignment fell through via rejection or
		// response timeout
		s.disarmResponseLocked()
		s.mu.Unlock()
		s.rematchCycle()

	default:
		if prev == models.StatusDriverAssigned {
			s.disarmResponseLocked()
		}
		s.mu.Unlock()
	}
}

// rematchCycle runs one cycle of the rematch policy: bump the attempt
// counter, stop if out of time, candidates or attempts, otherwise wait the
// inter-match delay and try the next assignment.
func (s *supervisor) rematchCycle() {
	ctx := context.Background()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempts := s.attempts
	deadline := s.deadline
	s.mu.Unlock()

	observability.RematchesTotal.Inc()

	// persist the counter so a racing observer trusts the higher value
	b, err := s.svc.store.Update(ctx, s.bookingID, store.Patch{MatchAttempts: &attempts},
		store.Precondition{StatusIn: []models.BookingStatus{models.StatusConfirmed}})
	if err != nil {
		// booking moved on under us; nothing to rematch
		s.svc.logger.Debug("rematch aborted", "booking_id", s.bookingID, "error", err)
		return
	}

	if !deadline.IsZero() && time.Now().After(deadline) {
		s.svc.surfaceNoDriver(ctx, b, "search window elapsed")
		return
	}

	drivers, err := s.queryAvailable(ctx)
	if err != nil {
		s.svc.logger.Warn("rematch eligibility query failed", "booking_id", s.bookingID, "error", err)
		return
	}
	eligible := selector.Eligible(drivers, s.excludeSet(nil), s.riderUserID)
	if len(eligible) == 0 {
		s.svc.surfaceNoDriver(ctx, b, "no eligible drivers")
		return
	}
	if attempts >= s.svc.opts.MaxMatchAttempts {
		s.svc.surfaceNoDriver(ctx, b, "attempt limit reached")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.disarmRematchLocked()
	s.rematchTimer = time.AfterFunc(s.svc.opts.RematchDelay, func() {
		if err := s.attemptAssign(context.Background()); err != nil {
			var noDriver *NoEligibleDriverError
			if errors.As(err, &noDriver) {
				if cur, gerr := s.svc.store.Get(context.Background(), s.bookingID); gerr == nil {
					s.svc.surfaceNoDriver(context.Background(), cur, "no eligible drivers")
				}
				return
			}
			s.svc.logger.Warn("rematch assignment failed", "booking_id", s.bookingID, "error", err)
		}
	})
	s.mu.Unlock()
}

// attemptAssign selects an eligible driver and writes the assignment. A
// driver that stops being available between selection and claim is excluded
// and selection retried; a booking that moved off confirmed aborts silently.
func (s *supervisor) attemptAssign(ctx context.Context) error {
	localExclude := make(map[string]struct{})
	for {
		b, err := s.svc.store.Get(ctx, s.bookingID)
		if err != nil {
			return err
		}
		if b.Status != models.StatusConfirmed {
			return nil
		}
		drivers, err := s.queryAvailable(ctx)
		if err != nil {
			return err
		}
		cand, ok := selector.Select(drivers, s.excludeSet(localExclude), s.riderUserID, s.policyFor(b))
		if !ok {
			return &NoEligibleDriverError{BookingID: s.bookingID}
		}

		// claim check: the directory snapshot may be stale by now
		cur, derr := s.svc.dir.Get(ctx, cand.ID)
		if derr != nil || cur.Status != models.DriverAvailable {
			localExclude[cand.ID] = struct{}{}
			continue
		}

		assigned := models.StatusDriverAssigned
		now := time.Now()
		_, err = s.svc.store.Update(ctx, s.bookingID, store.Patch{
			Status:        &assigned,
			AssignDriver:  cand.Assigned(),
			LastMatchAt:   &now,
			AppendHistory: []models.HistoryEntry{{Status: assigned, At: now, Actor: "system", Note: "driver assigned"}},
		}, store.Precondition{StatusIn: []models.BookingStatus{models.StatusConfirmed}})
		if err != nil {
			var stale *store.StaleWriteError
			if errors.As(err, &stale) {
				// someone else transitioned the booking (e.g. cancelled)
				return nil
			}
			return err
		}

		if derr := s.svc.dir.UpdateStatus(ctx, cand.ID, models.DriverBusy); derr != nil {
			s.svc.logger.Warn("mark driver busy failed", "driver_id", cand.ID, "error", derr)
		}
		observability.AssignmentsTotal.Inc()
		s.mu.Lock()
		attempt := s.attempts
		s.mu.Unlock()
		s.svc.publish(ctx, events.BookingEvent{
			Type:      events.TypeDriverAssigned,
			BookingID: s.bookingID,
			Status:    string(assigned),
			DriverID:  cand.ID,
			Attempt:   attempt,
		})
		s.svc.sendNotice(cand.ID, notify.Notice{
			Kind:      "assignment_offer",
			BookingID: s.bookingID,
			Status:    string(assigned),
		})
		return nil
	}
}

func (s *supervisor) policyFor(b *models.Booking) selector.Policy {
	if s.svc.opts.PolicyFor != nil {
		return s.svc.opts.PolicyFor(b)
	}
	return selector.UniformPolicy{}
}

// queryAvailable reads available drivers with bounded backoff; the read is
// not authoritative so retrying is safe.
func (s *supervisor) queryAvailable(ctx context.Context) ([]models.Driver, error) {
	delay := s.svc.opts.ReleaseRetryDelay
	var drivers []models.Driver
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		drivers, err = s.svc.dir.Query(ctx, directory.Filter{Status: models.DriverAvailable})
		if err == nil {
			return drivers, nil
		}
		time.Sleep(delay)
		delay *= 2
	}
	return nil, &UpstreamUnavailableError{System: "driver directory", Err: err}
}

// excludeSet merges the rejected set with extra local exclusions.
func (s *supervisor) excludeSet(extra map[string]struct{}) map[string]struct{} {
	s.mu.Lock()
	out := make(map[string]struct{}, len(s.rejected)+len(extra))
	for id := range s.rejected {
		out[id] = struct{}{}
	}
	s.mu.Unlock()
	for id := range extra {
		out[id] = struct{}{}
	}
	return out
}

func (s *supervisor) armResponseLocked(driverID string) {
	s.disarmResponseLocked()
	s.responseTimer = time.AfterFunc(s.svc.opts.DriverResponseTimeout, func() {
		s.fireResponseTimeout(driverID)
	})
}

// fireResponseTimeout handles an expired response window. It re-checks live
// state first: an accept or reject that landed while the timer was in flight
// wins and the firing becomes a no-op, which also makes a double fire safe.
func (s *supervisor) fireResponseTimeout(driverID string) {
	ctx := context.Background()
	b, err := s.svc.store.Get(ctx, s.bookingID)
	if err != nil {
		return
	}
	if b.Status != models.StatusDriverAssigned || b.AssignedDriver == nil || b.AssignedDriver.DriverID != driverID {
		return
	}
	confirmed := models.StatusConfirmed
	_, err = s.svc.store.Update(ctx, s.bookingID, store.Patch{
		Status:              &confirmed,
		ClearAssignedDriver: true,
		AddRejectedDrivers:  []string{driverID},
		AppendHistory: []models.HistoryEntry{
			{Status: confirmed, At: time.Now(), Actor: "system", Note: "driver did not respond in time"},
		},
	}, store.Precondition{
		StatusIn:         []models.BookingStatus{models.StatusDriverAssigned},
		AssignedDriverID: &driverID,
	})
	if err != nil {
		// lost the race to a driver response; state is already settled
		return
	}
	observability.ResponseTimeouts.Inc()
	s.svc.publish(ctx, events.BookingEvent{
		Type:      events.TypeResponseTimeout,
		BookingID: s.bookingID,
		Status:    string(confirmed),
		DriverID:  driverID,
		Reason:    "driver did not respond in time",
	})
	s.svc.releaseDriver(ctx, driverID)
}

func (s *supervisor) disarmResponseLocked() {
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

func (s *supervisor) disarmRematchLocked() {
	if s.rematchTimer != nil {
		s.rematchTimer.Stop()
		s.rematchTimer = nil
	}
}

func (s *supervisor) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.disarmResponseLocked()
	s.disarmRematchLocked()
	unsub := s.unsubscribe
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
