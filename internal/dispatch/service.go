package dispatch

import (
	"context"
	"fmt"
	"log/slog"
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

// Options are the dispatch tunables. Zero values fall back to the contract
// defaults; tests dial the durations down to milliseconds.
type Options struct {
	MaxMatchAttempts      int
	RematchDelay          time.Duration
	DriverResponseTimeout time.Duration
	TotalSearchTimeout    time.Duration
	NoShowWait            time.Duration
	NoShowFee             float64
	ReleaseRetryDelay     time.Duration

	// PolicyFor returns the selection policy for a booking. Nil means
	// uniform random.
	PolicyFor func(b *models.Booking) selector.Policy
}

func (o Options) withDefaults() Options {
	if o.MaxMatchAttempts <= 0 {
		o.MaxMatchAttempts = 3
	}
	if o.RematchDelay <= 0 {
		o.RematchDelay = 3 * time.Second
	}
	if o.DriverResponseTimeout <= 0 {
		o.DriverResponseTimeout = 20 * time.Second
	}
	if o.TotalSearchTimeout <= 0 {
		o.TotalSearchTimeout = 180 * time.Second
	}
	if o.NoShowWait <= 0 {
		o.NoShowWait = 5 * time.Minute
	}
	if o.NoShowFee == 0 {
		o.NoShowFee = 50
	}
	if o.ReleaseRetryDelay <= 0 {
		o.ReleaseRetryDelay = 200 * time.Millisecond
	}
	return o
}

// Service owns one supervisor per active booking and exposes the
// driver-facing and rider-facing operations that mutate booking state.
type Service struct {
	store    store.Store
	dir      directory.Directory
	producer events.Publisher
	notifier notify.Notifier
	logger   *slog.Logger
	opts     Options

	mu   sync.Mutex
	sups map[string]*supervisor
}

func NewService(st store.Store, dir directory.Directory, producer events.Publisher, notifier notify.Notifier, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		dir:      dir,
		producer: producer,
		notifier: notifier,
		logger:   logger,
		opts:     opts.withDefaults(),
		sups:     make(map[string]*supervisor),
	}
}

// StartDispatch begins driver search for a booking in pending or confirmed.
// Pending bookings are first moved to confirmed. The initial assignment runs
// synchronously; rematch cycles run on the supervisor afterwards.
func (s *Service) StartDispatch(ctx context.Context, bookingID string) error {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	switch b.Status {
	case models.StatusPending:
		confirmed := models.StatusConfirmed
		deadline := time.Now().Add(s.opts.TotalSearchTimeout)
		b, err = s.store.Update(ctx, bookingID, store.Patch{
			Status:           &confirmed,
			SearchDeadlineAt: &deadline,
			AppendHistory:    []models.HistoryEntry{{Status: confirmed, At: time.Now(), Actor: "system", Note: "dispatch started"}},
		}, store.Precondition{StatusIn: []models.BookingStatus{models.StatusPending}})
		if err != nil {
			return err
		}
	case models.StatusConfirmed:
		if b.SearchDeadlineAt == nil {
			deadline := time.Now().Add(s.opts.TotalSearchTimeout)
			b, err = s.store.Update(ctx, bookingID, store.Patch{SearchDeadlineAt: &deadline},
				store.Precondition{StatusIn: []models.BookingStatus{models.StatusConfirmed}})
			if err != nil {
				return err
			}
		}
	default:
		return &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "start dispatch"}
	}

	sup := s.superviseLocked(bookingID, b)
	if sup == nil {
		// already supervised
		return nil
	}
	if err := sup.attemptAssign(ctx); err != nil {
		if _, ok := err.(*NoEligibleDriverError); ok {
			s.surfaceNoDriver(ctx, b, "no eligible drivers")
			return err
		}
		return err
	}
	return nil
}

// superviseLocked creates and registers a supervisor for bookingID, or
// returns nil if one is already running.
func (s *Service) superviseLocked(bookingID string, b *models.Booking) *supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sups[bookingID]; exists {
		return nil
	}
	sup := newSupervisor(s, b)
	s.sups[bookingID] = sup
	sup.unsubscribe = s.store.Subscribe(bookingID, sup.onChange)
	return sup
}

func (s *Service) dropSupervisor(bookingID string) {
	s.mu.Lock()
	delete(s.sups, bookingID)
	s.mu.Unlock()
}

// Accept is the driver accepting an assignment within the response window.
func (s *Service) Accept(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusDriverAssigned {
		return nil, &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "accept"}
	}
	enRoute := models.StatusDriverEnRoute
	updated, err := s.store.Update(ctx, bookingID, store.Patch{
		Status:        &enRoute,
		AppendHistory: []models.HistoryEntry{{Status: enRoute, At: time.Now(), Actor: "driver", Note: "driver accepted"}},
	}, store.Precondition{
		StatusIn:         []models.BookingStatus{models.StatusDriverAssigned},
		AssignedDriverID: &driverID,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingEvent{Type: events.TypeDriverAccepted, BookingID: bookingID, Status: string(enRoute), DriverID: driverID})
	return updated, nil
}

// Reject is the driver declining an assignment. The driver joins the
// rejected set and the booking reverts to confirmed, which the supervisor
// observes as the rematch trigger.
func (s *Service) Reject(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusDriverAssigned {
		return nil, &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "reject"}
	}
	confirmed := models.StatusConfirmed
	updated, err := s.store.Update(ctx, bookingID, store.Patch{
		Status:              &confirmed,
		ClearAssignedDriver: true,
		AddRejectedDrivers:  []string{driverID},
		AppendHistory:       []models.HistoryEntry{{Status: confirmed, At: time.Now(), Actor: "driver", Note: "driver rejected"}},
	}, store.Precondition{
		StatusIn:         []models.BookingStatus{models.StatusDriverAssigned},
		AssignedDriverID: &driverID,
	})
	if err != nil {
		return nil, err
	}
	s.releaseDriverAsync(driverID)
	s.publish(ctx, events.BookingEvent{Type: events.TypeDriverRejected, BookingID: bookingID, Status: string(confirmed), DriverID: driverID})
	return updated, nil
}

// MarkPickedUp is the driver confirming the rider is on board.
func (s *Service) MarkPickedUp(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusDriverEnRoute {
		return nil, &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "mark picked up"}
	}
	inProgress := models.StatusInProgress
	patch := store.Patch{
		Status:        &inProgress,
		AppendHistory: []models.HistoryEntry{{Status: inProgress, At: time.Now(), Actor: "driver", Note: "pickup complete"}},
	}
	if b.NoShow != nil && !b.NoShow.Resolved {
		resolved := *b.NoShow
		resolved.Resolved = true
		patch.NoShow = &resolved
	}
	return s.store.Update(ctx, bookingID, patch, store.Precondition{
		StatusIn:         []models.BookingStatus{models.StatusDriverEnRoute},
		AssignedDriverID: &driverID,
	})
}

// Complete is the driver marking dropoff complete. ratingPrompt is true when
// no rating exists yet for the customer-to-driver direction; the caller is
// expected to surface the prompt.
func (s *Service) Complete(ctx context.Context, bookingID, driverID string) (b *models.Booking, ratingPrompt bool, err error) {
	current, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, false, err
	}
	if current.Status != models.StatusInProgress {
		return nil, false, &InvalidStateError{BookingID: bookingID, Status: current.Status, Op: "complete"}
	}
	completed := models.StatusCompleted
	updated, err := s.store.Update(ctx, bookingID, store.Patch{
		Status:        &completed,
		AppendHistory: []models.HistoryEntry{{Status: completed, At: time.Now(), Actor: "driver", Note: "dropoff complete"}},
	}, store.Precondition{
		StatusIn:         []models.BookingStatus{models.StatusInProgress},
		AssignedDriverID: &driverID,
	})
	if err != nil {
		return nil, false, err
	}
	s.releaseDriverAsync(driverID)
	s.publish(ctx, events.BookingEvent{Type: events.TypeBookingCompleted, BookingID: bookingID, Status: string(completed), DriverID: driverID})
	observability.BookingsByStatus.WithLabelValues(string(completed)).Inc()
	_, rated := updated.Ratings[models.RatingCustomerToDriver]
	return updated, !rated, nil
}

// MarkArrived records driver arrival at pickup and opens the no-show wait
// window. The returned deadline is derived state: recomputing it after a
// reconnect reproduces the same value from the record.
func (s *Service) MarkArrived(ctx context.Context, bookingID, driverID string) (time.Time, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return time.Time{}, err
	}
	if b.Status != models.StatusDriverEnRoute {
		return time.Time{}, &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "mark arrived"}
	}
	if b.NoShow != nil {
		// already marked; the existing deadline is authoritative
		return b.NoShow.WaitDeadline, nil
	}
	now := time.Now()
	rec := models.NoShowRecord{ArrivedAt: now, WaitDeadline: now.Add(s.opts.NoShowWait)}
	_, err = s.store.Update(ctx, bookingID, store.Patch{
		NoShow:        &rec,
		AppendHistory: []models.HistoryEntry{{Status: b.Status, At: now, Actor: "driver", Note: "driver arrived at pickup"}},
	}, store.Precondition{
		StatusIn:         []models.BookingStatus{models.StatusDriverEnRoute},
		AssignedDriverID: &driverID,
	})
	if err != nil {
		return time.Time{}, err
	}
	return rec.WaitDeadline, nil
}

// ReportNoShow adjudicates a rider no-show after the wait deadline. The flat
// fee replaces the fare and goes to the driver as compensation. Reporting
// again after adjudication is a no-op.
func (s *Service) ReportNoShow(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.NoShow != nil && b.NoShow.Resolved && b.Status == models.StatusCancelled {
		return b, nil
	}
	if b.Status != models.StatusDriverEnRoute {
		return nil, &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "report no-show"}
	}
	if b.NoShow == nil {
		return nil, &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "report no-show before arrival"}
	}
	if remaining := time.Until(b.NoShow.WaitDeadline); remaining > 0 {
		return nil, &TooEarlyError{BookingID: bookingID, Remaining: remaining}
	}

	fee := s.opts.NoShowFee
	if fee > b.TotalCost {
		fee = b.TotalCost
	}
	cancelled := models.StatusCancelled
	reason := "rider no-show"
	rec := *b.NoShow
	rec.Fee = fee
	rec.Resolved = true
	earnings := fee
	updated, err := s.store.Update(ctx, bookingID, store.Patch{
		Status:         &cancelled,
		NoShow:         &rec,
		TotalCost:      &fee,
		DriverEarnings: &earnings,
		CancelReason:   &reason,
		AppendHistory:  []models.HistoryEntry{{Status: cancelled, At: time.Now(), Actor: "driver", Note: reason}},
	}, store.Precondition{
		StatusIn:         []models.BookingStatus{models.StatusDriverEnRoute},
		AssignedDriverID: &driverID,
	})
	if err != nil {
		return nil, err
	}
	s.releaseDriverAsync(driverID)
	s.publish(ctx, events.BookingEvent{Type: events.TypeNoShowReported, BookingID: bookingID, Status: string(cancelled), DriverID: driverID, Reason: reason})
	observability.NoShowsTotal.Inc()
	return updated, nil
}

// Cancel is the rider/operator cancellation path. Permitted only before the
// driver is en route.
func (s *Service) Cancel(ctx context.Context, bookingID, actor, reason string) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status.Terminal() {
		return nil, &InvalidStateError{BookingID: bookingID, Status: b.Status, Op: "cancel"}
	}
	if !b.Status.Cancellable() {
		return nil, &NotCancellableError{BookingID: bookingID, Status: b.Status}
	}
	if reason == "" {
		reason = "cancelled by " + actor
	}
	cancelled := models.StatusCancelled
	updated, err := s.store.Update(ctx, bookingID, store.Patch{
		Status:              &cancelled,
		ClearAssignedDriver: true,
		CancelReason:        &reason,
		AppendHistory:       []models.HistoryEntry{{Status: cancelled, At: time.Now(), Actor: actor, Note: reason}},
	}, store.Precondition{StatusIn: []models.BookingStatus{
		models.StatusAwaitingPayment, models.StatusPending, models.StatusConfirmed, models.StatusDriverAssigned,
	}})
	if err != nil {
		return nil, err
	}
	if b.AssignedDriver != nil {
		// failure to release is reported, never fatal to the cancellation
		s.releaseDriverAsync(b.AssignedDriver.DriverID)
	}
	s.publish(ctx, events.BookingEvent{Type: events.TypeBookingCancelled, BookingID: bookingID, Status: string(cancelled), Reason: reason})
	observability.BookingsByStatus.WithLabelValues(string(cancelled)).Inc()
	return updated, nil
}

// RatingInput is a rating submission for one direction.
type RatingInput struct {
	BookingID string
	Direction models.RatingDirection
	Stars     int
	Reasons   []string
	Comment   string
	Tip       float64
}

// SubmitRating attaches a rating to a completed booking. Stars of three or
// below require at least one reason; a tip adds to driver earnings, never to
// the fare.
func (s *Service) SubmitRating(ctx context.Context, in RatingInput) (*models.Booking, error) {
	if in.Stars < 1 || in.Stars > 5 {
		return nil, fmt.Errorf("stars must be between 1 and 5")
	}
	if in.Stars <= 3 && len(in.Reasons) == 0 {
		return nil, fmt.Errorf("ratings of 3 stars or below require a reason")
	}
	if in.Tip < 0 {
		return nil, fmt.Errorf("tip must not be negative")
	}
	if in.Direction != models.RatingCustomerToDriver && in.Direction != models.RatingDriverToCustomer {
		return nil, fmt.Errorf("unknown rating direction %q", in.Direction)
	}
	b, err := s.store.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusCompleted {
		return nil, &InvalidStateError{BookingID: in.BookingID, Status: b.Status, Op: "rate"}
	}
	if _, exists := b.Ratings[in.Direction]; exists {
		return nil, &InvalidStateError{BookingID: in.BookingID, Status: b.Status, Op: "rate twice"}
	}
	patch := store.Patch{
		SetRating: &store.RatingPatch{
			Direction: in.Direction,
			Rating:    models.Rating{Stars: in.Stars, Reasons: in.Reasons, Comment: in.Comment, Tip: in.Tip},
		},
	}
	if in.Tip > 0 {
		earnings := b.DriverEarnings + in.Tip
		patch.DriverEarnings = &earnings
	}
	ver := b.Version
	updated, err := s.store.Update(ctx, in.BookingID, patch, store.Precondition{Version: &ver})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingEvent{Type: events.TypeRatingSubmitted, BookingID: in.BookingID, Status: string(b.Status)})
	return updated, nil
}

// releaseDriver best-effort returns a driver to the available pool with
// bounded exponential backoff. Failures are logged and swallowed.
func (s *Service) releaseDriver(ctx context.Context, driverID string) {
	delay := s.opts.ReleaseRetryDelay
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.dir.UpdateStatus(ctx, driverID, models.DriverAvailable); err == nil {
			return
		}
		if attempt < 2 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	s.logger.Warn("driver release failed", "driver_id", driverID, "error", err)
}

// releaseDriverAsync runs the release off the calling goroutine so a slow
// directory never holds up a caller-facing response. The background context
// outlives the request that triggered the release.
func (s *Service) releaseDriverAsync(driverID string) {
	go s.releaseDriver(context.Background(), driverID)
}

func (s *Service) surfaceNoDriver(ctx context.Context, b *models.Booking, reason string) {
	s.logger.Info("dispatch exhausted", "booking_id", b.ID, "reason", reason, "attempts", b.MatchAttempts)
	observability.SearchExhausted.Inc()
	s.publish(ctx, events.BookingEvent{Type: events.TypeDispatchExhausted, BookingID: b.ID, Status: string(b.Status), Reason: reason})
	s.sendNotice(b.Rider.UserID, notify.Notice{
		Kind:      "no_driver_available",
		BookingID: b.ID,
		Status:    string(b.Status),
		Message:   "no driver available",
	})
}

func (s *Service) publish(ctx context.Context, evt events.BookingEvent) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, evt); err != nil {
		s.logger.Warn("event publish failed", "type", evt.Type, "booking_id", evt.BookingID, "error", err)
	}
}

func (s *Service) sendNotice(principalID string, n notify.Notice) {
	if s.notifier == nil || principalID == "" {
		return
	}
	if err := s.notifier.Notify(principalID, n); err != nil && err != notify.ErrNoSession {
		s.logger.Warn("notify failed", "principal_id", principalID, "kind", n.Kind, "error", err)
	}
}

// Close stops all supervisors. Pending timers are disarmed; booking state is
// untouched.
func (s *Service) Close() {
	s.mu.Lock()
	sups := make([]*supervisor, 0, len(s.sups))
	for _, sup := range s.sups {
		sups = append(sups, sup)
	}
	s.sups = make(map[string]*supervisor)
	s.mu.Unlock()
	for _, sup := range sups {
		sup.stop()
	}
}
