package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

// Dispatcher starts dispatch for a booking once payment clears (or
// immediately for cash). Implemented by the dispatch service.
type Dispatcher interface {
	StartDispatch(ctx context.Context, bookingID string) error
}

// CreateBookingInput is what the rider submits.
type CreateBookingInput struct {
	Rider         models.Rider            `json:"rider"`
	Pickup        models.Place            `json:"pickup"`
	Dropoff       models.Place            `json:"dropoff"`
	Vehicle       models.VehicleSelection `json:"vehicle"`
	TotalCost     float64                 `json:"total_cost"`
	PaymentMethod models.PaymentMethod    `json:"payment_method"`
}

// CreateBookingResult carries the client secret for card bookings.
type CreateBookingResult struct {
	Booking      *models.Booking `json:"booking"`
	ClientSecret string          `json:"client_secret,omitempty"`
}

// Orchestrator decides the cash-vs-card path and gates dispatch start on the
// payment outcome.
type Orchestrator struct {
	Store      store.Store
	Gateway    Gateway
	Dispatcher Dispatcher
	Producer   events.Publisher
	Logger     *slog.Logger
	Currency   string
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) currency() string {
	if o.Currency != "" {
		return o.Currency
	}
	return "thb"
}

// CreateBooking creates the record and, for card bookings, a payment intent.
// Cash bookings go straight to dispatch. If intent creation fails after the
// record exists, the orphaned booking is cancelled rather than left in
// awaiting_payment forever.
func (o *Orchestrator) CreateBooking(ctx context.Context, in CreateBookingInput) (*CreateBookingResult, error) {
	if in.TotalCost <= 0 {
		return nil, fmt.Errorf("total cost must be positive")
	}
	if in.PaymentMethod != models.PaymentCash && in.PaymentMethod != models.PaymentCard {
		return nil, fmt.Errorf("unknown payment method %q", in.PaymentMethod)
	}

	status := models.StatusPending
	if in.PaymentMethod == models.PaymentCard {
		status = models.StatusAwaitingPayment
	}
	now := time.Now()
	b := &models.Booking{
		ID:            uuid.NewString(),
		Status:        status,
		Rider:         in.Rider,
		Pickup:        in.Pickup,
		Dropoff:       in.Dropoff,
		Vehicle:       in.Vehicle,
		TotalCost:     in.TotalCost,
		PaymentMethod: in.PaymentMethod,
		PaymentStatus: models.PaymentUnpaid,
		StatusHistory: []models.HistoryEntry{{Status: status, At: now, Actor: "rider", Note: "booking created"}},
	}
	if err := o.Store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	o.publish(ctx, events.BookingEvent{Type: events.TypeBookingCreated, BookingID: b.ID, Status: string(b.Status)})

	if in.PaymentMethod == models.PaymentCash {
		if err := o.Dispatcher.StartDispatch(ctx, b.ID); err != nil {
			return nil, err
		}
		current, err := o.Store.Get(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		return &CreateBookingResult{Booking: current}, nil
	}

	intent, err := o.Gateway.CreateIntent(ctx, in.TotalCost, o.currency())
	if err != nil {
		o.logger().Error("payment intent creation failed, cancelling booking",
			"booking_id", b.ID, "error", err)
		observability.PaymentOutcomes.WithLabelValues("setup_failed").Inc()
		o.cancel(ctx, b.ID, "payment setup failed")
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	intentID := intent.IntentID
	updated, err := o.Store.Update(ctx, b.ID, store.Patch{PaymentIntentID: &intentID},
		store.Precondition{StatusIn: []models.BookingStatus{models.StatusAwaitingPayment}})
	if err != nil {
		return nil, err
	}
	return &CreateBookingResult{Booking: updated, ClientSecret: intent.ClientSecret}, nil
}

// ConfirmPayment reports the client-side confirmation outcome. Success moves
// the booking to pending and starts dispatch; failure cancels it. Dispatch
// never starts for a failed payment.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, bookingID string, success bool, reason string) (*models.Booking, error) {
	b, err := o.Store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusAwaitingPayment {
		return nil, &store.StaleWriteError{BookingID: bookingID, Reason: fmt.Sprintf("status is %s", b.Status)}
	}

	if !success {
		observability.PaymentOutcomes.WithLabelValues("failed").Inc()
		if reason == "" {
			reason = "payment failed"
		}
		return o.cancel(ctx, bookingID, reason)
	}

	paid := models.PaymentPaid
	pending := models.StatusPending
	updated, err := o.Store.Update(ctx, bookingID, store.Patch{
		Status:        &pending,
		PaymentStatus: &paid,
		AppendHistory: []models.HistoryEntry{{Status: pending, At: time.Now(), Actor: "system", Note: "payment confirmed"}},
	}, store.Precondition{StatusIn: []models.BookingStatus{models.StatusAwaitingPayment}})
	if err != nil {
		return nil, err
	}
	observability.PaymentOutcomes.WithLabelValues("paid").Inc()
	if err := o.Dispatcher.StartDispatch(ctx, bookingID); err != nil {
		return updated, err
	}
	return o.Store.Get(ctx, bookingID)
}

// AbandonPayment cancels a card booking the rider backed out of before
// confirming.
func (o *Orchestrator) AbandonPayment(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := o.Store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusAwaitingPayment {
		return nil, &store.StaleWriteError{BookingID: bookingID, Reason: fmt.Sprintf("status is %s", b.Status)}
	}
	observability.PaymentOutcomes.WithLabelValues("cancelled").Inc()
	return o.cancel(ctx, bookingID, "payment cancelled")
}

func (o *Orchestrator) cancel(ctx context.Context, bookingID, reason string) (*models.Booking, error) {
	cancelled := models.StatusCancelled
	updated, err := o.Store.Update(ctx, bookingID, store.Patch{
		Status:       &cancelled,
		CancelReason: &reason,
		AppendHistory: []models.HistoryEntry{
			{Status: cancelled, At: time.Now(), Actor: "system", Note: reason},
		},
	}, store.Precondition{StatusIn: []models.BookingStatus{models.StatusAwaitingPayment}})
	if err != nil {
		return nil, err
	}
	if updated.PaymentIntentID != "" {
		if gerr := o.Gateway.CancelIntent(ctx, updated.PaymentIntentID); gerr != nil {
			o.logger().Warn("cancel payment intent failed", "booking_id", bookingID, "error", gerr)
		}
	}
	o.publish(ctx, events.BookingEvent{Type: events.TypeBookingCancelled, BookingID: bookingID, Status: string(cancelled), Reason: reason})
	return updated, nil
}

func (o *Orchestrator) publish(ctx context.Context, evt events.BookingEvent) {
	if o.Producer == nil {
		return
	}
	if err := o.Producer.Publish(ctx, evt); err != nil {
		o.logger().Warn("event publish failed", "type", evt.Type, "booking_id", evt.BookingID, "error", err)
	}
}
