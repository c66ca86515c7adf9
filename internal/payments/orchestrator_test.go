package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

type mockGateway struct{ mock.Mock }

func (m *mockGateway) CreateIntent(ctx context.Context, amount float64, currency string) (Intent, error) {
	args := m.Called(ctx, amount, currency)
	return args.Get(0).(Intent), args.Error(1)
}

func (m *mockGateway) CancelIntent(ctx context.Context, intentID string) error {
	return m.Called(ctx, intentID).Error(0)
}

type mockDispatcher struct{ mock.Mock }

func (m *mockDispatcher) StartDispatch(ctx context.Context, bookingID string) error {
	return m.Called(ctx, bookingID).Error(0)
}

func cashInput() CreateBookingInput {
	return CreateBookingInput{
		Rider:         models.Rider{UserID: "u1", Name: "Rider"},
		Pickup:        models.Place{Name: "A"},
		Dropoff:       models.Place{Name: "B"},
		Vehicle:       models.VehicleSelection{Class: "sedan", Price: 120},
		TotalCost:     120,
		PaymentMethod: models.PaymentCash,
	}
}

func cardInput() CreateBookingInput {
	in := cashInput()
	in.PaymentMethod = models.PaymentCard
	return in
}

func newOrchestrator(t *testing.T) (*Orchestrator, *store.MemoryStore, *mockGateway, *mockDispatcher) {
	t.Helper()
	st := store.NewMemoryStore()
	gw := &mockGateway{}
	disp := &mockDispatcher{}
	o := &Orchestrator{Store: st, Gateway: gw, Dispatcher: disp}
	return o, st, gw, disp
}

func TestCreateBookingValidation(t *testing.T) {
	o, _, _, _ := newOrchestrator(t)

	in := cashInput()
	in.TotalCost = 0
	_, err := o.CreateBooking(context.Background(), in)
	require.Error(t, err)

	in = cashInput()
	in.PaymentMethod = "cheque"
	_, err = o.CreateBooking(context.Background(), in)
	require.Error(t, err)
}

func TestCreateBookingCashStartsDispatchImmediately(t *testing.T) {
	o, st, gw, disp := newOrchestrator(t)
	disp.On("StartDispatch", mock.Anything, mock.AnythingOfType("string")).Return(nil)

	res, err := o.CreateBooking(context.Background(), cashInput())
	require.NoError(t, err)
	assert.Empty(t, res.ClientSecret)
	assert.Equal(t, models.PaymentCash, res.Booking.PaymentMethod)

	got, err := st.Get(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	disp.AssertCalled(t, "StartDispatch", mock.Anything, res.Booking.ID)
	gw.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateBookingCardAwaitsPayment(t *testing.T) {
	o, st, gw, disp := newOrchestrator(t)
	gw.On("CreateIntent", mock.Anything, 120.0, "thb").
		Return(Intent{IntentID: "pi_1", ClientSecret: "secret_1"}, nil)

	res, err := o.CreateBooking(context.Background(), cardInput())
	require.NoError(t, err)
	assert.Equal(t, "secret_1", res.ClientSecret)
	assert.Equal(t, models.StatusAwaitingPayment, res.Booking.Status)
	assert.Equal(t, "pi_1", res.Booking.PaymentIntentID)

	got, err := st.Get(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingPayment, got.Status)

	disp.AssertNotCalled(t, "StartDispatch", mock.Anything, mock.Anything)
}

type eventSink struct {
	mu     sync.Mutex
	events []events.BookingEvent
}

func (s *eventSink) Publish(ctx context.Context, evt events.BookingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *eventSink) find(typ string) (events.BookingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == typ {
			return e, true
		}
	}
	return events.BookingEvent{}, false
}

func TestCreateBookingIntentFailureCancelsOrphan(t *testing.T) {
	o, st, gw, disp := newOrchestrator(t)
	sink := &eventSink{}
	o.Producer = sink
	gw.On("CreateIntent", mock.Anything, 120.0, "thb").
		Return(Intent{}, errors.New("stripe down"))

	_, err := o.CreateBooking(context.Background(), cardInput())
	require.Error(t, err)
	disp.AssertNotCalled(t, "StartDispatch", mock.Anything, mock.Anything)

	// the record exists but must not linger in awaiting_payment
	created, ok := sink.find(events.TypeBookingCreated)
	require.True(t, ok)
	got, err := st.Get(context.Background(), created.BookingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "payment setup failed", got.CancelReason)
}

func TestConfirmPaymentSuccessStartsDispatch(t *testing.T) {
	o, st, gw, disp := newOrchestrator(t)
	gw.On("CreateIntent", mock.Anything, 120.0, "thb").
		Return(Intent{IntentID: "pi_1", ClientSecret: "secret_1"}, nil)
	disp.On("StartDispatch", mock.Anything, mock.AnythingOfType("string")).Return(nil)

	res, err := o.CreateBooking(context.Background(), cardInput())
	require.NoError(t, err)

	got, err := o.ConfirmPayment(context.Background(), res.Booking.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	disp.AssertCalled(t, "StartDispatch", mock.Anything, res.Booking.ID)

	// confirming twice is a stale write, not a double dispatch
	_, err = o.ConfirmPayment(context.Background(), res.Booking.ID, true, "")
	var stale *store.StaleWriteError
	require.True(t, errors.As(err, &stale))
	disp.AssertNumberOfCalls(t, "StartDispatch", 1)

	final, err := st.Get(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, final.Status)
}

func TestConfirmPaymentFailureCancelsWithoutDispatch(t *testing.T) {
	o, st, gw, disp := newOrchestrator(t)
	gw.On("CreateIntent", mock.Anything, 120.0, "thb").
		Return(Intent{IntentID: "pi_1", ClientSecret: "secret_1"}, nil)
	gw.On("CancelIntent", mock.Anything, "pi_1").Return(nil)

	res, err := o.CreateBooking(context.Background(), cardInput())
	require.NoError(t, err)

	got, err := o.ConfirmPayment(context.Background(), res.Booking.ID, false, "card declined")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "card declined", got.CancelReason)
	assert.Equal(t, models.PaymentUnpaid, got.PaymentStatus)

	disp.AssertNotCalled(t, "StartDispatch", mock.Anything, mock.Anything)
	gw.AssertCalled(t, "CancelIntent", mock.Anything, "pi_1")

	final, err := st.Get(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, final.Status)
}

func TestAbandonPayment(t *testing.T) {
	o, _, gw, disp := newOrchestrator(t)
	gw.On("CreateIntent", mock.Anything, 120.0, "thb").
		Return(Intent{IntentID: "pi_1", ClientSecret: "secret_1"}, nil)
	gw.On("CancelIntent", mock.Anything, "pi_1").Return(nil)

	res, err := o.CreateBooking(context.Background(), cardInput())
	require.NoError(t, err)

	got, err := o.AbandonPayment(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "payment cancelled", got.CancelReason)
	disp.AssertNotCalled(t, "StartDispatch", mock.Anything, mock.Anything)

	// abandoning a settled booking is a stale write
	_, err = o.AbandonPayment(context.Background(), res.Booking.ID)
	var stale *store.StaleWriteError
	require.True(t, errors.As(err, &stale))
}

func TestConfirmPaymentUnknownBooking(t *testing.T) {
	o, _, _, _ := newOrchestrator(t)
	_, err := o.ConfirmPayment(context.Background(), "nope", true, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
