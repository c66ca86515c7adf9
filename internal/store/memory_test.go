package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func newBooking(id string, status models.BookingStatus) *models.Booking {
	return &models.Booking{
		ID:            id,
		Status:        status,
		Rider:         models.Rider{UserID: "u1", Name: "Rider"},
		TotalCost:     120,
		PaymentMethod: models.PaymentCash,
		PaymentStatus: models.PaymentUnpaid,
	}
}

func TestCreateAndGet(t *testing.T) {
	m := NewMemoryStore()
	b := newBooking("b1", models.StatusPending)
	require.NoError(t, m.Create(context.Background(), b))
	assert.Equal(t, int64(1), b.Version)

	got, err := m.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBumpsVersionAndClones(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Create(context.Background(), newBooking("b1", models.StatusPending)))

	confirmed := models.StatusConfirmed
	got, err := m.Update(context.Background(), "b1", Patch{Status: &confirmed}, Precondition{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	// mutating the returned snapshot must not leak into the store
	got.Status = models.StatusCancelled
	again, err := m.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, again.Status)
}

func TestUpdateRejectsOffGraphTransition(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Create(context.Background(), newBooking("b1", models.StatusPending)))

	inProgress := models.StatusInProgress
	_, err := m.Update(context.Background(), "b1", Patch{Status: &inProgress}, Precondition{})
	var stale *StaleWriteError
	require.True(t, errors.As(err, &stale))
}

func TestPreconditionStatusIn(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Create(context.Background(), newBooking("b1", models.StatusPending)))

	confirmed := models.StatusConfirmed
	_, err := m.Update(context.Background(), "b1", Patch{Status: &confirmed},
		Precondition{StatusIn: []models.BookingStatus{models.StatusConfirmed}})
	var stale *StaleWriteError
	require.True(t, errors.As(err, &stale))

	_, err = m.Update(context.Background(), "b1", Patch{Status: &confirmed},
		Precondition{StatusIn: []models.BookingStatus{models.StatusPending}})
	require.NoError(t, err)
}

func TestPreconditionAssignedDriverAndVersion(t *testing.T) {
	m := NewMemoryStore()
	b := newBooking("b1", models.StatusConfirmed)
	require.NoError(t, m.Create(context.Background(), b))

	assigned := models.StatusDriverAssigned
	_, err := m.Update(context.Background(), "b1", Patch{
		Status:       &assigned,
		AssignDriver: &models.AssignedDriver{DriverID: "d1"},
	}, Precondition{})
	require.NoError(t, err)

	other := "d2"
	enRoute := models.StatusDriverEnRoute
	_, err = m.Update(context.Background(), "b1", Patch{Status: &enRoute},
		Precondition{AssignedDriverID: &other})
	var stale *StaleWriteError
	require.True(t, errors.As(err, &stale), "wrong driver must be a stale write")

	staleVersion := int64(1)
	_, err = m.Update(context.Background(), "b1", Patch{Status: &enRoute},
		Precondition{Version: &staleVersion})
	require.True(t, errors.As(err, &stale), "stale version must be a stale write")

	d1 := "d1"
	_, err = m.Update(context.Background(), "b1", Patch{Status: &enRoute},
		Precondition{AssignedDriverID: &d1})
	require.NoError(t, err)
}

func TestAddRejectedDriversIsIdempotent(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Create(context.Background(), newBooking("b1", models.StatusConfirmed)))

	for i := 0; i < 2; i++ {
		_, err := m.Update(context.Background(), "b1", Patch{AddRejectedDrivers: []string{"d1"}}, Precondition{})
		require.NoError(t, err)
	}
	_, err := m.Update(context.Background(), "b1", Patch{AddRejectedDrivers: []string{"d2", "d1"}}, Precondition{})
	require.NoError(t, err)

	got, err := m.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, got.RejectedDrivers)
}

func TestTerminalBookingAcceptsOnlyRatings(t *testing.T) {
	m := NewMemoryStore()
	b := newBooking("b1", models.StatusInProgress)
	require.NoError(t, m.Create(context.Background(), b))
	completed := models.StatusCompleted
	_, err := m.Update(context.Background(), "b1", Patch{Status: &completed}, Precondition{})
	require.NoError(t, err)

	cost := 999.0
	_, err = m.Update(context.Background(), "b1", Patch{TotalCost: &cost}, Precondition{})
	var stale *StaleWriteError
	require.True(t, errors.As(err, &stale))

	got, err := m.Update(context.Background(), "b1", Patch{SetRating: &RatingPatch{
		Direction: models.RatingCustomerToDriver,
		Rating:    models.Rating{Stars: 5},
	}}, Precondition{})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Ratings[models.RatingCustomerToDriver].Stars)
}

func TestSubscribeDeliversInVersionOrder(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Create(context.Background(), newBooking("b1", models.StatusPending)))

	versions := make(chan int64, 8)
	cancel := m.Subscribe("b1", func(b models.Booking) { versions <- b.Version })
	defer cancel()

	confirmed := models.StatusConfirmed
	assigned := models.StatusDriverAssigned
	_, err := m.Update(context.Background(), "b1", Patch{Status: &confirmed}, Precondition{})
	require.NoError(t, err)
	_, err = m.Update(context.Background(), "b1", Patch{
		Status:       &assigned,
		AssignDriver: &models.AssignedDriver{DriverID: "d1"},
	}, Precondition{})
	require.NoError(t, err)

	var seen []int64
	for len(seen) < 2 {
		select {
		case v := <-versions:
			seen = append(seen, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notifications, got %v", seen)
		}
	}
	assert.Equal(t, []int64{2, 3}, seen)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Create(context.Background(), newBooking("b1", models.StatusPending)))

	got := make(chan models.Booking, 8)
	cancel := m.Subscribe("b1", func(b models.Booking) { got <- b })
	cancel()

	confirmed := models.StatusConfirmed
	_, err := m.Update(context.Background(), "b1", Patch{Status: &confirmed}, Precondition{})
	require.NoError(t, err)

	select {
	case b := <-got:
		t.Fatalf("unexpected delivery after cancel: version %d", b.Version)
	case <-time.After(100 * time.Millisecond):
	}
}

type archiveSink struct {
	ch chan models.Booking
}

func (a *archiveSink) Archive(ctx context.Context, b models.Booking) error {
	a.ch <- b
	return nil
}

func TestArchiverReceivesSnapshots(t *testing.T) {
	m := NewMemoryStore()
	sink := &archiveSink{ch: make(chan models.Booking, 8)}
	m.SetArchiver(sink, nil)

	require.NoError(t, m.Create(context.Background(), newBooking("b1", models.StatusPending)))
	confirmed := models.StatusConfirmed
	_, err := m.Update(context.Background(), "b1", Patch{Status: &confirmed}, Precondition{})
	require.NoError(t, err)

	seen := map[int64]models.BookingStatus{}
	for len(seen) < 2 {
		select {
		case b := <-sink.ch:
			seen[b.Version] = b.Status
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for archive, got %v", seen)
		}
	}
	assert.Equal(t, models.StatusPending, seen[1])
	assert.Equal(t, models.StatusConfirmed, seen[2])
}
