package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/store"
)

// stubGateway issues sequential intents without talking to stripe.
type stubGateway struct {
	n    int
	fail bool
}

func (g *stubGateway) CreateIntent(ctx context.Context, amount float64, currency string) (payments.Intent, error) {
	if g.fail {
		return payments.Intent{}, fmt.Errorf("gateway down")
	}
	g.n++
	return payments.Intent{
		IntentID:     fmt.Sprintf("pi_%d", g.n),
		ClientSecret: fmt.Sprintf("secret_%d", g.n),
	}, nil
}

func (g *stubGateway) CancelIntent(ctx context.Context, intentID string) error { return nil }

func newTestServer(t *testing.T) (*Server, *directory.MemoryDirectory) {
	t.Helper()
	st := store.NewMemoryStore()
	dir := directory.NewMemoryDirectory()
	disp := dispatch.NewService(st, dir, nil, nil, nil, dispatch.Options{
		RematchDelay:          5 * time.Millisecond,
		DriverResponseTimeout: time.Second,
		NoShowWait:            20 * time.Millisecond,
		NoShowFee:             50,
		ReleaseRetryDelay:     time.Millisecond,
	})
	t.Cleanup(disp.Close)
	orch := &payments.Orchestrator{Store: st, Gateway: &stubGateway{}, Dispatcher: disp}
	return NewServer(orch, disp, st, dir, notify.NewWSRegistry(), ServerOptions{}), dir
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func seedDriver(t *testing.T, srv *Server, id string) {
	t.Helper()
	rr := doJSON(t, srv, "POST", "/internal/drivers", models.Driver{ID: id, Name: "Driver " + id})
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func bookingInput() payments.CreateBookingInput {
	return payments.CreateBookingInput{
		Rider:         models.Rider{UserID: "u1", Name: "Rider"},
		Pickup:        models.Place{Name: "A", Coord: models.Coord{Lat: 13.75, Lon: 100.5}},
		Dropoff:       models.Place{Name: "B", Coord: models.Coord{Lat: 13.8, Lon: 100.55}},
		Vehicle:       models.VehicleSelection{Class: "sedan", Price: 120},
		TotalCost:     120,
		PaymentMethod: models.PaymentCash,
	}
}

func TestCreateCashBookingAssignsDriver(t *testing.T) {
	srv, _ := newTestServer(t)
	seedDriver(t, srv, "d1")

	rr := doJSON(t, srv, "POST", "/api/v1/bookings", bookingInput())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[payments.CreateBookingResult](t, rr)
	require.NotNil(t, res.Booking)
	assert.Equal(t, models.StatusDriverAssigned, res.Booking.Status)
	require.NotNil(t, res.Booking.AssignedDriver)
	assert.Equal(t, "d1", res.Booking.AssignedDriver.DriverID)
}

func TestCreateBookingNoDriverStillCreated(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/bookings", bookingInput())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[struct {
		Booking           models.Booking `json:"booking"`
		NoDriverAvailable bool           `json:"no_driver_available"`
	}](t, rr)
	assert.True(t, res.NoDriverAvailable)
	assert.Equal(t, models.StatusConfirmed, res.Booking.Status)

	// the booking stays addressable
	get := httptest.NewRecorder()
	srv.ServeHTTP(get, httptest.NewRequest("GET", "/api/v1/bookings/"+res.Booking.ID, nil))
	assert.Equal(t, http.StatusOK, get.Code)
}

func TestGetUnknownBookingIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/bookings/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDriverLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	seedDriver(t, srv, "d1")

	rr := doJSON(t, srv, "POST", "/api/v1/bookings", bookingInput())
	require.Equal(t, http.StatusCreated, rr.Code)
	res := decode[payments.CreateBookingResult](t, rr)
	id := res.Booking.ID

	body := map[string]string{"driver_id": "d1"}

	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/driver/accept", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusDriverEnRoute, decode[models.Booking](t, rr).Status)

	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/driver/arrived", body)
	require.Equal(t, http.StatusOK, rr.Code)
	arrived := decode[struct {
		WaitDeadline time.Time `json:"wait_deadline"`
	}](t, rr)
	assert.True(t, arrived.WaitDeadline.After(time.Now().Add(-time.Second)))

	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/driver/pickup", body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusInProgress, decode[models.Booking](t, rr).Status)

	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/driver/complete", body)
	require.Equal(t, http.StatusOK, rr.Code)
	completed := decode[struct {
		Booking      models.Booking `json:"booking"`
		RatingPrompt bool           `json:"rating_prompt"`
	}](t, rr)
	assert.Equal(t, models.StatusCompleted, completed.Booking.Status)
	assert.True(t, completed.RatingPrompt)

	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/rating", map[string]any{
		"direction": "customer_to_driver", "stars": 5, "tip": 10,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rated := decode[models.Booking](t, rr)
	assert.Equal(t, 5, rated.Ratings[models.RatingCustomerToDriver].Stars)
	assert.Equal(t, 10.0, rated.DriverEarnings)
}

func TestConflictResponses(t *testing.T) {
	srv, _ := newTestServer(t)
	seedDriver(t, srv, "d1")

	rr := doJSON(t, srv, "POST", "/api/v1/bookings", bookingInput())
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decode[payments.CreateBookingResult](t, rr).Booking.ID

	// wrong driver accepting is a conflict
	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/driver/accept", map[string]string{"driver_id": "d9"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/driver/accept", map[string]string{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, rr.Code)

	// cancellation is refused once the driver is en route
	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/cancel", map[string]string{"actor": "rider"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// no-show before arrival is a conflict too
	rr = doJSON(t, srv, "POST", "/api/v1/bookings/"+id+"/driver/noshow", map[string]string{"driver_id": "d1"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDriverActionRequiresDriverID(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv, "POST", "/api/v1/bookings/b1/driver/accept", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDriverUpsertValidation(t *testing.T) {
	srv, dir := newTestServer(t)
	rr := doJSON(t, srv, "POST", "/internal/drivers", models.Driver{Name: "no id"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	seedDriver(t, srv, "d1")
	d, err := dir.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status, "status defaults to available")
}

func TestWSDisconnectRemovesSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rider/u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, srv.WSReg.Notify("u1", notify.Notice{Kind: "ping"}),
		"a live session must be reachable")

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := srv.WSReg.Notify("u1", notify.Notice{Kind: "ping"}); errors.Is(err, notify.ErrNoSession) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session still registered after the client disconnected")
}

func TestWSReconnectKeepsNewestSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rider/u1"
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()

	// the stale pump must not evict the session the reconnect installed
	first.Close()
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, srv.WSReg.Notify("u1", notify.Notice{Kind: "ping"}))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
