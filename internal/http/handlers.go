package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/store"
)

type Server struct {
	Orchestrator *payments.Orchestrator
	Dispatch     *dispatch.Service
	Store        store.Store
	Directory    directory.Directory
	WSReg        *notify.WSRegistry
	DriverFeed   DriverFeedPublisher

	logger  *slog.Logger
	limiter *ipRateLimiter
	mux     *mux.Router
}

// DriverFeedPublisher publishes driver updates for the feed consumer.
type DriverFeedPublisher interface {
	PublishDriver(ctx context.Context, evt events.DriverEvent) error
}

type ServerOptions struct {
	Logger          *slog.Logger
	RateLimitPerSec float64
	RateLimitBurst  int
}

func NewServer(orch *payments.Orchestrator, disp *dispatch.Service, st store.Store, dir directory.Directory, wsreg *notify.WSRegistry, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Orchestrator: orch,
		Dispatch:     disp,
		Store:        st,
		Directory:    dir,
		WSReg:        wsreg,
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	if opts.RateLimitPerSec > 0 {
		s.limiter = newIPRateLimiter(rate.Limit(opts.RateLimitPerSec), opts.RateLimitBurst)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/bookings/{id}/payment/confirm", s.handlePaymentConfirm).Methods("POST")
	api.HandleFunc("/bookings/{id}/payment/abandon", s.handlePaymentAbandon).Methods("POST")
	api.HandleFunc("/bookings/{id}/driver/accept", s.driverAction(s.acceptAction)).Methods("POST")
	api.HandleFunc("/bookings/{id}/driver/reject", s.driverAction(s.rejectAction)).Methods("POST")
	api.HandleFunc("/bookings/{id}/driver/arrived", s.handleArrived).Methods("POST")
	api.HandleFunc("/bookings/{id}/driver/noshow", s.driverAction(s.noShowAction)).Methods("POST")
	api.HandleFunc("/bookings/{id}/driver/pickup", s.driverAction(s.pickupAction)).Methods("POST")
	api.HandleFunc("/bookings/{id}/driver/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/bookings/{id}/rating", s.handleRating).Methods("POST")

	s.mux.HandleFunc("/internal/drivers", s.handleDriverUpsert).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var in payments.CreateBookingInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Orchestrator.CreateBooking(r.Context(), in)
	if err != nil {
		var noDriver *dispatch.NoEligibleDriverError
		if errors.As(err, &noDriver) {
			// booking exists and stays addressable; the rider is told no
			// driver is around right now
			b, gerr := s.Store.Get(r.Context(), noDriver.BookingID)
			if gerr != nil {
				s.writeError(w, gerr)
				return
			}
			s.writeJSON(w, http.StatusCreated, map[string]any{"booking": b, "no_driver_available": true})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Actor == "" {
		in.Actor = "rider"
	}
	b, err := s.Dispatch.Cancel(r.Context(), mux.Vars(r)["id"], in.Actor, in.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reason := ""
	if !in.Success {
		reason = "payment failed"
		if in.Error != "" {
			reason = "payment failed: " + in.Error
		}
	}
	b, err := s.Orchestrator.ConfirmPayment(r.Context(), mux.Vars(r)["id"], in.Success, reason)
	if err != nil {
		var noDriver *dispatch.NoEligibleDriverError
		if errors.As(err, &noDriver) {
			s.writeJSON(w, http.StatusOK, map[string]any{"booking": b, "no_driver_available": true})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePaymentAbandon(w http.ResponseWriter, r *http.Request) {
	b, err := s.Orchestrator.AbandonPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

type driverActionFunc func(r *http.Request, bookingID, driverID string) (*models.Booking, error)

// driverAction wraps the accept/reject/pickup/noshow handlers, which all
// share the same request shape.
func (s *Server) driverAction(fn driverActionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			DriverID string `json:"driver_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if in.DriverID == "" {
			http.Error(w, "driver_id is required", http.StatusBadRequest)
			return
		}
		b, err := fn(r, mux.Vars(r)["id"], in.DriverID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, b)
	}
}

func (s *Server) acceptAction(r *http.Request, bookingID, driverID string) (*models.Booking, error) {
	return s.Dispatch.Accept(r.Context(), bookingID, driverID)
}

func (s *Server) rejectAction(r *http.Request, bookingID, driverID string) (*models.Booking, error) {
	return s.Dispatch.Reject(r.Context(), bookingID, driverID)
}

func (s *Server) noShowAction(r *http.Request, bookingID, driverID string) (*models.Booking, error) {
	return s.Dispatch.ReportNoShow(r.Context(), bookingID, driverID)
}

func (s *Server) pickupAction(r *http.Request, bookingID, driverID string) (*models.Booking, error) {
	return s.Dispatch.MarkPickedUp(r.Context(), bookingID, driverID)
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deadline, err := s.Dispatch.MarkArrived(r.Context(), mux.Vars(r)["id"], in.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"wait_deadline": deadline,
		"wait_ms":       time.Until(deadline).Milliseconds(),
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, ratingPrompt, err := s.Dispatch.Complete(r.Context(), mux.Vars(r)["id"], in.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"booking": b, "rating_prompt": ratingPrompt})
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Direction models.RatingDirection `json:"direction"`
		Stars     int                    `json:"stars"`
		Reasons   []string               `json:"reasons"`
		Comment   string                 `json:"comment"`
		Tip       float64                `json:"tip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Dispatch.SubmitRating(r.Context(), dispatch.RatingInput{
		BookingID: mux.Vars(r)["id"],
		Direction: in.Direction,
		Stars:     in.Stars,
		Reasons:   in.Reasons,
		Comment:   in.Comment,
		Tip:       in.Tip,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDriverUpsert(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.ID == "" {
		http.Error(w, "driver id is required", http.StatusBadRequest)
		return
	}
	if d.Status == "" {
		d.Status = models.DriverAvailable
	}
	if err := s.Directory.Upsert(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	if s.DriverFeed != nil {
		if err := s.DriverFeed.PublishDriver(r.Context(), events.DriverEvent{Driver: d}); err != nil {
			s.logger.Warn("driver feed publish failed", "driver_id", d.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, id := vars["role"], vars["id"]
	if role != "driver" && role != "rider" {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	// drain inbound frames so disconnects are noticed and the session is
	// dropped instead of lingering until the principal reconnects
	go func() {
		defer func() {
			s.WSReg.Remove(id, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		invalid        *dispatch.InvalidStateError
		notCancellable *dispatch.NotCancellableError
		tooEarly       *dispatch.TooEarlyError
		stale          *store.StaleWriteError
		upstream       *dispatch.UpstreamUnavailableError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, directory.ErrDriverNotFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &notCancellable), errors.As(err, &tooEarly), errors.As(err, &stale):
		status = http.StatusConflict
	case errors.As(err, &upstream):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
