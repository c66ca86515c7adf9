package models

import "time"

type BookingStatus string

const (
	StatusAwaitingPayment BookingStatus = "awaiting_payment"
	StatusPending         BookingStatus = "pending"
	StatusConfirmed       BookingStatus = "confirmed"
	StatusDriverAssigned  BookingStatus = "driver_assigned"
	StatusDriverEnRoute   BookingStatus = "driver_en_route"
	StatusInProgress      BookingStatus = "in_progress"
	StatusCompleted       BookingStatus = "completed"
	StatusCancelled       BookingStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a pickup or dropoff point.
type Place struct {
	Coord     Coord  `json:"coord"`
	Name      string `json:"name"`
	CatalogID string `json:"catalog_id,omitempty"`
}

type Rider struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
}

type VehicleSelection struct {
	Class    string  `json:"class"`
	Price    float64 `json:"price"`
	Capacity int     `json:"capacity"`
}

// AssignedDriver is the driver snapshot attached to a booking while one is
// assigned. It is cleared whenever the booking reverts to confirmed.
type AssignedDriver struct {
	DriverID     string `json:"driver_id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	VehiclePlate string `json:"vehicle_plate"`
	VehicleModel string `json:"vehicle_model"`
	VehicleColor string `json:"vehicle_color"`
}

type HistoryEntry struct {
	Status BookingStatus `json:"status"`
	At     time.Time     `json:"at"`
	Actor  string        `json:"actor"`
	Note   string        `json:"note,omitempty"`
}

type NoShowRecord struct {
	ArrivedAt    time.Time `json:"arrived_at"`
	WaitDeadline time.Time `json:"wait_deadline"`
	Fee          float64   `json:"fee,omitempty"`
	Resolved     bool      `json:"resolved"`
}

type RatingDirection string

const (
	RatingCustomerToDriver RatingDirection = "customer_to_driver"
	RatingDriverToCustomer RatingDirection = "driver_to_customer"
)

type Rating struct {
	Stars   int      `json:"stars"`
	Reasons []string `json:"reasons,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Tip     float64  `json:"tip,omitempty"`
}

type Booking struct {
	ID               string                     `json:"id"`
	Status           BookingStatus              `json:"status"`
	Rider            Rider                      `json:"rider"`
	Pickup           Place                      `json:"pickup"`
	Dropoff          Place                      `json:"dropoff"`
	Vehicle          VehicleSelection           `json:"vehicle"`
	TotalCost        float64                    `json:"total_cost"`
	PaymentMethod    PaymentMethod              `json:"payment_method"`
	PaymentStatus    PaymentStatus              `json:"payment_status"`
	PaymentIntentID  string                     `json:"payment_intent_id,omitempty"`
	AssignedDriver   *AssignedDriver            `json:"assigned_driver,omitempty"`
	RejectedDrivers  []string                   `json:"rejected_drivers,omitempty"`
	MatchAttempts    int                        `json:"match_attempts"`
	LastMatchAt      *time.Time                 `json:"last_match_attempt_at,omitempty"`
	SearchDeadlineAt *time.Time                 `json:"search_deadline_at,omitempty"`
	StatusHistory    []HistoryEntry             `json:"status_history,omitempty"`
	NoShow           *NoShowRecord              `json:"no_show,omitempty"`
	DriverEarnings   float64                    `json:"driver_earnings,omitempty"`
	CancelReason     string                     `json:"cancel_reason,omitempty"`
	Ratings          map[RatingDirection]Rating `json:"ratings,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`

	// Version increases on every store update and orders change
	// notifications for one booking.
	Version int64 `json:"version"`
}

// HasRejected reports whether driverID was already tried for this booking.
func (b *Booking) HasRejected(driverID string) bool {
	for _, id := range b.RejectedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable reports whether the rider/operator may still cancel. Once the
// driver is en route or the ride started, cancellation is refused.
func (s BookingStatus) Cancellable() bool {
	switch s {
	case StatusAwaitingPayment, StatusPending, StatusConfirmed, StatusDriverAssigned:
		return true
	}
	return false
}

// transitions is the booking status graph; cancelled is reachable separately
// per Cancellable.
var transitions = map[BookingStatus][]BookingStatus{
	StatusAwaitingPayment: {StatusPending, StatusCancelled},
	StatusPending:         {StatusConfirmed, StatusCancelled},
	StatusConfirmed:       {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned:  {StatusDriverEnRoute, StatusConfirmed, StatusCancelled},
	StatusDriverEnRoute:   {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Driver struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	VehiclePlate string       `json:"vehicle_plate"`
	VehicleModel string       `json:"vehicle_model"`
	VehicleColor string       `json:"vehicle_color"`
	Status       DriverStatus `json:"status"`
	Loc          Coord        `json:"loc"`
	Updated      time.Time    `json:"updated"`
}

// Assigned returns the booking-facing snapshot of d.
func (d Driver) Assigned() *AssignedDriver {
	return &AssignedDriver{
		DriverID:     d.ID,
		Name:         d.Name,
		Phone:        d.Phone,
		VehiclePlate: d.VehiclePlate,
		VehicleModel: d.VehicleModel,
		VehicleColor: d.VehicleColor,
	}
}
