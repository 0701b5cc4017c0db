package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Ride status values. Terminal states are absorbing: no conditional
// update ever matches a ride that has reached one of them.
const (
	StatusProcessing = "processing"
	StatusAccepted   = "accepted"
	StatusStarted    = "started"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusTerminated = "terminated"
	StatusFailed     = "failed"
)

const (
	VehicleBike = "bike"
	VehicleCar  = "car"
)

const (
	PaymentModeCash   = "cash"
	PaymentModeOnline = "online"
)

const (
	CancelledByRider  = "rider"
	CancelledByDriver = "driver"
)

type Ride struct {
	ID           string
	RiderID      string
	DriverID     string // set exactly once, on accept
	Pickup       Coord
	Dropoff      Coord
	VehicleType  string
	DistanceKm   float64
	Fare         int64 // whole currency units
	PaymentMode  string
	SentToRadius float64 // last radius (km) searched
	OTP          int     // 0 when unset/consumed
	Status       string
	CancelledBy  string
	PaymentID    string // payment record reference, empty for cash
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TemporaryRide is the provisional booking held between checkout-session
// creation and the payment webhook. Keyed by the payment session id and
// discarded once converted or expired.
type TemporaryRide struct {
	ID               string
	RiderID          string
	Pickup           Coord
	Dropoff          Coord
	VehicleType      string
	DistanceKm       float64
	Fare             int64
	PaymentSessionID string
	CreatedAt        time.Time
}

type Driver struct {
	ID          string    `json:"id"`
	Loc         Coord     `json:"loc"`
	VehicleType string    `json:"vehicle_type"`
	Online      bool      `json:"online"`
	DistanceM   float64   `json:"distance_m,omitempty"`
	Updated     time.Time `json:"updated"`
}

const (
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
)

type Payment struct {
	ID              string
	SessionID       string
	PaymentIntentID string
	RideID          string
	Amount          int64 // smallest currency unit
	Currency        string
	Status          string
	RefundID        string
	CreatedAt       time.Time
}

type Earning struct {
	ID        string
	DriverID  string
	RideID    string
	Amount    float64
	Currency  string
	Status    string // pending until paid out
	CreatedAt time.Time
}

// Notification event kinds pushed over the realtime channel.
const (
	EventRideRequest    = "ride-request"
	EventRideConfirmed  = "ride-confirmed"
	EventSearchUpdate   = "search-update"
	EventRideAccepted   = "ride-accepted"
	EventRideStarted    = "ride-started"
	EventRideCancelled  = "ride-cancelled"
	EventRideTerminated = "ride-terminated"
	EventRideFailed     = "ride-failed"
	EventRideCompleted  = "ride-completed"
)

// RideView is the outbound ride snapshot. Payment references and the
// stored OTP never leave the engine through this shape; transitions that
// hand an OTP to the rider attach it explicitly in the event payload.
type RideView struct {
	ID           string  `json:"id"`
	RiderID      string  `json:"rider_id"`
	DriverID     string  `json:"driver_id,omitempty"`
	Pickup       Coord   `json:"pickup"`
	Dropoff      Coord   `json:"dropoff"`
	VehicleType  string  `json:"vehicle_type"`
	DistanceKm   float64 `json:"distance_km"`
	Fare         int64   `json:"fare"`
	PaymentMode  string  `json:"payment_mode"`
	SentToRadius float64 `json:"sent_to_radius,omitempty"`
	Status       string  `json:"status"`
}

func (r *Ride) View() RideView {
	return RideView{
		ID:           r.ID,
		RiderID:      r.RiderID,
		DriverID:     r.DriverID,
		Pickup:       r.Pickup,
		Dropoff:      r.Dropoff,
		VehicleType:  r.VehicleType,
		DistanceKm:   r.DistanceKm,
		Fare:         r.Fare,
		PaymentMode:  r.PaymentMode,
		SentToRadius: r.SentToRadius,
		Status:       r.Status,
	}
}

func ValidVehicleType(v string) bool {
	return v == VehicleBike || v == VehicleCar
}

func TerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTerminated, StatusFailed:
		return true
	}
	return false
}
