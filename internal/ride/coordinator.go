package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Client errors. Handlers map these to 4xx responses; anything else is
// an internal failure.
var (
	ErrInvalidCoordinates = errors.New("pickup and dropoff coordinates are required")
	ErrInvalidVehicleType = errors.New("vehicle type must be bike or car")
	ErrInvalidPaymentMode = errors.New("payment mode must be cash or online")
	ErrNoDriversAvailable = errors.New("sorry, currently no driver is available in your area")
	ErrRideConflict       = errors.New("ride has been already accepted or not found")
	ErrInvalidOTP         = errors.New("invalid otp or ride not in the right state")
	ErrCannotCancel       = errors.New("ride can't be cancelled")
	ErrUnknownSession     = errors.New("unknown payment session")
	ErrPaymentsDisabled   = errors.New("online payments are not configured")
)

// PaymentGateway is the external payment collaborator boundary.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, bookingRef string, amount int64, purpose string) (sessionID, checkoutURL string, err error)
	Refund(ctx context.Context, paymentIntentID string) (refundID string, err error)
}

// PaymentRecord is the completed-payment callback payload, keyed by the
// checkout session that produced it.
type PaymentRecord struct {
	SessionID       string
	PaymentIntentID string
	Amount          int64
	Currency        string
}

type EarningLedger interface {
	RecordEarning(ctx context.Context, ride *models.Ride) (float64, error)
}

// Invoicer and Messenger are fire-and-forget collaborators invoked on
// ride confirmation. Their failures are logged and swallowed.
type Invoicer interface {
	GenerateInvoice(ctx context.Context, ride models.RideView, payment *models.Payment) error
}

type Messenger interface {
	SendBookingConfirmation(ctx context.Context, riderID string, ride models.RideView) error
}

type EventPublisher interface {
	PublishRideEvent(kind string, ride models.RideView) error
}

// Coordinator orchestrates ride creation, driver matching, notification
// fan-out and acceptance. All status transitions go through the store's
// conditional updates; the coordinator itself holds no locks.
type Coordinator struct {
	Store     storage.RideStore
	Matcher   *matcher.Service
	Notifier  dispatch.Notifier
	Payments  PaymentGateway
	Ledger    EarningLedger
	Invoicer  Invoicer       // optional
	Messenger Messenger      // optional
	Events    EventPublisher // optional
	Logger    *slog.Logger

	FareBase   float64
	FarePerKm  float64
	TaxPercent float64
}

// InitiateResult is what the rider gets back from a booking request.
// Cash rides are dispatched immediately; online rides hand back a
// checkout URL and wait for the payment webhook.
type InitiateResult struct {
	Ride        *models.RideView `json:"ride,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	CheckoutURL string           `json:"checkout_url,omitempty"`
	DistanceKm  float64          `json:"distance_km"`
	Fare        int64            `json:"fare"`
	TotalCharge int64            `json:"total_charge"`
}

// InitiateRide validates the request, pre-checks driver availability
// across every radius tier before money changes hands, and either
// dispatches (cash) or opens a checkout session (online).
func (c *Coordinator) InitiateRide(ctx context.Context, riderID string, pickup, dropoff models.Coord, vehicleType, paymentMode string) (*InitiateResult, error) {
	if !validCoord(pickup) || !validCoord(dropoff) {
		return nil, ErrInvalidCoordinates
	}
	if !models.ValidVehicleType(vehicleType) {
		return nil, ErrInvalidVehicleType
	}
	if paymentMode != models.PaymentModeCash && paymentMode != models.PaymentModeOnline {
		return nil, ErrInvalidPaymentMode
	}

	// Fail fast before checkout: a ride nobody can serve must not be paid for.
	if _, _, ok := c.Matcher.FindEscalating(pickup, vehicleType); !ok {
		return nil, ErrNoDriversAvailable
	}

	distanceKm := geo.HaversineKm(pickup, dropoff)
	fare := c.Fare(distanceKm)
	total := c.TotalCharge(fare)
	observability.RidesInitiated.Inc()

	if paymentMode == models.PaymentModeCash {
		r := &models.Ride{
			ID:           newID(),
			RiderID:      riderID,
			Pickup:       pickup,
			Dropoff:      dropoff,
			VehicleType:  vehicleType,
			DistanceKm:   distanceKm,
			Fare:         fare,
			PaymentMode:  models.PaymentModeCash,
			SentToRadius: c.Matcher.RadiusTiers[0],
			Status:       models.StatusProcessing,
		}
		if err := c.Store.CreateRide(ctx, r); err != nil {
			return nil, fmt.Errorf("create ride: %w", err)
		}
		r, err := c.dispatchRide(ctx, r)
		if err != nil {
			return nil, err
		}
		v := r.View()
		return &InitiateResult{Ride: &v, DistanceKm: distanceKm, Fare: fare, TotalCharge: total}, nil
	}

	if c.Payments == nil {
		return nil, ErrPaymentsDisabled
	}
	bookingRef := newID()
	sessionID, checkoutURL, err := c.Payments.CreateCheckoutSession(ctx, bookingRef, total, "book-ride")
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	tmp := &models.TemporaryRide{
		ID:               bookingRef,
		RiderID:          riderID,
		Pickup:           pickup,
		Dropoff:          dropoff,
		VehicleType:      vehicleType,
		DistanceKm:       distanceKm,
		Fare:             fare,
		PaymentSessionID: sessionID,
	}
	if err := c.Store.SaveTemporaryRide(ctx, tmp); err != nil {
		return nil, fmt.Errorf("save temporary ride: %w", err)
	}
	return &InitiateResult{SessionID: sessionID, CheckoutURL: checkoutURL, DistanceKm: distanceKm, Fare: fare, TotalCharge: total}, nil
}

// ConfirmAndDispatch converts the provisional booking behind a paid
// checkout session into a real ride and fans it out to drivers. Invoked
// by the payment collaborator's success callback; a replayed callback
// finds no temporary ride and returns ErrUnknownSession.
func (c *Coordinator) ConfirmAndDispatch(ctx context.Context, rec PaymentRecord) (*models.Ride, error) {
	tmp, err := c.Store.TakeTemporaryRide(ctx, rec.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, fmt.Errorf("take temporary ride: %w", err)
	}

	pay := &models.Payment{
		ID:              newID(),
		SessionID:       rec.SessionID,
		PaymentIntentID: rec.PaymentIntentID,
		RideID:          tmp.ID,
		Amount:          rec.Amount,
		Currency:        rec.Currency,
		Status:          models.PaymentStatusPaid,
	}
	if err := c.Store.SavePayment(ctx, pay); err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}

	r := &models.Ride{
		ID:           tmp.ID,
		RiderID:      tmp.RiderID,
		Pickup:       tmp.Pickup,
		Dropoff:      tmp.Dropoff,
		VehicleType:  tmp.VehicleType,
		DistanceKm:   tmp.DistanceKm,
		Fare:         tmp.Fare,
		PaymentMode:  models.PaymentModeOnline,
		SentToRadius: c.Matcher.RadiusTiers[0],
		Status:       models.StatusProcessing,
		PaymentID:    pay.ID,
	}
	if err := c.Store.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}

	c.Notifier.Send(r.RiderID, models.EventRideConfirmed, r.View())
	if c.Invoicer != nil {
		if err := c.Invoicer.GenerateInvoice(ctx, r.View(), pay); err != nil {
			c.Logger.Warn("invoice generation failed", "ride", r.ID, "error", err)
		}
	}
	if c.Messenger != nil {
		if err := c.Messenger.SendBookingConfirmation(ctx, r.RiderID, r.View()); err != nil {
			c.Logger.Warn("booking confirmation failed", "ride", r.ID, "error", err)
		}
	}

	return c.dispatchRide(ctx, r)
}

// dispatchRide searches the radius tiers and fans the ride out to every
// candidate driver. When every tier is empty the ride fails immediately
// and any payment is refunded; nothing is left for the sweeper.
func (c *Coordinator) dispatchRide(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	drivers, radius, ok := c.Matcher.FindEscalating(r.Pickup, r.VehicleType)
	if !ok {
		failed, err := c.Store.MarkFailed(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("mark ride failed: %w", err)
		}
		observability.RidesFailed.Inc()
		c.RefundForRide(ctx, failed)
		c.Notifier.Send(failed.RiderID, models.EventRideFailed, failed.View())
		c.publish(models.EventRideFailed, failed.View())
		return failed, nil
	}

	if radius != r.SentToRadius {
		updated, err := c.Store.EscalateRadius(ctx, r.ID, r.SentToRadius, radius)
		if err == nil {
			r = updated
		} else if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("record searched radius: %w", err)
		}
	}

	view := r.View()
	for _, d := range drivers {
		c.Notifier.Send(d.ID, models.EventRideRequest, view)
	}
	observability.RidesDispatched.Inc()
	observability.DispatchFanout.Observe(float64(len(drivers)))
	c.publish(models.EventRideRequest, view)
	return r, nil
}

// AcceptRide applies the accept transition for a driver. Exactly one of
// any number of concurrent callers wins; the rest get ErrRideConflict.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, int, error) {
	otp := newOTP()
	r, err := c.Store.AcceptRide(ctx, rideID, driverID, otp)
	if errors.Is(err, storage.ErrConflict) {
		observability.AcceptConflicts.Inc()
		return nil, 0, ErrRideConflict
	}
	if err != nil {
		return nil, 0, fmt.Errorf("accept ride: %w", err)
	}
	c.Notifier.Send(r.RiderID, models.EventRideAccepted, map[string]any{"ride": r.View(), "otp": otp})
	c.publish(models.EventRideAccepted, r.View())
	return r, otp, nil
}

// StartRide applies the start transition: only the assigned driver with
// the current OTP may start, and the OTP rotates so the start code can
// not be replayed at completion.
func (c *Coordinator) StartRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error) {
	next := newOTP()
	r, err := c.Store.StartRide(ctx, rideID, driverID, otp, next)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrInvalidOTP
	}
	if err != nil {
		return nil, fmt.Errorf("start ride: %w", err)
	}
	c.Notifier.Send(r.RiderID, models.EventRideStarted, map[string]any{"ride": r.View(), "otp": next})
	c.publish(models.EventRideStarted, r.View())
	return r, nil
}

// CompleteRide applies the complete transition and records the driver's
// earning. The earning call is best-effort: the ride is completed even
// if the ledger write fails.
func (c *Coordinator) CompleteRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error) {
	r, err := c.Store.CompleteRide(ctx, rideID, driverID, otp)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrInvalidOTP
	}
	if err != nil {
		return nil, fmt.Errorf("complete ride: %w", err)
	}
	if c.Ledger != nil {
		if _, err := c.Ledger.RecordEarning(ctx, r); err != nil {
			c.Logger.Warn("earning record failed", "ride", r.ID, "driver", driverID, "error", err)
		}
	}
	c.Notifier.Send(r.RiderID, models.EventRideCompleted, r.View())
	c.publish(models.EventRideCompleted, r.View())
	return r, nil
}

// CancelRide applies the cancel transition for the acting party,
// refunds any captured payment, and notifies the counterparty only when
// a driver had already been assigned.
func (c *Coordinator) CancelRide(ctx context.Context, rideID, actorID, actorRole string) (*models.Ride, error) {
	r, err := c.Store.CancelRide(ctx, rideID, actorID, actorRole)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrCannotCancel
	}
	if err != nil {
		return nil, fmt.Errorf("cancel ride: %w", err)
	}
	c.RefundForRide(ctx, r)
	if r.DriverID != "" {
		counterparty := r.DriverID
		if actorRole == models.CancelledByDriver {
			counterparty = r.RiderID
		}
		c.Notifier.Send(counterparty, models.EventRideCancelled, r.View())
	}
	c.publish(models.EventRideCancelled, r.View())
	return r, nil
}

// RefundForRide issues a refund for the ride's payment, if it has one
// that is not already refunded. Errors are logged and swallowed: the
// ride's own transition must not depend on the refund call.
func (c *Coordinator) RefundForRide(ctx context.Context, r *models.Ride) {
	if r.PaymentID == "" {
		return
	}
	// a paid ride can outlive the gateway configuration across restarts
	if c.Payments == nil {
		c.Logger.Warn("refund skipped, no payment gateway configured", "ride", r.ID, "payment", r.PaymentID)
		return
	}
	pay, err := c.Store.GetPayment(ctx, r.PaymentID)
	if err != nil {
		c.Logger.Warn("refund lookup failed", "ride", r.ID, "payment", r.PaymentID, "error", err)
		return
	}
	if pay.Status == models.PaymentStatusRefunded {
		return
	}
	refundID, err := c.Payments.Refund(ctx, pay.PaymentIntentID)
	if err != nil {
		c.Logger.Warn("refund failed", "ride", r.ID, "payment", pay.ID, "error", err)
		return
	}
	observability.RefundsIssued.Inc()
	if err := c.Store.MarkPaymentRefunded(ctx, pay.ID, refundID); err != nil {
		c.Logger.Warn("refund bookkeeping failed", "ride", r.ID, "payment", pay.ID, "error", err)
	}
}

func (c *Coordinator) Fare(distanceKm float64) int64 {
	return int64(math.Ceil(c.FareBase + distanceKm*c.FarePerKm))
}

// TotalCharge is the fare plus tax, rounded up to a whole unit.
func (c *Coordinator) TotalCharge(fare int64) int64 {
	return int64(math.Ceil(float64(fare) * (1 + c.TaxPercent/100)))
}

func (c *Coordinator) publish(kind string, view models.RideView) {
	if c.Events == nil {
		return
	}
	if err := c.Events.PublishRideEvent(kind, view); err != nil {
		c.Logger.Warn("ride event publish failed", "ride", view.ID, "event", kind, "error", err)
	}
}

// validCoord rejects out-of-range points and treats (0,0) as unset:
// the zero value of a decoded pair is indistinguishable from an
// omitted coordinate.
func validCoord(c models.Coord) bool {
	if c.Lat == 0 && c.Lon == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

// newOTP returns a uniformly random 4-digit code. Collisions with the
// previous code are not checked; the code is only scoped to one ride.
func newOTP() int {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return 1000
	}
	return int(n.Int64()) + 1000
}
