package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when a ride/temporary ride/payment does
	// not exist at all.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row:
	// the ride exists in a state that does not satisfy the transition's
	// precondition (already accepted, wrong OTP, terminal state, ...).
	// Callers surface this as a client error, not a retryable failure.
	ErrConflict = errors.New("ride state conflict")
)

// RideStore is the authoritative ride persistence layer. Every status
// mutation is an atomic update-if-status-matches operation; there is no
// read-then-write anywhere, so the store is safe to share across
// concurrent callers and service instances.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// AcceptRide: processing -> accepted, only if no driver is set yet.
	// Stores driverID and the fresh OTP. Exactly one concurrent caller
	// succeeds; the rest get ErrConflict.
	AcceptRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error)
	// StartRide: accepted -> started, only for the assigned driver with
	// the current OTP; rotates the OTP to nextOTP.
	StartRide(ctx context.Context, rideID, driverID string, otp, nextOTP int) (*models.Ride, error)
	// CompleteRide: started -> completed, only for the assigned driver
	// with the current OTP; zeroes the OTP.
	CompleteRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error)
	// CancelRide applies the cancel transition for the given actor:
	// riders may cancel processing or accepted rides they booked,
	// drivers only accepted rides assigned to them.
	CancelRide(ctx context.Context, rideID, actorID, actorRole string) (*models.Ride, error)
	// MarkFailed: processing -> failed (dispatch found no candidates).
	MarkFailed(ctx context.Context, rideID string) (*models.Ride, error)
	// MarkTerminated: processing -> terminated (sweep gave up).
	MarkTerminated(ctx context.Context, rideID string) (*models.Ride, error)
	// EscalateRadius bumps sent_to_radius from exactly `from` to `to`
	// while the ride is still processing. The from-check makes two
	// overlapping sweep ticks escalate at most once.
	EscalateRadius(ctx context.Context, rideID string, from, to float64) (*models.Ride, error)
	// ListStaleProcessing returns processing rides not updated since
	// the cutoff, oldest first.
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.Ride, error)

	SaveTemporaryRide(ctx context.Context, t *models.TemporaryRide) error
	// TakeTemporaryRide fetches and deletes the provisional booking for
	// a payment session, so a replayed webhook converts it only once.
	TakeTemporaryRide(ctx context.Context, sessionID string) (*models.TemporaryRide, error)
	DeleteExpiredTemporaryRides(ctx context.Context, before time.Time) (int, error)

	SavePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	MarkPaymentRefunded(ctx context.Context, paymentID, refundID string) error

	SaveEarning(ctx context.Context, e *models.Earning) error
}
