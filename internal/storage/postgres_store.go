package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides in Postgres. Every transition is a
// single UPDATE whose WHERE clause carries the full precondition, so
// the row's status acts as the compare-and-swap guard across instances.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideCols = `id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	vehicle_type, distance_km, fare, payment_mode, sent_to_radius, otp, status,
	cancelled_by, payment_id, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideCols+`)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULLIF($15,''),NULLIF($16,''),$17,$18)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.VehicleType, r.DistanceKm, r.Fare, r.PaymentMode, r.SentToRadius, r.OTP, r.Status,
		r.CancelledBy, r.PaymentID, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) AcceptRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET driver_id=$1, status=$2, otp=$3, updated_at=now()
		WHERE id=$4 AND status=$5 AND driver_id IS NULL
		RETURNING `+rideCols,
		driverID, models.StatusAccepted, otp, rideID, models.StatusProcessing)
	return scanConditional(row)
}

func (p *PostgresStore) StartRide(ctx context.Context, rideID, driverID string, otp, nextOTP int) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1, otp=$2, updated_at=now()
		WHERE id=$3 AND status=$4 AND driver_id=$5 AND otp=$6
		RETURNING `+rideCols,
		models.StatusStarted, nextOTP, rideID, models.StatusAccepted, driverID, otp)
	return scanConditional(row)
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1, otp=0, updated_at=now()
		WHERE id=$2 AND status=$3 AND driver_id=$4 AND otp=$5
		RETURNING `+rideCols,
		models.StatusCompleted, rideID, models.StatusStarted, driverID, otp)
	return scanConditional(row)
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID, actorID, actorRole string) (*models.Ride, error) {
	var row *sql.Row
	switch actorRole {
	case models.CancelledByRider:
		row = p.db.QueryRowContext(ctx, `UPDATE rides
			SET status=$1, cancelled_by=$2, otp=0, updated_at=now()
			WHERE id=$3 AND rider_id=$4 AND status IN ($5,$6)
			RETURNING `+rideCols,
			models.StatusCancelled, actorRole, rideID, actorID,
			models.StatusProcessing, models.StatusAccepted)
	case models.CancelledByDriver:
		row = p.db.QueryRowContext(ctx, `UPDATE rides
			SET status=$1, cancelled_by=$2, otp=0, updated_at=now()
			WHERE id=$3 AND driver_id=$4 AND status=$5
			RETURNING `+rideCols,
			models.StatusCancelled, actorRole, rideID, actorID, models.StatusAccepted)
	default:
		return nil, ErrConflict
	}
	return scanConditional(row)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, rideID string) (*models.Ride, error) {
	return p.fromProcessing(ctx, rideID, models.StatusFailed)
}

func (p *PostgresStore) MarkTerminated(ctx context.Context, rideID string) (*models.Ride, error) {
	return p.fromProcessing(ctx, rideID, models.StatusTerminated)
}

func (p *PostgresStore) fromProcessing(ctx context.Context, rideID, to string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1, updated_at=now()
		WHERE id=$2 AND status=$3
		RETURNING `+rideCols,
		to, rideID, models.StatusProcessing)
	return scanConditional(row)
}

func (p *PostgresStore) EscalateRadius(ctx context.Context, rideID string, from, to float64) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET sent_to_radius=$1, updated_at=now()
		WHERE id=$2 AND status=$3 AND sent_to_radius=$4
		RETURNING `+rideCols,
		to, rideID, models.StatusProcessing, from)
	return scanConditional(row)
}

func (p *PostgresStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideCols+` FROM rides
		WHERE status=$1 AND updated_at<=$2 ORDER BY updated_at ASC`,
		models.StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveTemporaryRide(ctx context.Context, t *models.TemporaryRide) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO temporary_rides(
		id, rider_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		vehicle_type, distance_km, fare, payment_session_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.RiderID, t.Pickup.Lat, t.Pickup.Lon, t.Dropoff.Lat, t.Dropoff.Lon,
		t.VehicleType, t.DistanceKm, t.Fare, t.PaymentSessionID, t.CreatedAt)
	return err
}

func (p *PostgresStore) TakeTemporaryRide(ctx context.Context, sessionID string) (*models.TemporaryRide, error) {
	row := p.db.QueryRowContext(ctx, `DELETE FROM temporary_rides
		WHERE payment_session_id=$1
		RETURNING id, rider_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_type, distance_km, fare, payment_session_id, created_at`,
		sessionID)
	var t models.TemporaryRide
	err := row.Scan(&t.ID, &t.RiderID, &t.Pickup.Lat, &t.Pickup.Lon, &t.Dropoff.Lat, &t.Dropoff.Lon,
		&t.VehicleType, &t.DistanceKm, &t.Fare, &t.PaymentSessionID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) DeleteExpiredTemporaryRides(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM temporary_rides WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) SavePayment(ctx context.Context, pay *models.Payment) error {
	if pay.CreatedAt.IsZero() {
		pay.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments(
		id, session_id, payment_intent_id, ride_id, amount, currency, status, refund_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9)`,
		pay.ID, pay.SessionID, pay.PaymentIntentID, pay.RideID, pay.Amount, pay.Currency,
		pay.Status, pay.RefundID, pay.CreatedAt)
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, session_id, payment_intent_id, ride_id,
		amount, currency, status, COALESCE(refund_id,''), created_at
		FROM payments WHERE id=$1`, id)
	var pay models.Payment
	err := row.Scan(&pay.ID, &pay.SessionID, &pay.PaymentIntentID, &pay.RideID,
		&pay.Amount, &pay.Currency, &pay.Status, &pay.RefundID, &pay.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pay, nil
}

func (p *PostgresStore) MarkPaymentRefunded(ctx context.Context, paymentID, refundID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status=$1, refund_id=$2
		WHERE id=$3`, models.PaymentStatusRefunded, refundID, paymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SaveEarning(ctx context.Context, e *models.Earning) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO earnings(
		id, driver_id, ride_id, amount, currency, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.DriverID, e.RideID, e.Amount, e.Currency, e.Status, e.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, cancelledBy, paymentID sql.NullString
	err := row.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.VehicleType, &r.DistanceKm, &r.Fare,
		&r.PaymentMode, &r.SentToRadius, &r.OTP, &r.Status,
		&cancelledBy, &paymentID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelledBy = cancelledBy.String
	r.PaymentID = paymentID.String
	return &r, nil
}

// scanConditional treats "no row updated" as a precondition failure.
func scanConditional(row *sql.Row) (*models.Ride, error) {
	r, err := scanRide(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	return r, err
}
