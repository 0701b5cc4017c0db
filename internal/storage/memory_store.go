package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps under one mutex. It implements
// the same transition preconditions as the Postgres store so tests and
// local runs exercise identical semantics.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[string]models.Ride
	temps    map[string]models.TemporaryRide // keyed by payment session id
	payments map[string]models.Payment
	earnings map[string]models.Earning
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		temps:    make(map[string]models.TemporaryRide),
		payments: make(map[string]models.Payment),
		earnings: make(map[string]models.Earning),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) AcceptRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusProcessing || r.DriverID != "" {
		return nil, ErrConflict
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	r.OTP = otp
	r.UpdatedAt = time.Now()
	m.rides[rideID] = r
	return &r, nil
}

func (m *MemoryStore) StartRide(ctx context.Context, rideID, driverID string, otp, nextOTP int) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusAccepted || r.DriverID != driverID || r.OTP != otp {
		return nil, ErrConflict
	}
	r.Status = models.StatusStarted
	r.OTP = nextOTP
	r.UpdatedAt = time.Now()
	m.rides[rideID] = r
	return &r, nil
}

func (m *MemoryStore) CompleteRide(ctx context.Context, rideID, driverID string, otp int) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusStarted || r.DriverID != driverID || r.OTP != otp {
		return nil, ErrConflict
	}
	r.Status = models.StatusCompleted
	r.OTP = 0
	r.UpdatedAt = time.Now()
	m.rides[rideID] = r
	return &r, nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID, actorID, actorRole string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrConflict
	}
	switch actorRole {
	case models.CancelledByRider:
		if r.RiderID != actorID || (r.Status != models.StatusProcessing && r.Status != models.StatusAccepted) {
			return nil, ErrConflict
		}
	case models.CancelledByDriver:
		if r.DriverID != actorID || r.Status != models.StatusAccepted {
			return nil, ErrConflict
		}
	default:
		return nil, ErrConflict
	}
	r.Status = models.StatusCancelled
	r.CancelledBy = actorRole
	r.OTP = 0
	r.UpdatedAt = time.Now()
	m.rides[rideID] = r
	return &r, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.fromProcessing(rideID, models.StatusFailed)
}

func (m *MemoryStore) MarkTerminated(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.fromProcessing(rideID, models.StatusTerminated)
}

func (m *MemoryStore) fromProcessing(rideID, to string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusProcessing {
		return nil, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	m.rides[rideID] = r
	return &r, nil
}

func (m *MemoryStore) EscalateRadius(ctx context.Context, rideID string, from, to float64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusProcessing || r.SentToRadius != from {
		return nil, ErrConflict
	}
	r.SentToRadius = to
	r.UpdatedAt = time.Now()
	m.rides[rideID] = r
	return &r, nil
}

func (m *MemoryStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.StatusProcessing && !r.UpdatedAt.After(cutoff) {
			rc := r
			out = append(out, &rc)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveTemporaryRide(ctx context.Context, t *models.TemporaryRide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.temps[t.PaymentSessionID] = *t
	return nil
}

func (m *MemoryStore) TakeTemporaryRide(ctx context.Context, sessionID string) (*models.TemporaryRide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.temps[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.temps, sessionID)
	return &t, nil
}

func (m *MemoryStore) DeleteExpiredTemporaryRides(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, t := range m.temps {
		if t.CreatedAt.Before(before) {
			delete(m.temps, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SavePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) MarkPaymentRefunded(ctx context.Context, paymentID, refundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	p.Status = models.PaymentStatusRefunded
	p.RefundID = refundID
	m.payments[paymentID] = p
	return nil
}

func (m *MemoryStore) SaveEarning(ctx context.Context, e *models.Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.earnings[e.ID] = *e
	return nil
}
