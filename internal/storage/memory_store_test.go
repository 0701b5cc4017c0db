package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func newProcessingRide(id string) *models.Ride {
	return &models.Ride{
		ID:           id,
		RiderID:      "rider-1",
		Pickup:       models.Coord{Lat: 30.7, Lon: 76.7},
		Dropoff:      models.Coord{Lat: 30.71, Lon: 76.71},
		VehicleType:  models.VehicleCar,
		DistanceKm:   3.2,
		Fare:         52,
		PaymentMode:  models.PaymentModeCash,
		SentToRadius: 5,
		Status:       models.StatusProcessing,
	}
}

func TestAcceptRideExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateRide(ctx, newProcessingRide("r1")); err != nil {
		t.Fatal(err)
	}

	const drivers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "driver-" + string(rune('a'+n))
			if _, err := m.AcceptRide(ctx, "r1", id, 1234); err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning driver, got %d", len(winners))
	}
	r, err := m.GetRide(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.DriverID != winners[0] || r.Status != models.StatusAccepted || r.OTP != 1234 {
		t.Fatalf("unexpected ride after accept: %+v", r)
	}
}

func TestAcceptRejectsNonProcessing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	r := newProcessingRide("r1")
	r.Status = models.StatusCancelled
	_ = m.CreateRide(ctx, r)
	if _, err := m.AcceptRide(ctx, "r1", "d1", 1111); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestStartRequiresDriverAndOTP(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newProcessingRide("r1"))
	if _, err := m.AcceptRide(ctx, "r1", "d1", 1111); err != nil {
		t.Fatal(err)
	}

	if _, err := m.StartRide(ctx, "r1", "d2", 1111, 2222); !errors.Is(err, ErrConflict) {
		t.Fatalf("wrong driver should conflict, got %v", err)
	}
	if _, err := m.StartRide(ctx, "r1", "d1", 9999, 2222); !errors.Is(err, ErrConflict) {
		t.Fatalf("wrong otp should conflict, got %v", err)
	}
	r, err := m.StartRide(ctx, "r1", "d1", 1111, 2222)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusStarted || r.OTP != 2222 {
		t.Fatalf("expected started with rotated otp, got %+v", r)
	}

	// the pre-rotation otp no longer works
	if _, err := m.CompleteRide(ctx, "r1", "d1", 1111); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale otp should conflict, got %v", err)
	}
	done, err := m.CompleteRide(ctx, "r1", "d1", 2222)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.StatusCompleted || done.OTP != 0 {
		t.Fatalf("expected completed with cleared otp, got %+v", done)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newProcessingRide("r1"))
	if _, err := m.MarkFailed(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.AcceptRide(ctx, "r1", "d1", 1111); !errors.Is(err, ErrConflict) {
		t.Fatalf("accept after failure should conflict, got %v", err)
	}
	if _, err := m.MarkTerminated(ctx, "r1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("terminate after failure should conflict, got %v", err)
	}
	if _, err := m.CancelRide(ctx, "r1", "rider-1", models.CancelledByRider); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel after failure should conflict, got %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newProcessingRide("r1"))

	// rider can cancel while processing
	r, err := m.CancelRide(ctx, "r1", "rider-1", models.CancelledByRider)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusCancelled || r.CancelledBy != models.CancelledByRider {
		t.Fatalf("unexpected cancel result: %+v", r)
	}

	// driver can only cancel an accepted ride they hold
	_ = m.CreateRide(ctx, newProcessingRide("r2"))
	if _, err := m.CancelRide(ctx, "r2", "d1", models.CancelledByDriver); !errors.Is(err, ErrConflict) {
		t.Fatalf("driver cancel before accept should conflict, got %v", err)
	}
	if _, err := m.AcceptRide(ctx, "r2", "d1", 1111); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CancelRide(ctx, "r2", "d2", models.CancelledByDriver); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel by a different driver should conflict, got %v", err)
	}
	if _, err := m.CancelRide(ctx, "r2", "d1", models.CancelledByDriver); err != nil {
		t.Fatal(err)
	}

	// rider cannot cancel once started
	_ = m.CreateRide(ctx, newProcessingRide("r3"))
	_, _ = m.AcceptRide(ctx, "r3", "d1", 1111)
	if _, err := m.StartRide(ctx, "r3", "d1", 1111, 2222); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CancelRide(ctx, "r3", "rider-1", models.CancelledByRider); !errors.Is(err, ErrConflict) {
		t.Fatalf("rider cancel after start should conflict, got %v", err)
	}
}

func TestEscalateRadiusConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newProcessingRide("r1"))

	r, err := m.EscalateRadius(ctx, "r1", 5, 7)
	if err != nil {
		t.Fatal(err)
	}
	if r.SentToRadius != 7 {
		t.Fatalf("expected radius 7, got %f", r.SentToRadius)
	}
	// a second sweep holding the stale radius loses
	if _, err := m.EscalateRadius(ctx, "r1", 5, 7); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale escalation should conflict, got %v", err)
	}
}

func TestListStaleProcessing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	old := newProcessingRide("old")
	old.CreatedAt = time.Now().Add(-5 * time.Minute)
	old.UpdatedAt = old.CreatedAt
	_ = m.CreateRide(ctx, old)

	fresh := newProcessingRide("fresh")
	_ = m.CreateRide(ctx, fresh)

	accepted := newProcessingRide("accepted")
	accepted.CreatedAt = old.CreatedAt
	accepted.UpdatedAt = old.CreatedAt
	_ = m.CreateRide(ctx, accepted)
	_, _ = m.AcceptRide(ctx, "accepted", "d1", 1111)

	stale, err := m.ListStaleProcessing(ctx, time.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("expected only the old processing ride, got %+v", stale)
	}
}

func TestTakeTemporaryRide(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.SaveTemporaryRide(ctx, &models.TemporaryRide{ID: "t1", RiderID: "rider-1", PaymentSessionID: "cs_1", Fare: 52})

	got, err := m.TakeTemporaryRide(ctx, "cs_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "t1" {
		t.Fatalf("unexpected temporary ride: %+v", got)
	}
	// take is destructive; a webhook replay finds nothing
	if _, err := m.TakeTemporaryRide(ctx, "cs_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestDeleteExpiredTemporaryRides(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.SaveTemporaryRide(ctx, &models.TemporaryRide{ID: "t1", PaymentSessionID: "cs_1", CreatedAt: time.Now().Add(-25 * time.Hour)})
	_ = m.SaveTemporaryRide(ctx, &models.TemporaryRide{ID: "t2", PaymentSessionID: "cs_2"})

	n, err := m.DeleteExpiredTemporaryRides(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if _, err := m.TakeTemporaryRide(ctx, "cs_2"); err != nil {
		t.Fatalf("fresh temporary ride should survive, got %v", err)
	}
}

func TestMarkPaymentRefunded(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.SavePayment(ctx, &models.Payment{ID: "p1", SessionID: "cs_1", Amount: 6136, Currency: "inr", Status: models.PaymentStatusPaid})

	if err := m.MarkPaymentRefunded(ctx, "p1", "re_1"); err != nil {
		t.Fatal(err)
	}
	p, err := m.GetPayment(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PaymentStatusRefunded || p.RefundID != "re_1" {
		t.Fatalf("unexpected payment after refund: %+v", p)
	}
	if err := m.MarkPaymentRefunded(ctx, "missing", "re_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
