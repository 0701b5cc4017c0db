package earnings

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/example/ride-dispatch/internal/models"
)

type Store interface {
	SaveEarning(ctx context.Context, e *models.Earning) error
}

// Ledger records the driver's cut of a completed ride. Payout timing
// and transfer mechanics live outside the dispatch engine.
type Ledger struct {
	Store    Store
	SharePct float64 // driver share of the fare, e.g. 90
	Currency string
}

func NewLedger(store Store, sharePct float64, currency string) *Ledger {
	return &Ledger{Store: store, SharePct: sharePct, Currency: currency}
}

// RecordEarning persists a pending earning for the ride's driver and
// returns the driver's share amount.
func (l *Ledger) RecordEarning(ctx context.Context, ride *models.Ride) (float64, error) {
	share := float64(ride.Fare) * l.SharePct / 100
	e := &models.Earning{
		ID:       newID(),
		DriverID: ride.DriverID,
		RideID:   ride.ID,
		Amount:   share,
		Currency: l.Currency,
		Status:   "pending",
	}
	if err := l.Store.SaveEarning(ctx, e); err != nil {
		return 0, err
	}
	return share, nil
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
