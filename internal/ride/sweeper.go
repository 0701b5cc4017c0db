package ride

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Sweeper periodically scans rides stuck in processing past the
// staleness threshold, widens their search radius one tier at a time,
// and terminates (with refund) rides that exhausted the widest tier.
//
// The sweep is idempotent per ride: escalation and termination both go
// through conditional updates, so overlapping ticks or a second service
// instance can never double-apply a transition.
type Sweeper struct {
	Coordinator *Coordinator
	Interval    time.Duration
	StaleAfter  time.Duration
	TempRideTTL time.Duration

	now func() time.Time
}

func NewSweeper(c *Coordinator, interval, staleAfter, tempRideTTL time.Duration) *Sweeper {
	return &Sweeper{
		Coordinator: c,
		Interval:    interval,
		StaleAfter:  staleAfter,
		TempRideTTL: tempRideTTL,
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce processes one batch of stale rides. Each ride is handled in
// isolation: a failure on one is logged and the batch continues.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	c := s.Coordinator
	cutoff := s.now().Add(-s.StaleAfter)
	stale, err := c.Store.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		c.Logger.Error("stale ride scan failed", "error", err)
		return
	}
	for _, r := range stale {
		s.sweepRide(ctx, r)
	}

	if s.TempRideTTL > 0 {
		if n, err := c.Store.DeleteExpiredTemporaryRides(ctx, s.now().Add(-s.TempRideTTL)); err != nil {
			c.Logger.Warn("temporary ride cleanup failed", "error", err)
		} else if n > 0 {
			c.Logger.Info("expired temporary rides removed", "count", n)
		}
	}
}

func (s *Sweeper) sweepRide(ctx context.Context, r *models.Ride) {
	c := s.Coordinator

	next, ok := c.Matcher.NextRadius(r.SentToRadius)
	if !ok {
		// Widest tier already searched: give up.
		terminated, err := c.Store.MarkTerminated(ctx, r.ID)
		if errors.Is(err, storage.ErrConflict) {
			return // another tick or a late accept got there first
		}
		if err != nil {
			c.Logger.Error("terminate failed", "ride", r.ID, "error", err)
			return
		}
		observability.SweepTerminations.Inc()
		c.RefundForRide(ctx, terminated)
		c.Notifier.Send(terminated.RiderID, models.EventRideTerminated, terminated.View())
		c.publish(models.EventRideTerminated, terminated.View())
		c.Logger.Info("ride terminated", "ride", r.ID, "radius_km", r.SentToRadius)
		return
	}

	// Re-dispatch at the wider tier. Candidates already notified at the
	// narrower radius get the request again; accepting twice is harmless
	// because accept is conditional.
	drivers := c.Matcher.Find(r.Pickup, next, r.VehicleType)
	escalated, err := c.Store.EscalateRadius(ctx, r.ID, r.SentToRadius, next)
	if errors.Is(err, storage.ErrConflict) {
		return // concurrent sweep already escalated
	}
	if err != nil {
		c.Logger.Error("radius escalation failed", "ride", r.ID, "error", err)
		return
	}
	view := escalated.View()
	c.Notifier.Send(escalated.RiderID, models.EventSearchUpdate, view)
	for _, d := range drivers {
		c.Notifier.Send(d.ID, models.EventRideRequest, view)
	}
	observability.SweepEscalations.Inc()
	c.publish(models.EventSearchUpdate, view)
	c.Logger.Info("ride search widened", "ride", r.ID, "radius_km", next, "candidates", len(drivers))
}
