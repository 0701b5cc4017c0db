package matcher

import (
	"github.com/example/ride-dispatch/internal/models"
)

type Geo interface {
	Nearby(lat, lon, radiusKm float64, vehicleType string) []models.Driver
}

// Service finds candidate drivers for a pickup point. It deliberately
// does no ranking beyond ascending distance: the first driver to accept
// wins, so the candidate list is a fan-out set, not an assignment.
type Service struct {
	Geo         Geo
	RadiusTiers []float64 // ordered, km; e.g. [5, 7]
}

// Find returns drivers within radiusKm matching the vehicle type,
// ordered by ascending distance. An empty slice is not an error: callers
// treat emptiness as "escalate or fail".
func (s *Service) Find(pickup models.Coord, radiusKm float64, vehicleType string) []models.Driver {
	return s.Geo.Nearby(pickup.Lat, pickup.Lon, radiusKm, vehicleType)
}

// FindEscalating walks the configured radius tiers in order and returns
// the first non-empty candidate set along with the tier radius that
// produced it. ok is false when every tier came up empty.
func (s *Service) FindEscalating(pickup models.Coord, vehicleType string) (drivers []models.Driver, radiusKm float64, ok bool) {
	for _, r := range s.RadiusTiers {
		if ds := s.Find(pickup, r, vehicleType); len(ds) > 0 {
			return ds, r, true
		}
	}
	return nil, 0, false
}

// MaxRadius is the widest configured tier.
func (s *Service) MaxRadius() float64 {
	if len(s.RadiusTiers) == 0 {
		return 0
	}
	return s.RadiusTiers[len(s.RadiusTiers)-1]
}

// NextRadius returns the tier after the given one, or ok=false when the
// given tier already is (or exceeds) the widest.
func (s *Service) NextRadius(after float64) (float64, bool) {
	for _, r := range s.RadiusTiers {
		if r > after {
			return r, true
		}
	}
	return 0, false
}
