package matcher

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeGeo returns a fixed driver set per radius tier.
type fakeGeo struct {
	byRadius map[float64][]models.Driver
}

func (f *fakeGeo) Nearby(lat, lon, radiusKm float64, vehicleType string) []models.Driver {
	return f.byRadius[radiusKm]
}

func TestFindEscalatingStopsAtFirstHit(t *testing.T) {
	g := &fakeGeo{byRadius: map[float64][]models.Driver{
		5: {{ID: "A"}},
		7: {{ID: "A"}, {ID: "B"}},
	}}
	s := &Service{Geo: g, RadiusTiers: []float64{5, 7}}
	drivers, radius, ok := s.FindEscalating(models.Coord{}, models.VehicleCar)
	if !ok {
		t.Fatal("expected a match")
	}
	if radius != 5 {
		t.Fatalf("expected first tier, got %f", radius)
	}
	if len(drivers) != 1 || drivers[0].ID != "A" {
		t.Fatalf("unexpected candidates: %+v", drivers)
	}
}

func TestFindEscalatingWidensWhenFirstTierEmpty(t *testing.T) {
	g := &fakeGeo{byRadius: map[float64][]models.Driver{
		7: {{ID: "B"}},
	}}
	s := &Service{Geo: g, RadiusTiers: []float64{5, 7}}
	drivers, radius, ok := s.FindEscalating(models.Coord{}, models.VehicleCar)
	if !ok || radius != 7 {
		t.Fatalf("expected match at widest tier, got ok=%v radius=%f", ok, radius)
	}
	if len(drivers) != 1 || drivers[0].ID != "B" {
		t.Fatalf("unexpected candidates: %+v", drivers)
	}
}

func TestFindEscalatingAllTiersEmpty(t *testing.T) {
	s := &Service{Geo: &fakeGeo{}, RadiusTiers: []float64{5, 7}}
	if _, _, ok := s.FindEscalating(models.Coord{}, models.VehicleCar); ok {
		t.Fatal("expected no match")
	}
}

func TestNextRadius(t *testing.T) {
	s := &Service{RadiusTiers: []float64{5, 7}}
	if r, ok := s.NextRadius(0); !ok || r != 5 {
		t.Fatalf("expected 5, got %f ok=%v", r, ok)
	}
	if r, ok := s.NextRadius(5); !ok || r != 7 {
		t.Fatalf("expected 7, got %f ok=%v", r, ok)
	}
	if _, ok := s.NextRadius(7); ok {
		t.Fatal("expected no tier past the widest")
	}
	if m := s.MaxRadius(); m != 7 {
		t.Fatalf("expected max 7, got %f", m)
	}
}
