package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the minimal geo-index interface required by the matcher and
// the location ingest path. Nearby returns drivers within radiusKm of
// the point, matching the vehicle type, ordered by ascending distance.
type Geo interface {
	Nearby(lat, lon, radiusKm float64, vehicleType string) []models.Driver
	Upsert(d models.Driver)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
}

// naive scan; in prod use the Redis GEO adapter
func (g *Index) Nearby(lat, lon, radiusKm float64, vehicleType string) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	maxM := radiusKm * 1000
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		if vehicleType != "" && d.VehicleType != vehicleType {
			continue
		}
		dist := Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if dist > maxM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// selection sort; candidate sets are small
	for i := 0; i < len(arr); i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		p.d.DistanceM = p.dist
		out = append(out, p.d)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// HaversineKm is Haversine in kilometers, used for fare distance.
func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
