package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Driver positions
// live in a single GEO key; vehicle type and online flag live in a
// per-driver metadata hash consulted after the radius query.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"vehicle_type": d.VehicleType,
		"online":       strconv.FormatBool(d.Online),
		"updated":      time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(lat, lon, radiusKm float64, vehicleType string) []models.Driver {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm * 1000,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, DistanceM: g.Dist}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d.VehicleType = m["vehicle_type"]
		d.Online = m["online"] == "true"
		if !d.Online {
			continue
		}
		if vehicleType != "" && d.VehicleType != vehicleType {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
