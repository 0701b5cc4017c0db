package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *geo.Index) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := geo.NewIndex()
	wsreg := dispatch.NewWSRegistry(logger)
	coord := &ride.Coordinator{
		Store:      storage.NewMemoryStore(),
		Matcher:    &matcher.Service{Geo: g, RadiusTiers: []float64{5, 7}},
		Notifier:   wsreg,
		Logger:     logger,
		FareBase:   20,
		FarePerKm:  10,
		TaxPercent: 18,
	}
	return NewServer(logger, g, coord, wsreg, nil, nil), g
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInitiateRideRejectsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv, "/api/v1/rides", map[string]any{"pickup": []float64{76.7, 30.7}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing rider_id should 400, got %d", rec.Code)
	}

	rec = postJSON(t, srv, "/api/v1/rides", map[string]any{
		"rider_id": "rider-1",
		"pickup":   []float64{76.7},
		"dropoff":  []float64{76.76, 30.7},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed pickup should 400, got %d", rec.Code)
	}
}

func TestInitiateRideNoDrivers(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postJSON(t, srv, "/api/v1/rides", map[string]any{
		"rider_id":     "rider-1",
		"pickup":       []float64{76.687173, 30.706533},
		"dropoff":      []float64{76.7688704, 30.7068928},
		"vehicle_type": "car",
		"payment_mode": "cash",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with empty geo index, got %d: %s", rec.Code, rec.Body)
	}
}

func TestCashRideLifecycleOverHTTP(t *testing.T) {
	srv, g := newTestServer(t)
	g.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 30.706533, Lon: 76.687173}, VehicleType: models.VehicleCar, Online: true})

	rec := postJSON(t, srv, "/api/v1/rides", map[string]any{
		"rider_id":     "rider-1",
		"pickup":       []float64{76.687173, 30.706533},
		"dropoff":      []float64{76.7688704, 30.7068928},
		"vehicle_type": "car",
		"payment_mode": "cash",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate failed: %d %s", rec.Code, rec.Body)
	}
	var res struct {
		Ride struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"ride"`
		Fare int64 `json:"fare"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Ride.Status != models.StatusProcessing || res.Fare <= 0 {
		t.Fatalf("unexpected initiate response: %s", rec.Body)
	}

	rec = postJSON(t, srv, "/api/v1/rides/"+res.Ride.ID+"/accept", map[string]any{"driver_id": "d1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept failed: %d %s", rec.Code, rec.Body)
	}
	var accepted struct {
		OTP int `json:"otp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.OTP < 1000 || accepted.OTP > 9999 {
		t.Fatalf("expected 4-digit otp, got %d", accepted.OTP)
	}

	// a second driver is told the ride is gone
	rec = postJSON(t, srv, "/api/v1/rides/"+res.Ride.ID+"/accept", map[string]any{"driver_id": "d2"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("late accept should 400, got %d", rec.Code)
	}

	rec = postJSON(t, srv, "/api/v1/rides/"+res.Ride.ID+"/start", map[string]any{"driver_id": "d1", "otp": accepted.OTP})
	if rec.Code != http.StatusOK {
		t.Fatalf("start failed: %d %s", rec.Code, rec.Body)
	}

	// the start response does not leak the rotated completion code
	rec = postJSON(t, srv, "/api/v1/rides/"+res.Ride.ID+"/complete", map[string]any{"driver_id": "d1", "otp": accepted.OTP})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("stale otp complete should 400, got %d", rec.Code)
	}
}

func TestCancelRideOverHTTP(t *testing.T) {
	srv, g := newTestServer(t)
	g.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 30.706533, Lon: 76.687173}, VehicleType: models.VehicleCar, Online: true})

	rec := postJSON(t, srv, "/api/v1/rides", map[string]any{
		"rider_id":     "rider-1",
		"pickup":       []float64{76.687173, 30.706533},
		"dropoff":      []float64{76.7688704, 30.7068928},
		"vehicle_type": "car",
		"payment_mode": "cash",
	})
	var res struct {
		Ride struct {
			ID string `json:"id"`
		} `json:"ride"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}

	rec = postJSON(t, srv, "/api/v1/rides/"+res.Ride.ID+"/cancel", map[string]any{"actor_id": "rider-1", "role": "rider"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", rec.Code, rec.Body)
	}
	rec = postJSON(t, srv, "/api/v1/rides/"+res.Ride.ID+"/cancel", map[string]any{"actor_id": "rider-1", "role": "rider"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("double cancel should 400, got %d", rec.Code)
	}
}

func TestDriverLocationUpdatesIndex(t *testing.T) {
	srv, g := newTestServer(t)
	rec := postJSON(t, srv, "/internal/driver/locations", map[string]any{
		"id":           "d9",
		"loc":          map[string]float64{"lat": 30.7, "lon": 76.7},
		"vehicle_type": "bike",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}
	got := g.Nearby(30.7, 76.7, 1, models.VehicleBike)
	if len(got) != 1 || got[0].ID != "d9" || !got[0].Online {
		t.Fatalf("expected driver indexed online, got %+v", got)
	}
}

func TestStripeWebhookDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postJSON(t, srv, "/stripe/webhook", map[string]any{"type": "checkout.session.completed"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with payments disabled, got %d", rec.Code)
	}
}

func dialWS(t *testing.T, baseURL, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial through router failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, reg *dispatch.WSRegistry, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !reg.Connected(id) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never registered", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// the upgrade goes through the full middleware chain, so the wrapped
// response writer must still support hijacking
func TestWebsocketConnectThroughRouter(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client := dialWS(t, ts.URL, "rider-1")
	waitConnected(t, srv.WSReg, "rider-1")

	srv.WSReg.Send("rider-1", models.EventRideConfirmed, map[string]any{"id": "r1"})
	client.SetReadDeadline(time.Now().Add(time.Second))
	var ev dispatch.Event
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Kind != models.EventRideConfirmed {
		t.Fatalf("unexpected event kind %q", ev.Kind)
	}
}

func TestWebsocketReconnectSurvivesStaleClose(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	first := dialWS(t, ts.URL, "rider-1")
	waitConnected(t, srv.WSReg, "rider-1")
	second := dialWS(t, ts.URL, "rider-1")

	// the registry closes the superseded connection; observing that
	// close also proves the second session is registered
	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected first connection closed on reconnect")
	}
	first.Close()
	time.Sleep(100 * time.Millisecond) // let the stale reader goroutine finish

	if !srv.WSReg.Connected("rider-1") {
		t.Fatal("stale disconnect removed the fresh session")
	}
	srv.WSReg.Send("rider-1", models.EventSearchUpdate, map[string]any{"id": "r1"})
	second.SetReadDeadline(time.Now().Add(time.Second))
	var ev dispatch.Event
	if err := second.ReadJSON(&ev); err != nil {
		t.Fatalf("fresh connection should still receive events: %v", err)
	}
	if ev.Kind != models.EventSearchUpdate {
		t.Fatalf("unexpected event kind %q", ev.Kind)
	}
}

func TestCoordFromPair(t *testing.T) {
	c, ok := coordFromPair([]float64{76.7, 30.7})
	if !ok || c.Lat != 30.7 || c.Lon != 76.7 {
		t.Fatalf("expected lon/lat order honored, got %+v ok=%v", c, ok)
	}
	if _, ok := coordFromPair(nil); ok {
		t.Fatal("nil pair must not parse")
	}
}
