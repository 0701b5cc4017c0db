package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
)

// WebhookGateway is the slice of the payment gateway the HTTP layer
// needs: verifying and decoding the success callback.
type WebhookGateway interface {
	ParseCompletedCheckout(payload []byte, signature string) (*payments.CompletedPayment, bool, error)
}

type Server struct {
	Geo         geo.Geo
	Coordinator *ride.Coordinator
	WSReg       *dispatch.WSRegistry
	Kafka       *ingest.KafkaProducer // optional location pipeline
	Webhooks    WebhookGateway        // optional, nil disables /stripe/webhook

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(logger *slog.Logger, g geo.Geo, coord *ride.Coordinator, wsreg *dispatch.WSRegistry, kp *ingest.KafkaProducer, webhooks WebhookGateway) *Server {
	s := &Server{
		Geo:         g,
		Coordinator: coord,
		WSReg:       wsreg,
		Kafka:       kp,
		Webhooks:    webhooks,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleInitiateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStartRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/stripe/webhook", s.handleStripeWebhook).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type initiateRideRequest struct {
	RiderID     string    `json:"rider_id"`
	Pickup      []float64 `json:"pickup"`  // [lon, lat]
	Dropoff     []float64 `json:"dropoff"` // [lon, lat]
	VehicleType string    `json:"vehicle_type"`
	PaymentMode string    `json:"payment_mode"`
}

func (s *Server) handleInitiateRide(w http.ResponseWriter, r *http.Request) {
	var req initiateRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RiderID == "" {
		writeError(w, http.StatusBadRequest, "rider_id is required")
		return
	}
	pickup, ok := coordFromPair(req.Pickup)
	if !ok {
		writeError(w, http.StatusBadRequest, "pickup coordinates are required")
		return
	}
	dropoff, ok := coordFromPair(req.Dropoff)
	if !ok {
		writeError(w, http.StatusBadRequest, "dropoff coordinates are required")
		return
	}
	res, err := s.Coordinator.InitiateRide(r.Context(), req.RiderID, pickup, dropoff, req.VehicleType, req.PaymentMode)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	rd, otp, err := s.Coordinator.AcceptRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": rd.View(), "otp": otp})
}

type otpRequest struct {
	DriverID string `json:"driver_id"`
	OTP      int    `json:"otp"`
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" || req.OTP == 0 {
		writeError(w, http.StatusBadRequest, "driver_id and otp are required")
		return
	}
	rd, err := s.Coordinator.StartRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.OTP)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": rd.View()})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" || req.OTP == 0 {
		writeError(w, http.StatusBadRequest, "driver_id and otp are required")
		return
	}
	rd, err := s.Coordinator.CompleteRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.OTP)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": rd.View()})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Role    string `json:"role"` // rider | driver
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "actor_id and role are required")
		return
	}
	rd, err := s.Coordinator.CancelRide(r.Context(), mux.Vars(r)["ride_id"], req.ActorID, req.Role)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": rd.View()})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" {
		writeError(w, http.StatusBadRequest, "driver id is required")
		return
	}
	d.Online = true
	// publish to kafka if configured
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(d); err != nil {
			s.logger.Warn("location publish failed", "driver", d.ID, "error", err)
		}
	}
	s.Geo.Upsert(d)
	observability.DriversOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleStripeWebhook is the payment collaborator's success callback.
// Events other than a completed ride-booking checkout are acknowledged
// and ignored.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Webhooks == nil {
		writeError(w, http.StatusNotFound, "payments disabled")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	cp, ok, err := s.Webhooks.ParseCompletedCheckout(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "webhook verification failed")
		return
	}
	if ok {
		rec := ride.PaymentRecord{
			SessionID:       cp.SessionID,
			PaymentIntentID: cp.PaymentIntentID,
			Amount:          cp.Amount,
			Currency:        cp.Currency,
		}
		if _, err := s.Coordinator.ConfirmAndDispatch(r.Context(), rec); err != nil {
			// Replays land here with an unknown session; either way the
			// webhook is acknowledged so Stripe stops retrying.
			s.logger.Warn("confirm and dispatch failed", "session", cp.SessionID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	s.WSReg.Add(id, conn)
	// reader goroutine exists only to observe the close
	go func() {
		defer func() {
			s.WSReg.Remove(id, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ride.ErrNoDriversAvailable), errors.Is(err, ride.ErrPaymentsDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ride.ErrInvalidCoordinates),
		errors.Is(err, ride.ErrInvalidVehicleType),
		errors.Is(err, ride.ErrInvalidPaymentMode),
		errors.Is(err, ride.ErrRideConflict),
		errors.Is(err, ride.ErrInvalidOTP),
		errors.Is(err, ride.ErrCannotCancel),
		errors.Is(err, ride.ErrUnknownSession):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func coordFromPair(pair []float64) (models.Coord, bool) {
	if len(pair) != 2 {
		return models.Coord{}, false
	}
	// GeoJSON order: [lon, lat]
	return models.Coord{Lat: pair[1], Lon: pair[0]}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
