package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/earnings"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(logger, cfg.PGDSN)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN unset, using in-memory ride store")
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	var events *ingest.RideEventProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		events = ingest.NewRideEventProducer(cfg.KafkaBrokers, cfg.RideEventsTopic)
		defer events.Close()
	}

	var gateway *payments.StripeGateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret, cfg.Currency, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	} else {
		logger.Warn("STRIPE_API_KEY unset, online bookings disabled")
	}

	wsreg := dispatch.NewWSRegistry(logger)
	coord := &ride.Coordinator{
		Store:      store,
		Matcher:    &matcher.Service{Geo: ggeo, RadiusTiers: cfg.RadiusTiersKm},
		Notifier:   wsreg,
		Ledger:     earnings.NewLedger(store, cfg.DriverSharePct, cfg.Currency),
		Logger:     logger,
		FareBase:   cfg.FareBase,
		FarePerKm:  cfg.FarePerKm,
		TaxPercent: cfg.TaxPercent,
	}
	if gateway != nil {
		coord.Payments = gateway
	}
	if events != nil {
		coord.Events = events
	}
	if cfg.InvoiceEndpoint != "" {
		coord.Invoicer = dispatch.NewHTTPInvoicer(cfg.InvoiceEndpoint)
	}
	if cfg.MessagingEndpoint != "" {
		coord.Messenger = dispatch.NewHTTPMessenger(cfg.MessagingEndpoint)
	}

	var webhooks httpapi.WebhookGateway
	if gateway != nil {
		webhooks = gateway
	}
	srv := httpapi.NewServer(logger, ggeo, coord, wsreg, kp, webhooks)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := ride.NewSweeper(coord, cfg.SweepInterval, cfg.SweepStaleAfter, cfg.TempRideTTL)
	go sweeper.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "radius_tiers_km", cfg.RadiusTiersKm)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// runMigrations applies the bundled schema when MIGRATE=true.
func runMigrations(logger *slog.Logger, dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Warn("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		logger.Warn("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Warn("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_dispatch.sql")
}
