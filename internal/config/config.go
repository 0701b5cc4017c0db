package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaTopic      string
	RideEventsTopic string

	PGDSN string

	// Dispatch policy. RadiusTiersKm is the ordered escalation ladder;
	// the last tier is the give-up point for the sweeper.
	RadiusTiersKm   []float64
	SweepInterval   time.Duration
	SweepStaleAfter time.Duration
	TempRideTTL     time.Duration

	// Fare: ceil(FareBase + km*FarePerKm), tax applied on top of the
	// fare for the charged total.
	FareBase       float64
	FarePerKm      float64
	TaxPercent     float64
	DriverSharePct float64
	Currency       string

	StripeAPIKey        string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	InvoiceEndpoint     string
	MessagingEndpoint   string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaTopic:         "driver-locations",
		RideEventsTopic:    "ride-events",
		RadiusTiersKm:      []float64{5, 7},
		SweepInterval:      10 * time.Second,
		SweepStaleAfter:    2 * time.Minute,
		TempRideTTL:        24 * time.Hour,
		FareBase:           20,
		FarePerKm:          10,
		TaxPercent:         18,
		DriverSharePct:     90,
		Currency:           "inr",
		CheckoutSuccessURL: "http://localhost:3000/stripe/success",
		CheckoutCancelURL:  "http://localhost:3000/stripe/cancel",
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.RideEventsTopic, "RIDE_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("RADIUS_TIERS_KM"); v != "" {
		tiers, err := parseRadiusTiers(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.RadiusTiersKm = tiers
		}
	}
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SweepStaleAfter, "SWEEP_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.TempRideTTL, "TEMP_RIDE_TTL", &errs)

	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.TaxPercent, "TAX_PERCENT", &errs)
	setFloatFromEnv(&cfg.DriverSharePct, "DRIVER_SHARE_PCT", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.CheckoutSuccessURL, "CHECKOUT_SUCCESS_URL")
	setStringFromEnv(&cfg.CheckoutCancelURL, "CHECKOUT_CANCEL_URL")
	cfg.InvoiceEndpoint = strings.TrimSpace(os.Getenv("INVOICE_ENDPOINT"))
	cfg.MessagingEndpoint = strings.TrimSpace(os.Getenv("MESSAGING_ENDPOINT"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if len(cfg.RadiusTiersKm) == 0 {
		errs = append(errs, fmt.Errorf("RADIUS_TIERS_KM must list at least one tier"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func parseRadiusTiers(v string) ([]float64, error) {
	parts := splitAndTrim(v)
	tiers := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid RADIUS_TIERS_KM entry %q", p)
		}
		tiers = append(tiers, f)
	}
	sort.Float64s(tiers)
	return tiers, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
