package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisDriverKey string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaDriverTopic string

	PGDSN string

	StripeAPIKey string

	// Dispatch tunables. The defaults are the contract values; tests dial
	// them down to milliseconds.
	MaxMatchAttempts      int
	RematchDelay          time.Duration
	DriverResponseTimeout time.Duration
	TotalSearchTimeout    time.Duration
	NoShowWait            time.Duration
	NoShowFee             float64

	RateLimitPerSec float64
	RateLimitBurst  int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisDriverKey:   "drivers",
		KafkaTopic:       "booking-events",
		KafkaDriverTopic: "driver-status",

		MaxMatchAttempts:      3,
		RematchDelay:          3 * time.Second,
		DriverResponseTimeout: 20 * time.Second,
		TotalSearchTimeout:    180 * time.Second,
		NoShowWait:            5 * time.Minute,
		NoShowFee:             50,

		RateLimitPerSec: 5,
		RateLimitBurst:  10,

		LogLevel: "info",
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
	setStringFromEnv(&cfg.RedisDriverKey, "REDIS_DRIVER_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaDriverTopic, "KAFKA_DRIVER_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	setIntFromEnv(&cfg.MaxMatchAttempts, "MAX_MATCH_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RematchDelay, "REMATCH_DELAY", &errs)
	setDurationFromEnv(&cfg.DriverResponseTimeout, "DRIVER_RESPONSE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.TotalSearchTimeout, "TOTAL_SEARCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.NoShowWait, "NOSHOW_WAIT", &errs)
	setFloatFromEnv(&cfg.NoShowFee, "NOSHOW_FEE", &errs)

	setFloatFromEnv(&cfg.RateLimitPerSec, "RATE_LIMIT_PER_SEC", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MaxMatchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MATCH_ATTEMPTS must be > 0"))
	}
	if cfg.NoShowFee < 0 {
		errs = append(errs, fmt.Errorf("NOSHOW_FEE must be >= 0"))
	}

	return cfg, errors.Join(errs...)
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

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
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
