package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"jobservice/internal/backoff"
	"jobservice/internal/scheduler"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr           string
	Store              string
	SQLitePath         string
	DatabaseURL        string
	CORSAllowedOrigins []string

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	Workers         int
	DeliveryTimeout time.Duration
	// HTTPRateLimit caps outbound HTTP deliveries per second. Zero is unlimited.
	HTTPRateLimit float64

	PurgeSchedule string
	Retention     time.Duration
}

// Load reads the environment, after loading .env when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()
	return fromEnv(os.Getenv)
}

func fromEnv(lookup func(string) string) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		HTTPAddr:        e.str("HTTP_ADDR", ":8080"),
		Store:           strings.ToLower(e.str("STORE", StoreSQLite)),
		SQLitePath:      e.str("SQLITE_PATH", "jobs.db"),
		DatabaseURL:     e.str("DATABASE_URL", ""),
		MaxRetries:      e.int("MAX_RETRIES", 3),
		RetryBackoff:    e.duration("RETRY_BACKOFF", time.Second),
		RetryBackoffMax: e.duration("RETRY_BACKOFF_MAX", time.Minute),
		Workers:         e.int("WORKERS", 8),
		DeliveryTimeout: e.duration("DELIVERY_TIMEOUT", 10*time.Second),
		HTTPRateLimit:   e.float("HTTP_RATE_LIMIT", 0),
		PurgeSchedule:   e.str("PURGE_SCHEDULE", "@every 1h"),
		Retention:       e.duration("RETENTION", 24*time.Hour),
	}

	for _, o := range strings.Split(e.str("CORS_ALLOWED_ORIGINS", ""), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("missing env: DATABASE_URL (required when STORE=postgres)")
		}
	default:
		return errors.Newf("STORE must be memory, sqlite or postgres, got %q", c.Store)
	}
	if c.MaxRetries < 1 {
		return errors.Newf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.Workers < 1 {
		return errors.Newf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.RetryBackoff <= 0 || c.DeliveryTimeout <= 0 {
		return errors.New("RETRY_BACKOFF and DELIVERY_TIMEOUT must be positive")
	}
	if c.HTTPRateLimit < 0 {
		return errors.New("HTTP_RATE_LIMIT must not be negative")
	}
	if c.PurgeSchedule != "" {
		if err := scheduler.ValidateCronExpression(c.PurgeSchedule); err != nil {
			return errors.Wrap(err, "PURGE_SCHEDULE")
		}
	}
	return nil
}

// Scheduler returns the scheduler settings derived from c.
func (c Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		MaxRetries:      c.MaxRetries,
		RetryBackoff:    backoff.New(c.RetryBackoff, c.RetryBackoffMax),
		Workers:         c.Workers,
		DeliveryTimeout: c.DeliveryTimeout,
		PurgeSchedule:   c.PurgeSchedule,
		Retention:       c.Retention,
	}
}

// env collects the first parse error so Load can report it after reading every key.
type env struct {
	lookup func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	v := strings.TrimSpace(e.lookup(key))
	if v == "" {
		return def
	}
	return v
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return f
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = errors.Wrapf(err, "parse env %s", key)
	}
}
