package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"tontine/cmd/internal/api"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"TONTINE_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"TONTINE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TONTINE_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"TONTINE_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"TONTINE_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"TONTINE_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"TONTINE_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"TONTINE_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes    int           `env:"TONTINE_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"TONTINE_HTTP_MAX_BODY_BYTES" envDefault:"16384"`

	// Store selection: DatabaseURL wins over SQLitePath; neither means in-memory.
	DatabaseURL   string `env:"TONTINE_DATABASE_URL"`
	DBSchema      string `env:"TONTINE_DB_SCHEMA" envDefault:"tontine"`
	DBMaxConns    int32  `env:"TONTINE_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns    int32  `env:"TONTINE_DB_MIN_CONNS" envDefault:"0"`
	DBAutoMigrate bool   `env:"TONTINE_DB_AUTO_MIGRATE" envDefault:"true"`
	SQLitePath    string `env:"TONTINE_SQLITE_PATH"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"TONTINE_READINESS_REQUIRE_DB" envDefault:"false"`

	RedisAddr      string        `env:"TONTINE_REDIS_ADDR"`
	RedisPassword  string        `env:"TONTINE_REDIS_PASSWORD"`
	RedisDB        int           `env:"TONTINE_REDIS_DB" envDefault:"0"`
	InviteCacheTTL time.Duration `env:"TONTINE_INVITE_CACHE_TTL" envDefault:"24h"`

	NATSURL           string `env:"TONTINE_NATS_URL"`
	NATSSubjectPrefix string `env:"TONTINE_NATS_SUBJECT_PREFIX" envDefault:"tontine.events"`
	EventBuffer       int    `env:"TONTINE_EVENT_BUFFER" envDefault:"256"`

	JWTSecret string `env:"TONTINE_JWT_SECRET"`
	JWTIssuer string `env:"TONTINE_JWT_ISSUER"`

	FeedOriginPatterns []string `env:"TONTINE_FEED_ORIGIN_PATTERNS" envSeparator:","`

	OTelEndpoint   string `env:"TONTINE_OTEL_ENDPOINT"`
	MetricsEnabled bool   `env:"TONTINE_METRICS_ENABLED" envDefault:"true"`

	InviteCodeLength     int           `env:"TONTINE_INVITE_CODE_LENGTH" envDefault:"8"`
	InviteCodeAttempts   int           `env:"TONTINE_INVITE_CODE_ATTEMPTS" envDefault:"5"`
	ConflictRetries      int           `env:"TONTINE_CONFLICT_RETRIES" envDefault:"3"`
	OverdueSweepInterval time.Duration `env:"TONTINE_OVERDUE_SWEEP_INTERVAL" envDefault:"1h"`
}

// LoadConfig parses the environment and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("TONTINE_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}
	if len(c.JWTSecret) < api.MinSecretBytes {
		errs = append(errs, fmt.Errorf("TONTINE_JWT_SECRET must be at least %d bytes", api.MinSecretBytes))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("TONTINE_DB_MIN_CONNS exceeds TONTINE_DB_MAX_CONNS"))
	}
	if c.ConflictRetries <= 0 {
		errs = append(errs, errors.New("TONTINE_CONFLICT_RETRIES must be positive"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("TONTINE_EVENT_BUFFER must be positive"))
	}
	if c.OverdueSweepInterval < 0 {
		errs = append(errs, errors.New("TONTINE_OVERDUE_SWEEP_INTERVAL must not be negative"))
	}
	return errors.Join(errs...)
}

// StoreKind names the store Config selects.
func (c Config) StoreKind() string {
	switch {
	case strings.TrimSpace(c.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(c.SQLitePath) != "":
		return "sqlite"
	default:
		return "memory"
	}
}
