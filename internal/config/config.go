package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	BackendCRDB   = "crdb"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"

	MinPassSecretLen = 16
)

type Config struct {
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"crdb"`
	CRDBDSN      string `env:"CRDB_DSN"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"parchi.db"`
	MongoURI     string `env:"MONGO_URI"`
	MongoDB      string `env:"MONGO_DATABASE" envDefault:"parchi"`
	RedisAddr    string `env:"REDIS_ADDR"`
	RabbitURL    string `env:"RABBIT_URL"`
	JWTPublicKey string `env:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `env:"JWT_ISSUER"`
	JWTAudience  string `env:"JWT_AUDIENCE"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	PublicBaseURL string        `env:"PUBLIC_BASE_URL" envDefault:"https://parchi.app"`
	PassSecret    string        `env:"PASS_SECRET"`
	PassMaxAge    time.Duration `env:"PASS_MAX_AGE" envDefault:"8760h"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"1h"`
	EventCacheTTL  time.Duration `env:"EVENT_CACHE_TTL" envDefault:"30s"`
	UserRateLimit  int           `env:"RATE_LIMIT_USER" envDefault:"10"`
	IPRateLimit    int           `env:"RATE_LIMIT_IP" envDefault:"100"`

	OutboxInterval  time.Duration `env:"OUTBOX_INTERVAL" envDefault:"5s"`
	OutboxBatchSize int           `env:"OUTBOX_BATCH_SIZE" envDefault:"10"`
	SinkQueue       string        `env:"SINK_QUEUE" envDefault:"parchi.sink"`
	SinkWorkers     int           `env:"SINK_WORKERS" envDefault:"4"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required for the crdb backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return errors.Newf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.OutboxBatchSize <= 0 {
		return errors.New("OUTBOX_BATCH_SIZE must be positive")
	}
	if c.SinkWorkers <= 0 {
		return errors.New("SINK_WORKERS must be positive")
	}
	return nil
}

// ValidateAPI checks the settings only the API needs. PASS_SECRET keys the
// pass checksums.
func (c *Config) ValidateAPI() error {
	if len(c.PassSecret) < MinPassSecretLen {
		return errors.Newf("PASS_SECRET must be at least %d characters", MinPassSecretLen)
	}
	return nil
}
