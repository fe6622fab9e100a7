package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	APIPort     int    `env:"API_PORT,default=8081"`
	GatewayPort int    `env:"GATEWAY_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=text"`
	NodeID      int64  `env:"NODE_ID,default=1"`

	StoreDriver           string        `env:"STORE_DRIVER,default=postgres"`
	DatabaseURL           string        `env:"DB_URL"`
	AutoMigrate           bool          `env:"AUTO_MIGRATE,default=false"`
	DBMaxConns            int32         `env:"DB_MAX_CONNS,default=10"`
	DBMinConns            int32         `env:"DB_MIN_CONNS,default=2"`
	DBMaxConnLifetime     time.Duration `env:"DB_MAX_CONN_LIFETIME,default=1h"`
	DBMaxConnIdleTime     time.Duration `env:"DB_MAX_CONN_IDLE_TIME,default=30m"`
	DBHealthCheckPeriod   time.Duration `env:"DB_HEALTH_CHECK_PERIOD,default=30s"`
	DBConnectTimeout      time.Duration `env:"DB_CONNECT_TIMEOUT,default=10s"`
	OpTimeout             time.Duration `env:"CHAT_OP_TIMEOUT,default=300ms"`
	MaxBodyLength         int           `env:"CHAT_MAX_BODY_LENGTH,default=4000"`
	MaxGroupSize          int           `env:"CHAT_MAX_GROUP_SIZE,default=256"`
	NotifierQueueSize     int           `env:"CHAT_NOTIFIER_QUEUE,default=1024"`
	TypingTTL             time.Duration `env:"TYPING_TTL,default=5s"`
	JWTSecret             string        `env:"JWT_SECRET"`
	SessionTTL            time.Duration `env:"SESSION_TTL,default=24h"`
	AllowDevLogin         bool          `env:"ALLOW_DEV_LOGIN,default=false"`
	AllowedOrigins        string        `env:"ALLOWED_ORIGINS,default=*"`
	AdmissionBackend      string        `env:"ADMISSION_BACKEND,default=memory"`
	AdmissionRPS          float64       `env:"ADMISSION_RPS,default=5"`
	AdmissionBurst        int           `env:"ADMISSION_BURST,default=10"`
	BusDriver             string        `env:"BUS_DRIVER,default=kafka"`
	KafkaBrokers          string        `env:"KAFKA_BROKERS,default=localhost:19092"`
	KafkaTopic            string        `env:"KAFKA_TOPIC,default=chat-events"`
	KafkaArchiveGroup     string        `env:"KAFKA_ARCHIVE_GROUP,default=messaging-archive-group"`
	PresenceBackend       string        `env:"PRESENCE_BACKEND,default=memory"`
	RedisAddr             string        `env:"REDIS_ADDR,default=localhost:6379"`
	ScyllaHosts           string        `env:"SCYLLA_HOSTS,default=localhost:9042"`
	ScyllaKeyspace        string        `env:"SCYLLA_KEYSPACE,default=chat"`
	GatewaySendBuffer     int           `env:"GATEWAY_SEND_BUFFER,default=256"`
	GatewayMaxMessageSize int64         `env:"GATEWAY_MAX_MESSAGE_SIZE,default=4096"`
	GatewayCommandTimeout time.Duration `env:"GATEWAY_COMMAND_TIMEOUT,default=5s"`
}

// Load reads .env when present and then the process environment.
func Load(log *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && log != nil {
		log.Debug("No .env file found")
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnvSet builds a Config from an explicit set; used by tests and tools.
func FromEnvSet(es env.EnvSet) (*Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DB_URL is required when STORE_DRIVER=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.BusDriver != "kafka" && c.BusDriver != "memory" {
		errs = append(errs, fmt.Errorf("unknown BUS_DRIVER %q", c.BusDriver))
	}
	if c.AdmissionBackend != "memory" && c.AdmissionBackend != "redis" {
		errs = append(errs, fmt.Errorf("unknown ADMISSION_BACKEND %q", c.AdmissionBackend))
	}
	if c.PresenceBackend != "memory" && c.PresenceBackend != "redis" {
		errs = append(errs, fmt.Errorf("unknown PRESENCE_BACKEND %q", c.PresenceBackend))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	if c.OpTimeout <= 0 {
		errs = append(errs, errors.New("CHAT_OP_TIMEOUT must be positive"))
	}
	if c.TypingTTL <= 0 {
		errs = append(errs, errors.New("TYPING_TTL must be positive"))
	}
	if c.GatewayCommandTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_COMMAND_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Brokers() []string { return splitList(c.KafkaBrokers) }

func (c *Config) Scylla() []string { return splitList(c.ScyllaHosts) }

func (c *Config) Origins() []string { return splitList(c.AllowedOrigins) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
