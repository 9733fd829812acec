package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/messaging/kafka"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	KafkaBrokers       []string
	KafkaConsumerGroup string
	EventsTopic        string
	EventsDLQTopic     string
	CoreEventsTopic    string
	CoreEventsDLQTopic string

	RedisAddr string

	CoreBaseURL   string
	CoreAPIKey    string
	CoreRPS       float64
	CoreJWTSecret string

	PricingConfigPath string
	OrderNumberPrefix string

	ReservationGrace time.Duration
	SweepInterval    time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxAge       time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	HTTPRateLimit float64
	HTTPRateBurst int
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		KafkaConsumerGroup: "order-lifecycle",
		EventsTopic:        kafka.TopicOrderEvents,
		EventsDLQTopic:     kafka.TopicOrderEventsDLQ,
		CoreEventsTopic:    kafka.TopicCoreEvents,
		CoreEventsDLQTopic: kafka.TopicCoreEventsDLQ,

		CoreRPS:           50,
		OrderNumberPrefix: "ORD",

		ReservationGrace: 5 * time.Minute,
		SweepInterval:    time.Minute,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  10,
		OutboxRetryDelay:   time.Second,
		OutboxMaxAge:       5 * time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// LoadConfig читает .env (если есть) и переменные окружения поверх DefaultConfig.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	p := envParser{}

	cfg.HTTPAddr = p.lookup("OMS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = p.lookup("OMS_GRPC_ADDR", cfg.GRPCAddr)
	cfg.MetricsAddr = p.lookup("OMS_METRICS_ADDR", cfg.MetricsAddr)

	cfg.StorageDriver = strings.ToLower(p.lookup("OMS_STORAGE_DRIVER", cfg.StorageDriver))
	cfg.PostgresDSN = p.lookup("OMS_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.PostgresAutoMigrate = p.lookupBool("OMS_POSTGRES_AUTO_MIGRATE", cfg.PostgresAutoMigrate)
	cfg.PostgresMaxConns = p.lookupInt("OMS_POSTGRES_MAX_CONNS", cfg.PostgresMaxConns)

	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.KafkaConsumerGroup = p.lookup("OMS_KAFKA_CONSUMER_GROUP", cfg.KafkaConsumerGroup)
	cfg.EventsTopic = p.lookup("OMS_EVENTS_TOPIC", cfg.EventsTopic)
	cfg.EventsDLQTopic = p.lookup("OMS_EVENTS_DLQ_TOPIC", cfg.EventsTopic+".dlq")
	cfg.CoreEventsTopic = p.lookup("OMS_CORE_EVENTS_TOPIC", cfg.CoreEventsTopic)
	cfg.CoreEventsDLQTopic = p.lookup("OMS_CORE_EVENTS_DLQ_TOPIC", cfg.CoreEventsTopic+".dlq")

	cfg.RedisAddr = p.lookup("OMS_REDIS_ADDR", cfg.RedisAddr)

	cfg.CoreBaseURL = p.lookup("OMS_CORE_BASE_URL", cfg.CoreBaseURL)
	cfg.CoreAPIKey = p.lookup("OMS_CORE_API_KEY", cfg.CoreAPIKey)
	cfg.CoreRPS = p.lookupFloat("OMS_CORE_RPS", cfg.CoreRPS)
	cfg.CoreJWTSecret = p.lookup("OMS_CORE_JWT_SECRET", cfg.CoreJWTSecret)

	cfg.PricingConfigPath = p.lookup("OMS_PRICING_CONFIG", cfg.PricingConfigPath)
	cfg.OrderNumberPrefix = p.lookup("OMS_ORDER_NUMBER_PREFIX", cfg.OrderNumberPrefix)

	cfg.ReservationGrace = p.lookupDuration("OMS_RESERVATION_GRACE", cfg.ReservationGrace)
	cfg.SweepInterval = p.lookupDuration("OMS_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.OutboxPollInterval = p.lookupDuration("OMS_OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = p.lookupInt("OMS_OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = p.lookupInt("OMS_OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.OutboxRetryDelay = p.lookupDuration("OMS_OUTBOX_RETRY_DELAY", cfg.OutboxRetryDelay)
	cfg.OutboxMaxAge = p.lookupDuration("OMS_OUTBOX_MAX_AGE", cfg.OutboxMaxAge)

	cfg.IdempotencyTTL = p.lookupDuration("OMS_IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.IdempotencyCleanupInterval = p.lookupDuration("OMS_IDEMPOTENCY_CLEANUP_INTERVAL", cfg.IdempotencyCleanupInterval)
	cfg.IdempotencyCleanupBatchSize = p.lookupInt("OMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE", cfg.IdempotencyCleanupBatchSize)

	cfg.HTTPRateLimit = p.lookupFloat("OMS_HTTP_RATE_LIMIT", cfg.HTTPRateLimit)
	cfg.HTTPRateBurst = p.lookupInt("OMS_HTTP_RATE_BURST", cfg.HTTPRateBurst)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("OMS_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be positive"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be positive"))
	}
	if c.ReservationGrace < 0 {
		errs = append(errs, errors.New("reservation grace must not be negative"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.EventsTopic == c.EventsDLQTopic {
		errs = append(errs, errors.New("events topic and its DLQ must differ"))
	}
	return errors.Join(errs...)
}

type envParser struct {
	errs []error
}

func (p *envParser) lookup(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (p *envParser) lookupInt(key string, fallback int) int {
	raw := p.lookup(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *envParser) lookupFloat(key string, fallback float64) float64 {
	raw := p.lookup(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *envParser) lookupBool(key string, fallback bool) bool {
	raw := p.lookup(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *envParser) lookupDuration(key string, fallback time.Duration) time.Duration {
	raw := p.lookup(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
