package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/health"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/promotion"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/inventory"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/storage/memory"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/storage/postgres"
)

const promotionKeyPrefix = "oms:promo:"

// runtimeDependencies содержит хранилища и внешние клиенты, общие для всех компонентов.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	numbers         domain.OrderNumberGenerator
	idempotencyRepo domain.IdempotencyRepository

	store *postgres.Store
	redis *redis.Client

	closers []func() error
}

// initRuntimeDependencies открывает выбранное хранилище. Для postgres при
// PostgresAutoMigrate применяются все новые миграции.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		outbox := memory.NewOutboxRepository()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			repo:            memory.NewOrderRepository(outbox),
			outboxRepo:      outbox,
			timelineRepo:    memory.NewTimelineRepository(),
			numbers:         memory.NewOrderNumberGenerator(cfg.OrderNumberPrefix),
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres storage requires OMS_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			repo:            postgres.NewOrderRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			timelineRepo:    postgres.NewTimelineRepository(store),
			numbers:         postgres.NewOrderNumberGenerator(store, cfg.OrderNumberPrefix),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			store:           store,
			closers:         []func() error{store.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// registerChecks подключает проверки хранилищ к health-обработчику.
func (d *runtimeDependencies) registerChecks(h *health.Handler, cfg Config) {
	if d.store != nil {
		h.Register("postgres", health.CheckFunc(d.store.Ping))
	}
	if d.redis != nil {
		client := d.redis
		h.RegisterOptional("redis", health.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	h.RegisterOptional("outbox", health.NewOutboxChecker(d.outboxRepo, cfg.OutboxMaxAge))
}

// close освобождает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
}

// initPromotionUsage выбирает счётчик использований промокодов: Redis, если
// задан адрес, иначе память процесса.
func (d *runtimeDependencies) initPromotionUsage(ctx context.Context, cfg Config, logger *log.Entry) (promotion.UsageStore, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		logger.Warn("OMS_REDIS_ADDR is not set, promotion usage limits are tracked per process")
		return promotion.NewMemoryUsageStore(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	d.redis = client
	d.closers = append(d.closers, client.Close)
	logger.WithField("addr", cfg.RedisAddr).Info("redis promotion usage store initialized")
	return promotion.NewRedisUsageStore(client, promotionKeyPrefix), nil
}

// initPricer читает YAML с правилами или берёт правила по умолчанию.
func initPricer(cfg Config, usage promotion.UsageStore, logger *log.Entry) (*pricing.Pricer, error) {
	pricingCfg := pricing.DefaultConfig()
	if cfg.PricingConfigPath != "" {
		loaded, err := pricing.LoadConfig(cfg.PricingConfigPath)
		if err != nil {
			return nil, err
		}
		pricingCfg = loaded
	} else {
		logger.Warn("OMS_PRICING_CONFIG is not set, using free shipping and zero tax")
	}
	return pricing.NewPricer(pricingCfg, usage, logger.WithField("component", "pricing"))
}

// initInventory возвращает клиента Core. Без OMS_CORE_BASE_URL работает
// склад в памяти для локальной разработки.
func initInventory(cfg Config, logger *log.Entry) (domain.InventoryService, error) {
	if strings.TrimSpace(cfg.CoreBaseURL) == "" {
		logger.Warn("OMS_CORE_BASE_URL is not set, using in-memory inventory")
		return inventory.NewMockService(), nil
	}
	client, err := inventory.NewClient(inventory.ClientConfig{
		BaseURL: cfg.CoreBaseURL,
		APIKey:  cfg.CoreAPIKey,
		RPS:     cfg.CoreRPS,
	}, inventory.WithClientLogger(logger.WithField("component", "core-inventory")))
	if err != nil {
		return nil, fmt.Errorf("create core inventory client: %w", err)
	}
	return client, nil
}
