package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/health"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/inventory"
)

func testLogger(name string) *log.Entry {
	return log.WithField("test", name)
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), testLogger("memory"))
	require.NoError(t, err)

	assert.NotNil(t, deps.repo)
	assert.NotNil(t, deps.outboxRepo)
	assert.NotNil(t, deps.timelineRepo)
	assert.NotNil(t, deps.idempotencyRepo)
	assert.Nil(t, deps.store)

	number, err := deps.numbers.Next("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-000001", number)
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres

	_, err := initRuntimeDependencies(context.Background(), cfg, testLogger("postgres-missing-dsn"))
	assert.Error(t, err)
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "sqlite"

	_, err := initRuntimeDependencies(context.Background(), cfg, testLogger("unsupported"))
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("OMS_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger("postgres"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer deps.close(testLogger("postgres"))

	h := health.NewHandler("test")
	deps.registerChecks(h, cfg)
	assert.Equal(t, health.StatusHealthy, h.Evaluate(context.Background()).Status)
}

func TestRegisterChecks_Memory(t *testing.T) {
	cfg := DefaultConfig()
	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger("checks"))
	require.NoError(t, err)

	h := health.NewHandler("test")
	deps.registerChecks(h, cfg)

	resp := h.Evaluate(context.Background())
	assert.Equal(t, health.StatusHealthy, resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Contains(t, resp.Checks, "outbox")
}

func TestInitPromotionUsage(t *testing.T) {
	deps := &runtimeDependencies{}

	store, err := deps.initPromotionUsage(context.Background(), DefaultConfig(), testLogger("usage"))
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.Nil(t, deps.redis)

	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	_, err = deps.initPromotionUsage(context.Background(), cfg, testLogger("usage"))
	assert.ErrorContains(t, err, "connect redis")
	assert.Empty(t, deps.closers)
}

func TestInitPricer(t *testing.T) {
	deps := &runtimeDependencies{}
	usage, err := deps.initPromotionUsage(context.Background(), DefaultConfig(), testLogger("pricer"))
	require.NoError(t, err)

	pricer, err := initPricer(DefaultConfig(), usage, testLogger("pricer"))
	require.NoError(t, err)
	assert.NotNil(t, pricer)

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
shipping:
  zones:
    - id: us
      countries: [US]
      rules:
        - id: flat
          rate: "4.99"
tax:
  rate: "0.07"
`), 0o600))

	cfg := DefaultConfig()
	cfg.PricingConfigPath = path
	pricer, err = initPricer(cfg, usage, testLogger("pricer"))
	require.NoError(t, err)
	assert.NotNil(t, pricer)

	cfg.PricingConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = initPricer(cfg, usage, testLogger("pricer"))
	assert.Error(t, err)
}

func TestInitInventory(t *testing.T) {
	svc, err := initInventory(DefaultConfig(), testLogger("inventory"))
	require.NoError(t, err)
	assert.IsType(t, &inventory.MockService{}, svc)

	cfg := DefaultConfig()
	cfg.CoreBaseURL = "http://core.internal:8080"
	svc, err = initInventory(cfg, testLogger("inventory"))
	require.NoError(t, err)
	assert.IsType(t, &inventory.Client{}, svc)
}
