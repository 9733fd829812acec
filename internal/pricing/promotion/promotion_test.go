package promotion_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/promotion"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

const testPromotions = `
- code: SAVE10
  type: percentage
  value: "10"
  min_spend: "20.00"
- code: FIVEOFF
  type: fixed
  value: "5.00"
  stackable: true
- code: BIGOFF
  type: fixed
  value: "500"
- code: SPRING
  type: percentage
  value: "15"
  starts_at: 2026-03-01T00:00:00Z
  ends_at: 2026-04-01T00:00:00Z
- code: SUMMER
  type: percentage
  value: "15"
  starts_at: 2026-06-01T00:00:00Z
- code: ONCE
  type: fixed
  value: "1.00"
  usage_limit: 1
`

func newCalculator(t *testing.T, store promotion.UsageStore) *promotion.Calculator {
	t.Helper()
	var cfgs []promotion.Config
	require.NoError(t, yaml.Unmarshal([]byte(testPromotions), &cfgs))
	calc, err := promotion.NewCalculator(cfgs, store, promotion.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return calc
}

func request(code, subtotal string, others ...string) promotion.Request {
	return promotion.Request{Code: code, Subtotal: decimal.RequireFromString(subtotal), Currency: "USD", OtherDiscounts: others}
}

func TestEvaluate_Discounts(t *testing.T) {
	calc := newCalculator(t, nil)

	cases := []struct {
		name     string
		req      promotion.Request
		discount string
	}{
		{name: "percentage rounded half up", req: request("save10", "25.05"), discount: "2.51"},
		{name: "fixed", req: request("FIVEOFF", "25.00"), discount: "5.00"},
		{name: "fixed clamped to subtotal", req: request("BIGOFF", "25.00"), discount: "25.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := calc.Evaluate(context.Background(), tc.req)
			require.NoError(t, err)
			assert.True(t, res.Discount.Equal(decimal.RequireFromString(tc.discount)), "discount %s", res.Discount)
		})
	}
}

func TestEvaluate_ValidationOrder(t *testing.T) {
	calc := newCalculator(t, nil)
	_, err := calc.Redeem(context.Background(), request("ONCE", "10.00"))
	require.NoError(t, err)

	cases := []struct {
		name string
		req  promotion.Request
		want error
	}{
		{name: "unknown", req: request("NOPE", "100"), want: promotion.ErrNotFound},
		{name: "expired before min spend", req: request("SPRING", "1"), want: promotion.ErrExpired},
		{name: "not started", req: request("SUMMER", "100"), want: promotion.ErrNotStarted},
		{name: "min spend", req: request("SAVE10", "19.99"), want: promotion.ErrMinimumSpend},
		{name: "usage cap before stackability", req: request("ONCE", "10", "OTHER"), want: promotion.ErrUsageLimitReached},
		{name: "not stackable", req: request("SAVE10", "50", "FIVEOFF"), want: promotion.ErrNotStackable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := calc.Evaluate(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	_, err = calc.Evaluate(context.Background(), request("FIVEOFF", "50", "SAVE10"))
	require.NoError(t, err, "stackable promotion combines with others")
}

func TestRedeem_CapIsAtomic(t *testing.T) {
	calc := newCalculator(t, promotion.NewMemoryUsageStore())

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := calc.Redeem(context.Background(), request("ONCE", "10")); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
}

func TestRelease_ReturnsUsage(t *testing.T) {
	calc := newCalculator(t, nil)

	_, err := calc.Redeem(context.Background(), request("ONCE", "10"))
	require.NoError(t, err)
	_, err = calc.Redeem(context.Background(), request("ONCE", "10"))
	require.ErrorIs(t, err, promotion.ErrUsageLimitReached)

	require.NoError(t, calc.Release(context.Background(), "once"))
	_, err = calc.Redeem(context.Background(), request("ONCE", "10"))
	require.NoError(t, err)

	require.NoError(t, calc.Release(context.Background(), "UNKNOWN"))
}

func TestNewCalculator_RejectsBadConfig(t *testing.T) {
	_, err := promotion.NewCalculator([]promotion.Config{{Code: "X", Type: "bogus", Value: "1"}}, nil)
	require.Error(t, err)

	_, err = promotion.NewCalculator([]promotion.Config{{Code: "X", Type: promotion.DiscountPercentage, Value: "150"}}, nil)
	require.Error(t, err)

	_, err = promotion.NewCalculator([]promotion.Config{
		{Code: "X", Type: promotion.DiscountFixed, Value: "1"},
		{Code: "x", Type: promotion.DiscountFixed, Value: "2"},
	}, nil)
	require.Error(t, err)
}

func TestRedisUsageStore(t *testing.T) {
	addr := os.Getenv("OMS_REDIS_ADDR")
	if addr == "" {
		t.Skip("OMS_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	store := promotion.NewRedisUsageStore(client, "test:"+uuid.NewString()+":")
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "ONCE", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Reserve(ctx, "ONCE", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Reserve(ctx, "ONCE", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := store.Count(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, store.Release(ctx, "ONCE"))
	require.NoError(t, store.Release(ctx, "ONCE"))
	require.NoError(t, store.Release(ctx, "ONCE"))
	count, err = store.Count(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = store.Count(ctx, "MISSING")
	require.NoError(t, err)
	assert.Zero(t, count)
}
