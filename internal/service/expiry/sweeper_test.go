package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/engine"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/inventory"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sweepFixture struct {
	clk    *clock
	orders *memory.OrderRepository
	svc    *lifecycle.Service
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	clk := &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	inv := inventory.NewMockService(inventory.WithTTL(15*time.Minute), inventory.WithMockClock(clk.Now))
	inv.SetStock("p-1", "", 10, false)

	orders := memory.NewOrderRepository(nil)
	pricer, err := pricing.NewPricer(pricing.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	svc, err := lifecycle.New(lifecycle.Dependencies{
		Orders:    orders,
		Timeline:  memory.NewTimelineRepository(),
		Numbers:   memory.NewOrderNumberGenerator("ACME"),
		Inventory: inv,
		Pricer:    pricer,
	}, lifecycle.WithClock(clk.Now))
	require.NoError(t, err)

	return &sweepFixture{clk: clk, orders: orders, svc: svc}
}

func (f *sweepFixture) placed(t *testing.T) domain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := f.svc.Create(ctx, lifecycle.CreateOrderInput{
		TenantID:        "tenant-1",
		GuestEmail:      "guest@example.com",
		Currency:        "USD",
		Items:           []domain.OrderItem{{ProductID: "p-1", UnitPrice: decimal.RequireFromString("4.00"), Quantity: 1}},
		ShippingAddress: &domain.Address{Country: "US"},
		ShippingMethod:  "standard",
	})
	require.NoError(t, err)
	order, err = f.svc.Execute(ctx, order.ID, engine.Place{})
	require.NoError(t, err)
	return order
}

func TestSweeper_CancelsExpiredPlacedOrders(t *testing.T) {
	f := newSweepFixture(t)
	clk, orders, svc := f.clk, f.orders, f.svc
	ctx := context.Background()

	stale := f.placed(t)
	paid := f.placed(t)
	_, err := svc.Execute(ctx, paid.ID, engine.MarkPaid{CorePaymentID: "pay_1"})
	require.NoError(t, err)

	sweeper := NewSweeper(orders, svc, WithGrace(5*time.Minute), WithClock(clk.Now))

	clk.Advance(16 * time.Minute)
	cancelled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, cancelled, "grace period not over yet")

	clk.Advance(5 * time.Minute)
	cancelled, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	got, err := svc.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	require.NotNil(t, got.Cancellation)
	assert.Equal(t, domain.ActorSystem, got.Cancellation.Actor)
	assert.Equal(t, ReasonReservationExpired, got.Cancellation.Reason)

	got, err = svc.Get(paid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
}

// payingLister отдаёт список, а затем оплачивает заказы, как если бы webhook Core пришёл между выборкой и отменой.
type payingLister struct {
	ExpiredLister
	svc *lifecycle.Service
}

func (p *payingLister) ListExpiredReservations(before time.Time, limit int) ([]domain.Order, error) {
	orders, err := p.ExpiredLister.ListExpiredReservations(before, limit)
	if err != nil {
		return nil, err
	}
	for _, order := range orders {
		if _, err := p.svc.Execute(context.Background(), order.ID, engine.MarkPaid{CorePaymentID: "pay_" + order.ID}); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func TestSweeper_SkipsOrderPaidAfterListing(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	order := f.placed(t)

	f.clk.Advance(21 * time.Minute)
	lister := &payingLister{ExpiredLister: f.orders, svc: f.svc}

	cancelled, err := NewSweeper(lister, f.svc, WithGrace(5*time.Minute), WithClock(f.clk.Now)).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, cancelled)

	got, err := f.svc.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
	assert.Nil(t, got.Cancellation)
	require.NotNil(t, got.Reservation)
	assert.Equal(t, domain.ReservationStatusCommitted, got.Reservation.Status)
	require.Empty(t, got.ValidateInvariants())
}

type stubLister struct {
	batches [][]domain.Order
	calls   int
	err     error
}

func (s *stubLister) ListExpiredReservations(time.Time, int) ([]domain.Order, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

type stubExecutor struct {
	errs map[string]error
	seen []string
}

func (s *stubExecutor) Execute(_ context.Context, orderID string, cmd engine.Command) (domain.Order, error) {
	s.seen = append(s.seen, orderID)
	if c, ok := cmd.(engine.Cancel); !ok || c.Actor != domain.ActorSystem || !c.ExpiredReservationOnly {
		return domain.Order{}, errors.New("unexpected command")
	}
	return domain.Order{ID: orderID}, s.errs[orderID]
}

func TestSweeper_Batches(t *testing.T) {
	lister := &stubLister{batches: [][]domain.Order{
		{{ID: "a"}, {ID: "b"}},
		{{ID: "c"}},
	}}
	exec := &stubExecutor{}

	cancelled, err := NewSweeper(lister, exec, WithBatchSize(2)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)
	assert.Equal(t, 2, lister.calls)
	assert.Equal(t, []string{"a", "b", "c"}, exec.seen)
}

func TestSweeper_StopsWhenBatchNotFullyCancelled(t *testing.T) {
	lister := &stubLister{batches: [][]domain.Order{
		{{ID: "a"}, {ID: "b"}},
		{{ID: "c"}, {ID: "d"}},
	}}
	exec := &stubExecutor{errs: map[string]error{
		"a": engine.ErrNotExpired,
	}}

	cancelled, err := NewSweeper(lister, exec, WithBatchSize(2)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, lister.calls)
}

func TestSweeper_ListError(t *testing.T) {
	lister := &stubLister{err: errors.New("db down")}

	_, err := NewSweeper(lister, &stubExecutor{}).Sweep(context.Background())
	require.Error(t, err)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		NewSweeper(&stubLister{}, &stubExecutor{}, WithInterval(10*time.Millisecond)).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
