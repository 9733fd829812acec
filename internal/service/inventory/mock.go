package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// DefaultReservationTTL задаёт время удержания стока по умолчанию.
const DefaultReservationTTL = 15 * time.Minute

type stockKey struct {
	productID string
	variantID string
}

type stockEntry struct {
	onHand    int32
	backorder bool
}

type mockReservation struct {
	id        string
	orderID   string
	lines     []domain.ReservationLine
	expiresAt time.Time
	released  bool
}

// MockService представляет in-memory склад для локальной разработки и тестов.
// Резерв атомарен по всей пачке, повторный Reserve того же заказа возвращает активный резерв.
type MockService struct {
	mu           sync.Mutex
	stock        map[stockKey]stockEntry
	reservations map[string]*mockReservation
	byOrder      map[string]string
	ttl          time.Duration
	lowStock     int32
	now          func() time.Time

	// Ошибки для сценариев отказа Core.
	ReserveErr error
	ReleaseErr error

	ReserveCalls int
	ReserveKeys  []string
	ReleaseCalls int
}

// MockOption настраивает MockService.
type MockOption func(*MockService)

// WithTTL задаёт время жизни резерва.
func WithTTL(ttl time.Duration) MockOption {
	return func(m *MockService) {
		m.ttl = ttl
	}
}

// WithLowStockThreshold задаёт порог LOW_STOCK.
func WithLowStockThreshold(n int32) MockOption {
	return func(m *MockService) {
		m.lowStock = n
	}
}

// WithMockClock подменяет источник времени.
func WithMockClock(now func() time.Time) MockOption {
	return func(m *MockService) {
		m.now = now
	}
}

// NewMockService возвращает пустой склад.
func NewMockService(opts ...MockOption) *MockService {
	m := &MockService{
		stock:        make(map[stockKey]stockEntry),
		reservations: make(map[string]*mockReservation),
		byOrder:      make(map[string]string),
		ttl:          DefaultReservationTTL,
		lowStock:     5,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetStock задаёт остаток товара. backorder разрешает продажу сверх остатка.
func (m *MockService) SetStock(productID, variantID string, onHand int32, backorder bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[stockKey{productID, variantID}] = stockEntry{onHand: onHand, backorder: backorder}
}

// CheckAvailability считает доступный остаток с учётом активных резервов.
func (m *MockService) CheckAvailability(_ context.Context, lines []domain.ReservationLine) ([]domain.AvailabilityResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.evaluate(lines, m.now()), nil
}

// Reserve возвращает настроенную ошибку или удерживает всю пачку.
func (m *MockService) Reserve(_ context.Context, orderID, idempotencyKey string, lines []domain.ReservationLine) (domain.ReservationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReserveCalls++
	m.ReserveKeys = append(m.ReserveKeys, idempotencyKey)
	if m.ReserveErr != nil {
		return domain.ReservationResult{}, m.ReserveErr
	}

	now := m.now()
	if id, ok := m.byOrder[orderID]; ok {
		if res := m.reservations[id]; res != nil && !res.released && now.Before(res.expiresAt) {
			return domain.ReservationResult{Success: true, ReservationID: res.id, ExpiresAt: res.expiresAt}, nil
		}
	}

	results := m.evaluate(lines, now)
	for _, r := range results {
		if !r.CanPurchase {
			return domain.ReservationResult{Success: false, Lines: results}, nil
		}
	}

	res := &mockReservation{
		id:        uuid.NewString(),
		orderID:   orderID,
		lines:     append([]domain.ReservationLine(nil), lines...),
		expiresAt: now.Add(m.ttl),
	}
	m.reservations[res.id] = res
	m.byOrder[orderID] = res.id

	return domain.ReservationResult{Success: true, ReservationID: res.id, ExpiresAt: res.expiresAt, Lines: results}, nil
}

// Release снимает резерв; неизвестный, снятый и истёкший резерв не считается ошибкой.
func (m *MockService) Release(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReleaseCalls++
	if m.ReleaseErr != nil {
		return m.ReleaseErr
	}
	if res, ok := m.reservations[reservationID]; ok {
		res.released = true
	}
	return nil
}

// ActiveReservations возвращает число активных резервов заказа (для тестов).
func (m *MockService) ActiveReservations(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, res := range m.reservations {
		if res.orderID == orderID && !res.released && now.Before(res.expiresAt) {
			count++
		}
	}
	return count
}

func (m *MockService) evaluate(lines []domain.ReservationLine, now time.Time) []domain.AvailabilityResult {
	held := make(map[stockKey]int32)
	for _, res := range m.reservations {
		if res.released || !now.Before(res.expiresAt) {
			continue
		}
		for _, l := range res.lines {
			held[stockKey{l.ProductID, l.VariantID}] += l.Quantity
		}
	}

	requested := make(map[stockKey]int32, len(lines))
	for _, l := range lines {
		requested[stockKey{l.ProductID, l.VariantID}] += l.Quantity
	}

	out := make([]domain.AvailabilityResult, 0, len(lines))
	for _, l := range lines {
		key := stockKey{l.ProductID, l.VariantID}
		entry := m.stock[key]
		available := entry.onHand - held[key]
		if available < 0 {
			available = 0
		}

		r := domain.AvailabilityResult{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Requested: l.Quantity,
			Available: available,
		}
		switch {
		case available >= requested[key] && available <= m.lowStock:
			r.Status = domain.StockStatusLowStock
			r.CanPurchase = true
		case available >= requested[key]:
			r.Status = domain.StockStatusInStock
			r.CanPurchase = true
		case entry.backorder:
			r.Status = domain.StockStatusBackorder
			r.CanPurchase = true
		default:
			r.Status = domain.StockStatusOutOfStock
		}
		out = append(out, r)
	}
	return out
}

var _ domain.InventoryService = (*MockService)(nil)
