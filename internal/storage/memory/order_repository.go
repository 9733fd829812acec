package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// OrderRepository хранит заказы в памяти. События заказа пишутся в outbox под той же блокировкой.
type OrderRepository struct {
	mu      sync.RWMutex
	items   map[string]domain.Order
	numbers map[string]string // tenant/number -> order id
	outbox  domain.OutboxRepository
}

// NewOrderRepository возвращает in-memory репозиторий. Если outbox nil, создаётся собственный.
func NewOrderRepository(outbox domain.OutboxRepository) *OrderRepository {
	if outbox == nil {
		outbox = NewOutboxRepository()
	}
	return &OrderRepository{
		items:   make(map[string]domain.Order),
		numbers: make(map[string]string),
		outbox:  outbox,
	}
}

// Outbox возвращает outbox, в который пишутся события.
func (r *OrderRepository) Outbox() domain.OutboxRepository {
	return r.outbox
}

// Create сохраняет новый заказ, если ID и номер ещё не заняты.
func (r *OrderRepository) Create(order domain.Order, events []domain.Event) error {
	msgs, err := domain.EventsToOutbox(events)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	numberKey := order.TenantID + "/" + order.OrderNumber
	if order.OrderNumber != "" {
		if _, taken := r.numbers[numberKey]; taken {
			return domain.ErrOrderAlreadyExists
		}
	}

	if err := r.enqueue(msgs); err != nil {
		return err
	}
	r.items[order.ID] = order.Clone()
	if order.OrderNumber != "" {
		r.numbers[numberKey] = order.ID
	}
	return nil
}

// Get возвращает копию заказа или ErrOrderNotFound.
func (r *OrderRepository) Get(id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListByCustomer возвращает заказы клиента арендатора, ограничивая выборку limit (если >0).
func (r *OrderRepository) ListByCustomer(tenantID, customerID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.TenantID != tenantID || order.CustomerID != customerID {
			continue
		}
		result = append(result, order.Clone())
	}
	sortNewestFirst(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListExpiredReservations возвращает PLACED-заказы, резерв которых истёк до before.
func (r *OrderRepository) ListExpiredReservations(before time.Time, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.Status != domain.OrderStatusPlaced || order.Reservation == nil {
			continue
		}
		if order.Reservation.Status != domain.ReservationStatusHeld || !order.Reservation.ExpiresAt.Before(before) {
			continue
		}
		result = append(result, order.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Reservation.ExpiresAt.Before(result[j].Reservation.ExpiresAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *OrderRepository) Save(order domain.Order, events []domain.Event) error {
	msgs, err := domain.EventsToOutbox(events)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}

	if err := r.enqueue(msgs); err != nil {
		return err
	}
	order.Version++
	r.items[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) enqueue(msgs []domain.OutboxMessage) error {
	for _, msg := range msgs {
		if _, err := r.outbox.Enqueue(msg); err != nil {
			return fmt.Errorf("enqueue outbox %s: %w", msg.EventType, err)
		}
	}
	return nil
}

func sortNewestFirst(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
