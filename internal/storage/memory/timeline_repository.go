package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

type timelineRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory историю заказов.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{events: make(map[string][]domain.TimelineEvent)}
}

// Append добавляет запись. Повтор того же события той же версии заказа игнорируется.
func (r *timelineRepositoryInMemory) Append(event domain.TimelineEvent) error {
	if event.OrderID == "" {
		return domain.ErrOrderIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Version > 0 {
		for _, existing := range r.events[event.OrderID] {
			if existing.Version == event.Version && existing.Type == event.Type {
				return nil
			}
		}
	}

	list := append(r.events[event.OrderID], event)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Occurred.Equal(list[j].Occurred) {
			return list[i].Version < list[j].Version
		}
		return list[i].Occurred.Before(list[j].Occurred)
	})
	r.events[event.OrderID] = list
	return nil
}

// List возвращает записи заказа в хронологическом порядке.
func (r *timelineRepositoryInMemory) List(orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[orderID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
