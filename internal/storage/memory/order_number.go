package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// OrderNumberGenerator выдаёт последовательные номера <PREFIX>-000001 отдельно для каждого арендатора.
type OrderNumberGenerator struct {
	mu       sync.Mutex
	prefix   string
	counters map[string]int64
}

// NewOrderNumberGenerator создаёт генератор. Пустой prefix заменяется на ORD.
func NewOrderNumberGenerator(prefix string) *OrderNumberGenerator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "ORD"
	}
	return &OrderNumberGenerator{prefix: prefix, counters: make(map[string]int64)}
}

// Next возвращает следующий номер арендатора.
func (g *OrderNumberGenerator) Next(tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", domain.ErrTenantRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.counters[tenantID]++
	return fmt.Sprintf("%s-%06d", g.prefix, g.counters[tenantID]), nil
}

var _ domain.OrderNumberGenerator = (*OrderNumberGenerator)(nil)
