package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

type orderNumberGenerator struct {
	db     *sql.DB
	prefix string
}

// NewOrderNumberGenerator выдаёт номера <PREFIX>-000001 из счётчика арендатора в order_number_counters.
func NewOrderNumberGenerator(store *Store, prefix string) domain.OrderNumberGenerator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "ORD"
	}
	return &orderNumberGenerator{db: store.DB(), prefix: prefix}
}

func (g *orderNumberGenerator) Next(tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", domain.ErrTenantRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var value int64
	if err := g.db.QueryRowContext(ctx, `
		INSERT INTO order_number_counters (tenant_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE
		SET last_value = order_number_counters.last_value + 1
		RETURNING last_value
	`, tenantID).Scan(&value); err != nil {
		return "", fmt.Errorf("next order number for tenant %s: %w", tenantID, err)
	}
	return fmt.Sprintf("%s-%06d", g.prefix, value), nil
}

var _ domain.OrderNumberGenerator = (*orderNumberGenerator)(nil)
