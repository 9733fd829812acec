package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

// queryer покрывает общую часть *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// orderDetails хранит в JSONB редко читаемые части заказа.
type orderDetails struct {
	ShippingAddress *domain.Address       `json:"shipping_address,omitempty"`
	Reservation     *domain.Reservation   `json:"reservation,omitempty"`
	PaidAt          *time.Time            `json:"paid_at,omitempty"`
	Shipment        *domain.Shipment      `json:"shipment,omitempty"`
	Delivery        *domain.Delivery      `json:"delivery,omitempty"`
	Cancellation    *domain.Cancellation  `json:"cancellation,omitempty"`
	PendingRefund   *domain.RefundRequest `json:"pending_refund,omitempty"`
	Refunds         []domain.Refund       `json:"refunds,omitempty"`
}

const orderColumns = `
	id, tenant_id, order_number, customer_id, guest_email, status, currency,
	subtotal, shipping_total, tax_total, discount_total, grand_total, refunded_total,
	shipping_method, promotion_code, core_payment_id, details, version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
// Заказ, позиции и события outbox пишутся одной транзакцией.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(order domain.Order, events []domain.Event) error {
	msgs, err := domain.EventsToOutbox(events)
	if err != nil {
		return err
	}
	details, err := marshalDetails(order)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return inTx(ctx, r.db, "create order", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`, reservation_status, reservation_expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		`,
			order.ID, order.TenantID, order.OrderNumber, order.CustomerID, order.GuestEmail,
			string(order.Status), order.Currency,
			order.Subtotal, order.ShippingTotal, order.TaxTotal, order.DiscountTotal, order.GrandTotal, order.RefundedTotal,
			order.ShippingMethod, order.PromotionCode, order.CorePaymentID, details,
			order.Version, order.CreatedAt, order.UpdatedAt,
			reservationStatus(order), reservationExpiresAt(order),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		if err := insertItems(ctx, tx, order); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, msgs)
	})
}

func (r *orderRepository) Get(id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	if err := r.attachItems(ctx, []*domain.Order{&order}); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) ListByCustomer(tenantID, customerID string, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE tenant_id = $1 AND customer_id = $2
		ORDER BY created_at DESC, id DESC`
	args := []any{tenantID, customerID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return r.list(query, args...)
}

func (r *orderRepository) ListExpiredReservations(before time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1 AND reservation_status = $2 AND reservation_expires_at < $3
		ORDER BY reservation_expires_at ASC, id ASC`
	args := []any{string(domain.OrderStatusPlaced), string(domain.ReservationStatusHeld), before}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}
	return r.list(query, args...)
}

func (r *orderRepository) Save(order domain.Order, events []domain.Event) error {
	msgs, err := domain.EventsToOutbox(events)
	if err != nil {
		return err
	}
	details, err := marshalDetails(order)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return inTx(ctx, r.db, "save order", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    subtotal = $2,
			    shipping_total = $3,
			    tax_total = $4,
			    discount_total = $5,
			    grand_total = $6,
			    refunded_total = $7,
			    core_payment_id = $8,
			    reservation_status = $9,
			    reservation_expires_at = $10,
			    details = $11,
			    version = version + 1,
			    updated_at = $12
			WHERE id = $13
			  AND version = $14
		`,
			string(order.Status),
			order.Subtotal, order.ShippingTotal, order.TaxTotal, order.DiscountTotal, order.GrandTotal, order.RefundedTotal,
			order.CorePaymentID,
			reservationStatus(order), reservationExpiresAt(order),
			details,
			order.UpdatedAt,
			order.ID,
			order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExists(ctx, tx, order.ID)
			switch {
			case err != nil:
				return err
			case !exists:
				return domain.ErrOrderNotFound
			default:
				return domain.ErrOrderVersionConflict
			}
		}

		if err := updateItemRefunds(ctx, tx, order); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, msgs)
	})
}

func (r *orderRepository) list(query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	ptrs := make([]*domain.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := r.attachItems(ctx, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems загружает позиции для всех заказов одним запросом.
func (r *orderRepository) attachItems(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	byID := make(map[string]*domain.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, id, product_id, variant_id, product_name, unit_price, quantity,
		       line_total, weight_grams, returned_quantity, refunded_amount
		FROM order_items
		WHERE order_id = ANY($1::text[])
		ORDER BY order_id, position
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
		)
		if err := rows.Scan(
			&orderID, &item.ID, &item.ProductID, &item.VariantID, &item.ProductName,
			&item.UnitPrice, &item.Quantity, &item.LineTotal, &item.WeightGrams,
			&item.ReturnedQuantity, &item.RefundedAmount,
		); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order   domain.Order
		status  string
		details []byte
	)
	if err := row.Scan(
		&order.ID, &order.TenantID, &order.OrderNumber, &order.CustomerID, &order.GuestEmail,
		&status, &order.Currency,
		&order.Subtotal, &order.ShippingTotal, &order.TaxTotal, &order.DiscountTotal, &order.GrandTotal, &order.RefundedTotal,
		&order.ShippingMethod, &order.PromotionCode, &order.CorePaymentID, &details,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)

	if len(details) > 0 {
		var d orderDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s details: %w", order.ID, err)
		}
		order.ShippingAddress = d.ShippingAddress
		order.Reservation = d.Reservation
		order.PaidAt = d.PaidAt
		order.Shipment = d.Shipment
		order.Delivery = d.Delivery
		order.Cancellation = d.Cancellation
		order.PendingRefund = d.PendingRefund
		order.Refunds = d.Refunds
	}
	return order, nil
}

func marshalDetails(order domain.Order) ([]byte, error) {
	body, err := json.Marshal(orderDetails{
		ShippingAddress: order.ShippingAddress,
		Reservation:     order.Reservation,
		PaidAt:          order.PaidAt,
		Shipment:        order.Shipment,
		Delivery:        order.Delivery,
		Cancellation:    order.Cancellation,
		PendingRefund:   order.PendingRefund,
		Refunds:         order.Refunds,
	})
	if err != nil {
		return nil, fmt.Errorf("encode order %s details: %w", order.ID, err)
	}
	return body, nil
}

// insertItems вставляет все позиции одним запросом через unnest.
func insertItems(ctx context.Context, q queryer, order domain.Order) error {
	if len(order.Items) == 0 {
		return nil
	}

	n := len(order.Items)
	var (
		ids, products, variants, names = make([]string, n), make([]string, n), make([]string, n), make([]string, n)
		prices, totals, refunded       = make([]string, n), make([]string, n), make([]string, n)
		positions, quantities          = make([]int64, n), make([]int64, n)
		weights, returned              = make([]int64, n), make([]int64, n)
	)
	for i, item := range order.Items {
		ids[i] = item.ID
		positions[i] = int64(i)
		products[i] = item.ProductID
		variants[i] = item.VariantID
		names[i] = item.ProductName
		prices[i] = item.UnitPrice.String()
		quantities[i] = int64(item.Quantity)
		totals[i] = item.LineTotal.String()
		weights[i] = item.WeightGrams
		returned[i] = int64(item.ReturnedQuantity)
		refunded[i] = item.RefundedAmount.String()
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO order_items (
			id, order_id, position, product_id, variant_id, product_name,
			unit_price, quantity, line_total, weight_grams, returned_quantity, refunded_amount
		)
		SELECT u.id, $1, u.position, u.product_id, u.variant_id, u.product_name,
		       u.unit_price, u.quantity, u.line_total, u.weight_grams, u.returned_quantity, u.refunded_amount
		FROM unnest(
			$2::text[], $3::int[], $4::text[], $5::text[], $6::text[],
			$7::numeric[], $8::int[], $9::numeric[], $10::bigint[], $11::int[], $12::numeric[]
		) AS u(id, position, product_id, variant_id, product_name,
		       unit_price, quantity, line_total, weight_grams, returned_quantity, refunded_amount)
	`,
		order.ID,
		pq.Array(ids), pq.Array(positions), pq.Array(products), pq.Array(variants), pq.Array(names),
		pq.Array(prices), pq.Array(quantities), pq.Array(totals), pq.Array(weights), pq.Array(returned), pq.Array(refunded),
	); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return nil
}

// updateItemRefunds переносит изменяемые поля позиций: возвращённое количество и сумму.
func updateItemRefunds(ctx context.Context, q queryer, order domain.Order) error {
	if len(order.Items) == 0 {
		return nil
	}

	n := len(order.Items)
	ids, returned, refunded := make([]string, n), make([]int64, n), make([]string, n)
	for i, item := range order.Items {
		ids[i] = item.ID
		returned[i] = int64(item.ReturnedQuantity)
		refunded[i] = item.RefundedAmount.String()
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE order_items AS oi
		SET returned_quantity = u.returned_quantity,
		    refunded_amount = u.refunded_amount
		FROM unnest($2::text[], $3::int[], $4::numeric[]) AS u(id, returned_quantity, refunded_amount)
		WHERE oi.order_id = $1
		  AND oi.id = u.id
		  AND (oi.returned_quantity, oi.refunded_amount) IS DISTINCT FROM (u.returned_quantity, u.refunded_amount)
	`, order.ID, pq.Array(ids), pq.Array(returned), pq.Array(refunded)); err != nil {
		return fmt.Errorf("update order items: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, q queryer, msgs []domain.OutboxMessage) error {
	for _, msg := range msgs {
		if _, err := enqueueOutbox(ctx, q, msg); err != nil {
			return err
		}
	}
	return nil
}

func orderExists(ctx context.Context, q queryer, orderID string) (bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func reservationStatus(order domain.Order) string {
	if order.Reservation == nil {
		return ""
	}
	return string(order.Reservation.Status)
}

func reservationExpiresAt(order domain.Order) sql.NullTime {
	if order.Reservation == nil || order.Reservation.ExpiresAt.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: order.Reservation.ExpiresAt, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
