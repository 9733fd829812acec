// Package engine реализует конечный автомат заказа.
// Engine не хранит состояние: получает снимок заказа и возвращает новый снимок и события.
// Вызывающий код обязан сериализовать переходы одного заказа.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// ErrNotExpired возвращается отменой с ExpiredReservationOnly, если заказ уже не ждёт оплаты
// или его резерв ещё действует.
var ErrNotExpired = errors.New("order reservation is not expired")

// Transition описывает результат успешной операции.
type Transition struct {
	Order  domain.Order
	Events []domain.Event
	// Replayed: повтор уже применённого подтверждения; событий нет.
	Replayed bool
}

// Engine применяет команды к заказам.
type Engine struct {
	inventory domain.InventoryService
	logger    *log.Entry
	now       func() time.Time
}

// Option настраивает Engine.
type Option func(*Engine)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New создаёт Engine поверх склада Core.
func New(inventory domain.InventoryService, opts ...Option) *Engine {
	e := &Engine{
		inventory: inventory,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.WithField("component", "order-engine")
	}
	return e
}

// NewOrder содержит вход операции create. Суммы доставки, налога и скидки уже рассчитаны.
type NewOrder struct {
	ID              string
	OrderNumber     string
	TenantID        string
	CustomerID      string
	GuestEmail      string
	Currency        string
	Items           []domain.OrderItem
	ShippingAddress *domain.Address
	ShippingMethod  string
	ShippingTotal   decimal.Decimal
	TaxTotal        decimal.Decimal
	DiscountTotal   decimal.Decimal
	PromotionCode   string
}

// Create собирает заказ в DRAFT и замораживает финансовый снимок.
func (e *Engine) Create(in NewOrder) (Transition, error) {
	if err := ValidateNewOrder(in); err != nil {
		return Transition{}, err
	}

	now := e.now().UTC()
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	order := domain.Order{
		ID:              id,
		OrderNumber:     in.OrderNumber,
		TenantID:        in.TenantID,
		CustomerID:      in.CustomerID,
		GuestEmail:      strings.ToLower(strings.TrimSpace(in.GuestEmail)),
		Status:          domain.OrderStatusDraft,
		Currency:        strings.ToUpper(in.Currency),
		ShippingAddress: in.ShippingAddress,
		ShippingMethod:  in.ShippingMethod,
		ShippingTotal:   in.ShippingTotal,
		TaxTotal:        in.TaxTotal,
		DiscountTotal:   in.DiscountTotal,
		PromotionCode:   in.PromotionCode,
		RefundedTotal:   decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.Items = make([]domain.OrderItem, 0, len(in.Items))
	for _, item := range in.Items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.ReturnedQuantity = 0
		item.RefundedAmount = decimal.Zero
		order.Items = append(order.Items, item)
	}
	order.Recalculate()

	event := domain.NewEvent(domain.EventOrderCreated, order, map[string]any{
		"customer_id":    order.CustomerID,
		"guest_email":    order.GuestEmail,
		"currency":       order.Currency,
		"item_count":     len(order.Items),
		"subtotal":       money(order.Subtotal, order.Currency),
		"shipping_total": money(order.ShippingTotal, order.Currency),
		"tax_total":      money(order.TaxTotal, order.Currency),
		"discount_total": money(order.DiscountTotal, order.Currency),
		"grand_total":    money(order.GrandTotal, order.Currency),
		"promotion_code": order.PromotionCode,
	}, now)

	return Transition{Order: order, Events: []domain.Event{event}}, nil
}

// Apply применяет команду к снимку заказа. Исходный снимок не меняется.
// При ошибке заказ остаётся прежним, событий нет.
func (e *Engine) Apply(ctx context.Context, order domain.Order, cmd Command) (Transition, error) {
	if cmd == nil {
		return Transition{}, domain.NewValidationError("command", "is required")
	}

	// Повторное подтверждение от Core проверяется раньше статуса: заказ уже ушёл дальше.
	switch c := cmd.(type) {
	case MarkPaid:
		if order.HasPayment(c.CorePaymentID) {
			return Transition{Order: order, Replayed: true}, nil
		}
	case MarkRefunded:
		if order.HasRefund(c.CoreRefundID) {
			return Transition{Order: order, Replayed: true}, nil
		}
	}

	if !CanTransition(order.Status, cmd.Operation()) {
		return Transition{}, transitionError(cmd.Operation(), order.Status)
	}
	if err := cmd.validate(); err != nil {
		return Transition{}, err
	}

	next := order.Clone()
	now := e.now().UTC()

	var (
		event domain.Event
		err   error
	)
	switch c := cmd.(type) {
	case Place:
		event, err = e.place(ctx, &next, now)
	case MarkPaid:
		event, err = e.markPaid(ctx, &next, c, now)
	case StartProcessing:
		event = statusChanged(&next, domain.OrderStatusProcessing, now)
	case MarkShipped:
		event = markShipped(&next, c, now)
	case MarkDelivered:
		event = markDelivered(&next, c, now)
	case MarkFulfilled:
		event = statusChanged(&next, domain.OrderStatusFulfilled, now)
	case Cancel:
		event, err = e.cancel(ctx, &next, c, now)
	case RequestRefund:
		event, err = requestRefund(&next, c, now)
	case MarkRefunded:
		event, err = markRefunded(&next, c, now)
	default:
		return Transition{}, domain.NewValidationError("command", fmt.Sprintf("unsupported command %T", cmd))
	}
	if err != nil {
		return Transition{}, err
	}

	next.UpdatedAt = now
	e.logger.WithFields(log.Fields{
		"order_id":  next.ID,
		"operation": cmd.Operation(),
		"from":      order.Status,
		"to":        next.Status,
	}).Debug("order transition applied")

	return Transition{Order: next, Events: []domain.Event{event}}, nil
}

func (e *Engine) place(ctx context.Context, o *domain.Order, now time.Time) (domain.Event, error) {
	if len(o.Items) == 0 {
		return domain.Event{}, domain.NewValidationError("items", "at least one item is required")
	}
	if o.ShippingAddress == nil {
		return domain.Event{}, domain.NewValidationError("shipping_address", "is required before placement")
	}
	if strings.TrimSpace(o.ShippingMethod) == "" {
		return domain.Event{}, domain.NewValidationError("shipping_method", "is required before placement")
	}

	reservation, err := e.reserve(ctx, o, placeKey(o.ID), now)
	if err != nil {
		return domain.Event{}, err
	}

	o.Reservation = reservation
	o.Status = domain.OrderStatusPlaced

	return domain.NewEvent(domain.EventOrderPlaced, *o, map[string]any{
		"reservation_id":         reservation.ID,
		"reservation_expires_at": reservation.ExpiresAt,
		"grand_total":            money(o.GrandTotal, o.Currency),
		"currency":               o.Currency,
		"customer_id":            o.CustomerID,
		"guest_email":            o.GuestEmail,
	}, now), nil
}

func (e *Engine) markPaid(ctx context.Context, o *domain.Order, c MarkPaid, now time.Time) (domain.Event, error) {
	if o.Reservation == nil || !o.Reservation.Active(now) {
		stale := o.Reservation
		renewed, err := e.reserve(ctx, o, renewalKey(o.ID, stale), now)
		if err != nil {
			var unavailable *domain.InventoryUnavailableError
			if errors.As(err, &unavailable) {
				expired := &domain.ReservationExpiredError{Lines: unavailable.Lines}
				if stale != nil {
					expired.ReservationID = stale.ID
					expired.ExpiredAt = stale.ExpiresAt
				}
				return domain.Event{}, expired
			}
			return domain.Event{}, err
		}
		if !renewed.Active(now) {
			e.logger.WithFields(log.Fields{
				"order_id":       o.ID,
				"reservation_id": renewed.ID,
				"expires_at":     renewed.ExpiresAt,
			}).Warn("inventory returned an inactive reservation on renewal")
			return domain.Event{}, &domain.ReservationExpiredError{ReservationID: renewed.ID, ExpiredAt: renewed.ExpiresAt}
		}
		e.logger.WithFields(log.Fields{
			"order_id":           o.ID,
			"new_reservation_id": renewed.ID,
		}).Info("expired reservation renewed on payment")
		o.Reservation = renewed
	}

	o.Reservation.Status = domain.ReservationStatusCommitted
	o.Reservation.UpdatedAt = now
	o.CorePaymentID = c.CorePaymentID
	paidAt := now
	o.PaidAt = &paidAt
	o.Status = domain.OrderStatusPaid

	return domain.NewEvent(domain.EventOrderPaid, *o, map[string]any{
		"core_payment_id": c.CorePaymentID,
		"grand_total":     money(o.GrandTotal, o.Currency),
		"currency":        o.Currency,
	}, now), nil
}

func (e *Engine) cancel(ctx context.Context, o *domain.Order, c Cancel, now time.Time) (domain.Event, error) {
	if c.ExpiredReservationOnly && (o.Status != domain.OrderStatusPlaced || !o.Reservation.Expired(now)) {
		return domain.Event{}, fmt.Errorf("cancel order %s in %s: %w", o.ID, o.Status, ErrNotExpired)
	}

	previous := o.Status
	released := false

	if o.Reservation != nil && o.Reservation.Status != domain.ReservationStatusReleased {
		if e.inventory == nil {
			return domain.Event{}, inventoryNotConfigured("release")
		}
		if err := e.inventory.Release(ctx, o.Reservation.ID); err != nil {
			return domain.Event{}, asExternal(err, "release", true)
		}
		o.Reservation.Status = domain.ReservationStatusReleased
		o.Reservation.UpdatedAt = now
		released = true
	}

	o.Cancellation = &domain.Cancellation{
		Reason:      c.Reason,
		Actor:       c.Actor,
		ActorUserID: c.ActorUserID,
		CancelledAt: now,
	}
	o.Status = domain.OrderStatusCancelled

	return domain.NewEvent(domain.EventOrderCancelled, *o, map[string]any{
		"reason":               c.Reason,
		"actor":                c.Actor,
		"actor_user_id":        c.ActorUserID,
		"previous_status":      previous,
		"reservation_released": released,
	}, now), nil
}

// placeKey и renewalKey задают ключ идемпотентности резерва в Core.
// Продление получает ключ от заменяемого резерва, иначе Core вернёт сохранённый ответ с истёкшим удержанием.
func placeKey(orderID string) string {
	return "reserve:" + orderID
}

func renewalKey(orderID string, stale *domain.Reservation) string {
	if stale == nil || stale.ID == "" {
		return placeKey(orderID) + ":renew"
	}
	return placeKey(orderID) + ":renew:" + stale.ID
}

// reserve выполняет один пакетный вызов склада.
func (e *Engine) reserve(ctx context.Context, o *domain.Order, key string, now time.Time) (*domain.Reservation, error) {
	if e.inventory == nil {
		return nil, inventoryNotConfigured("reserve")
	}

	result, err := e.inventory.Reserve(ctx, o.ID, key, o.ReservationLines())
	if err != nil {
		var unavailable *domain.InventoryUnavailableError
		if errors.As(err, &unavailable) {
			return nil, unavailable
		}
		return nil, asExternal(err, "reserve", true)
	}
	if !result.Success {
		lines := result.UnavailableLines()
		if len(lines) == 0 {
			lines = result.Lines
		}
		return nil, &domain.InventoryUnavailableError{Lines: lines}
	}
	if result.ReservationID == "" {
		return nil, &domain.ExternalServiceError{
			Service:   "inventory",
			Operation: "reserve",
			Err:       errors.New("reservation id is empty"),
		}
	}

	return &domain.Reservation{
		ID:        result.ReservationID,
		OrderID:   o.ID,
		Status:    domain.ReservationStatusHeld,
		ExpiresAt: result.ExpiresAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func statusChanged(o *domain.Order, to domain.OrderStatus, now time.Time) domain.Event {
	from := o.Status
	o.Status = to
	return domain.NewEvent(domain.EventOrderStatusChanged, *o, map[string]any{
		"from_status": from,
		"to_status":   to,
	}, now)
}

func markShipped(o *domain.Order, c MarkShipped, now time.Time) domain.Event {
	o.Shipment = &domain.Shipment{
		Carrier:           c.Carrier,
		TrackingNumber:    c.TrackingNumber,
		TrackingURL:       c.TrackingURL,
		EstimatedDelivery: c.EstimatedDelivery,
		NotifyCustomer:    c.NotifyCustomer,
		ShippedAt:         now,
	}
	o.Status = domain.OrderStatusShipped

	payload := map[string]any{
		"carrier":         c.Carrier,
		"tracking_number": c.TrackingNumber,
		"tracking_url":    c.TrackingURL,
		"notify_customer": c.NotifyCustomer,
	}
	if c.EstimatedDelivery != nil {
		payload["estimated_delivery"] = c.EstimatedDelivery.UTC()
	}
	return domain.NewEvent(domain.EventOrderShipped, *o, payload, now)
}

func markDelivered(o *domain.Order, c MarkDelivered, now time.Time) domain.Event {
	o.Delivery = &domain.Delivery{Proof: c.Proof, DeliveredAt: now}
	o.Status = domain.OrderStatusDelivered
	return domain.NewEvent(domain.EventOrderDelivered, *o, map[string]any{
		"proof":        c.Proof,
		"delivered_at": now,
	}, now)
}

func money(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(domain.MinorUnits(currency))
}

func inventoryNotConfigured(op string) error {
	return &domain.ExternalServiceError{
		Service:   "inventory",
		Operation: op,
		Err:       errors.New("inventory service is not configured"),
	}
}

// asExternal приводит ошибку склада к ExternalServiceError, сохраняя уже типизированные.
func asExternal(err error, op string, retryable bool) error {
	var ext *domain.ExternalServiceError
	if errors.As(err, &ext) {
		if op == "release" && !ext.Retryable {
			copied := *ext
			copied.Retryable = true
			return &copied
		}
		return ext
	}
	return &domain.ExternalServiceError{
		Service:   "inventory",
		Operation: op,
		Retryable: retryable,
		Err:       err,
	}
}

// ValidateNewOrder проверяет вход create без обращения к зависимостям.
func ValidateNewOrder(in NewOrder) error {
	if strings.TrimSpace(in.TenantID) == "" {
		return domain.NewValidationError("tenant_id", "is required")
	}
	hasCustomer := strings.TrimSpace(in.CustomerID) != ""
	hasGuest := strings.TrimSpace(in.GuestEmail) != ""
	if hasCustomer == hasGuest {
		return domain.NewValidationError("customer_id", "exactly one of customer_id or guest_email is required")
	}
	if hasGuest {
		if _, err := mail.ParseAddress(in.GuestEmail); err != nil {
			return domain.NewValidationError("guest_email", "is not a valid email address")
		}
	}
	if len(strings.TrimSpace(in.Currency)) != 3 {
		return domain.NewValidationError("currency", "must be an ISO 4217 code")
	}
	if len(in.Items) == 0 {
		return domain.NewValidationError("items", "at least one item is required")
	}
	for _, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.NewValidationError("items.product_id", "is required")
		}
		if item.Quantity <= 0 {
			return domain.NewValidationError("items.quantity", "must be greater than zero")
		}
		if item.UnitPrice.IsNegative() {
			return domain.NewValidationError("items.unit_price", "must not be negative")
		}
	}
	for field, amount := range map[string]decimal.Decimal{
		"shipping_total": in.ShippingTotal,
		"tax_total":      in.TaxTotal,
		"discount_total": in.DiscountTotal,
	} {
		if amount.IsNegative() {
			return domain.NewValidationError(field, "must not be negative")
		}
	}
	return nil
}
