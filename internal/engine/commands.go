package engine

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// Command представляет типизированную операцию над заказом.
// Реализации перечислены в этом файле, других быть не может.
type Command interface {
	Operation() domain.Operation
	validate() error
}

// Place удерживает сток и переводит заказ из DRAFT в PLACED.
type Place struct{}

// MarkPaid применяет подтверждение оплаты от Core.
type MarkPaid struct {
	CorePaymentID string
}

// StartProcessing начинает сборку оплаченного заказа.
type StartProcessing struct{}

// MarkShipped фиксирует передачу перевозчику.
type MarkShipped struct {
	Carrier           string
	TrackingNumber    string
	TrackingURL       string
	EstimatedDelivery *time.Time
	NotifyCustomer    bool
}

// MarkDelivered фиксирует доставку.
type MarkDelivered struct {
	Proof string
}

// MarkFulfilled закрывает доставленный заказ.
type MarkFulfilled struct{}

// Cancel отменяет заказ и снимает резерв.
type Cancel struct {
	Reason      string
	Actor       domain.Actor
	ActorUserID string
	// ExpiredReservationOnly разрешает отмену только заказа в PLACED с истёкшим резервом.
	// Иначе Apply вернёт ErrNotExpired и ничего не изменит.
	ExpiredReservationOnly bool
}

// RequestRefund запрашивает возврат. Для FULL нулевая сумма означает весь остаток.
type RequestRefund struct {
	Type   domain.RefundType
	Amount decimal.Decimal
	Reason string
	Actor  domain.Actor
	Items  []domain.RefundItem
}

// MarkRefunded применяет подтверждение возврата от Core.
type MarkRefunded struct {
	CoreRefundID string
	Amount       decimal.Decimal
}

func (Place) Operation() domain.Operation           { return domain.OperationPlace }
func (MarkPaid) Operation() domain.Operation        { return domain.OperationMarkPaid }
func (StartProcessing) Operation() domain.Operation { return domain.OperationStartProcessing }
func (MarkShipped) Operation() domain.Operation     { return domain.OperationMarkShipped }
func (MarkDelivered) Operation() domain.Operation   { return domain.OperationMarkDelivered }
func (MarkFulfilled) Operation() domain.Operation   { return domain.OperationMarkFulfilled }
func (Cancel) Operation() domain.Operation          { return domain.OperationCancel }
func (RequestRefund) Operation() domain.Operation   { return domain.OperationRequestRefund }
func (MarkRefunded) Operation() domain.Operation    { return domain.OperationMarkRefunded }

func (Place) validate() error           { return nil }
func (StartProcessing) validate() error { return nil }
func (MarkDelivered) validate() error   { return nil }
func (MarkFulfilled) validate() error   { return nil }

func (c MarkPaid) validate() error {
	if strings.TrimSpace(c.CorePaymentID) == "" {
		return domain.NewValidationError("core_payment_id", "is required")
	}
	return nil
}

func (c MarkShipped) validate() error {
	if strings.TrimSpace(c.Carrier) == "" {
		return domain.NewValidationError("carrier", "is required")
	}
	if strings.TrimSpace(c.TrackingNumber) == "" {
		return domain.NewValidationError("tracking_number", "is required")
	}
	return nil
}

func (c Cancel) validate() error {
	if strings.TrimSpace(c.Reason) == "" {
		return domain.NewValidationError("reason", "is required")
	}
	if !c.Actor.Valid() {
		return domain.NewValidationError("actor", "must be one of CUSTOMER, MERCHANT, SYSTEM")
	}
	return nil
}

func (c RequestRefund) validate() error {
	switch c.Type {
	case domain.RefundTypeFull:
		if c.Amount.IsNegative() {
			return domain.NewValidationError("amount", "must not be negative")
		}
	case domain.RefundTypePartial:
		if !c.Amount.IsPositive() {
			return domain.NewValidationError("amount", "must be greater than zero")
		}
	default:
		return domain.NewValidationError("type", "must be FULL or PARTIAL")
	}
	if !c.Actor.Valid() {
		return domain.NewValidationError("actor", "must be one of CUSTOMER, MERCHANT, SYSTEM")
	}
	for _, item := range c.Items {
		if item.ItemID == "" {
			return domain.NewValidationError("items.item_id", "is required")
		}
		if item.Quantity <= 0 {
			return domain.NewValidationError("items.quantity", "must be greater than zero")
		}
	}
	return nil
}

func (c MarkRefunded) validate() error {
	if strings.TrimSpace(c.CoreRefundID) == "" {
		return domain.NewValidationError("core_refund_id", "is required")
	}
	if !c.Amount.IsPositive() {
		return domain.NewValidationError("amount", "must be greater than zero")
	}
	return nil
}
