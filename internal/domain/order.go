package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusDraft: заказ создан из корзины, сток ещё не удержан.
	OrderStatusDraft OrderStatus = "DRAFT"
	// OrderStatusPlaced: товары зарезервированы в Core, ждём оплату.
	OrderStatusPlaced OrderStatus = "PLACED"
	// OrderStatusPaid: Core подтвердил оплату.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusProcessing: заказ собирается.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped: передан перевозчику.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered: доставлен покупателю.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusFulfilled: заказ закрыт.
	OrderStatusFulfilled OrderStatus = "FULFILLED"
	// OrderStatusCancelled: заказ отменён.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefundRequested: запрошен возврат, ждём подтверждение Core.
	OrderStatusRefundRequested OrderStatus = "REFUND_REQUESTED"
	// OrderStatusRefunded: возвращена вся сумма заказа.
	OrderStatusRefunded OrderStatus = "REFUNDED"
	// OrderStatusPartiallyRefunded: возвращена часть суммы.
	OrderStatusPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
)

// AllOrderStatuses перечисляет все статусы заказа.
var AllOrderStatuses = []OrderStatus{
	OrderStatusDraft,
	OrderStatusPlaced,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusFulfilled,
	OrderStatusCancelled,
	OrderStatusRefundRequested,
	OrderStatusRefunded,
	OrderStatusPartiallyRefunded,
}

// Terminal сообщает, что из статуса нет выходов.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFulfilled, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// OrderItem хранит неизменяемый снимок позиции на момент создания заказа.
type OrderItem struct {
	ID          string
	ProductID   string
	VariantID   string
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    int32
	LineTotal   decimal.Decimal
	WeightGrams int64

	// ReturnedQuantity и RefundedAmount только растут и ограничены Quantity и LineTotal.
	ReturnedQuantity int32
	RefundedAmount   decimal.Decimal
}

// Address описывает адрес доставки.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Shipment содержит данные отгрузки.
type Shipment struct {
	Carrier           string
	TrackingNumber    string
	TrackingURL       string
	EstimatedDelivery *time.Time
	NotifyCustomer    bool
	ShippedAt         time.Time
}

// Delivery содержит подтверждение доставки.
type Delivery struct {
	Proof       string
	DeliveredAt time.Time
}

// Cancellation фиксирует, кто и почему отменил заказ.
type Cancellation struct {
	Reason      string
	Actor       Actor
	ActorUserID string
	CancelledAt time.Time
}

// RefundType различает полный и частичный возврат.
type RefundType string

const (
	RefundTypeFull    RefundType = "FULL"
	RefundTypePartial RefundType = "PARTIAL"
)

// RefundItem описывает позицию, которую возвращает покупатель.
type RefundItem struct {
	ItemID   string
	Quantity int32
}

// RefundRequest описывает запрошенный, но ещё не подтверждённый Core возврат.
type RefundRequest struct {
	Type        RefundType
	Amount      decimal.Decimal
	Reason      string
	Actor       Actor
	Items       []RefundItem
	RequestedAt time.Time
}

// Refund описывает подтверждённый Core возврат.
type Refund struct {
	CoreRefundID string
	Type         RefundType
	Amount       decimal.Decimal
	Reason       string
	RefundedAt   time.Time
}

// Order агрегирует состояние заказа, финансовый снимок и позиции.
type Order struct {
	ID          string
	OrderNumber string
	TenantID    string
	// Заполнен ровно один из CustomerID и GuestEmail.
	CustomerID string
	GuestEmail string
	Status     OrderStatus
	Currency   string

	Subtotal      decimal.Decimal
	ShippingTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	GrandTotal    decimal.Decimal

	Items           []OrderItem
	ShippingAddress *Address
	ShippingMethod  string
	PromotionCode   string

	Reservation   *Reservation
	CorePaymentID string
	PaidAt        *time.Time
	Shipment      *Shipment
	Delivery      *Delivery
	Cancellation  *Cancellation
	PendingRefund *RefundRequest
	Refunds       []Refund
	RefundedTotal decimal.Decimal

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recalculate пересчитывает суммы позиций и итог заказа.
// Скидка не может превышать subtotal.
func (o *Order) Recalculate() {
	subtotal := decimal.Zero
	for i := range o.Items {
		item := &o.Items[i]
		item.LineTotal = RoundMoney(item.UnitPrice.Mul(decimal.NewFromInt32(item.Quantity)), o.Currency)
		subtotal = subtotal.Add(item.LineTotal)
	}
	o.Subtotal = RoundMoney(subtotal, o.Currency)
	o.ShippingTotal = RoundMoney(o.ShippingTotal, o.Currency)
	o.TaxTotal = RoundMoney(o.TaxTotal, o.Currency)
	o.DiscountTotal = ClampMoney(RoundMoney(o.DiscountTotal, o.Currency), o.Subtotal)
	o.GrandTotal = o.Subtotal.Add(o.ShippingTotal).Add(o.TaxTotal).Sub(o.DiscountTotal)
}

// RefundableRemainder возвращает сумму, которую ещё можно вернуть.
func (o *Order) RefundableRemainder() decimal.Decimal {
	rest := o.GrandTotal.Sub(o.RefundedTotal)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// HasPayment проверяет, подтверждался ли уже платёж с таким идентификатором.
func (o *Order) HasPayment(corePaymentID string) bool {
	return corePaymentID != "" && o.CorePaymentID == corePaymentID
}

// HasRefund проверяет, применялся ли уже возврат с таким идентификатором.
func (o *Order) HasRefund(coreRefundID string) bool {
	for _, r := range o.Refunds {
		if r.CoreRefundID == coreRefundID {
			return true
		}
	}
	return false
}

// ItemByID ищет позицию заказа.
func (o *Order) ItemByID(id string) (*OrderItem, bool) {
	for i := range o.Items {
		if o.Items[i].ID == id {
			return &o.Items[i], true
		}
	}
	return nil, false
}

// ReservationLines собирает строки для пакетного резерва.
func (o *Order) ReservationLines() []ReservationLine {
	lines := make([]ReservationLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, ReservationLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.Refunds = append([]Refund(nil), o.Refunds...)
	if o.ShippingAddress != nil {
		addr := *o.ShippingAddress
		c.ShippingAddress = &addr
	}
	if o.Reservation != nil {
		res := *o.Reservation
		c.Reservation = &res
	}
	if o.PaidAt != nil {
		paid := *o.PaidAt
		c.PaidAt = &paid
	}
	if o.Shipment != nil {
		sh := *o.Shipment
		c.Shipment = &sh
	}
	if o.Delivery != nil {
		d := *o.Delivery
		c.Delivery = &d
	}
	if o.Cancellation != nil {
		cn := *o.Cancellation
		c.Cancellation = &cn
	}
	if o.PendingRefund != nil {
		pr := *o.PendingRefund
		pr.Items = append([]RefundItem(nil), o.PendingRefund.Items...)
		c.PendingRefund = &pr
	}
	return c
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.TenantID == "" {
		errs = append(errs, ErrTenantRequired)
	}
	if (o.CustomerID == "") == (o.GuestEmail == "") {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	calc := decimal.Zero
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if item.ReturnedQuantity > item.Quantity || item.RefundedAmount.GreaterThan(item.LineTotal) {
			errs = append(errs, ErrItemRefundExceeded)
		}
		calc = calc.Add(item.LineTotal)
	}
	if !calc.Equal(o.Subtotal) {
		errs = append(errs, ErrAmountMismatch)
	}

	expected := o.Subtotal.Add(o.ShippingTotal).Add(o.TaxTotal).Sub(o.DiscountTotal)
	if !expected.Equal(o.GrandTotal) {
		errs = append(errs, ErrAmountMismatch)
	}
	if o.GrandTotal.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}
	if o.RefundedTotal.GreaterThan(o.GrandTotal) {
		errs = append(errs, ErrRefundExceedsRemainder)
	}

	return errs
}
