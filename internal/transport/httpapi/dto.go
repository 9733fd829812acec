package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/engine"
)

type itemRequest struct {
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int32           `json:"quantity"`
	WeightGrams int64           `json:"weight_grams,omitempty"`
}

type addressDTO struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type createOrderRequest struct {
	ID              string        `json:"id,omitempty"`
	CustomerID      string        `json:"customer_id,omitempty"`
	GuestEmail      string        `json:"guest_email,omitempty"`
	Currency        string        `json:"currency"`
	Items           []itemRequest `json:"items"`
	ShippingAddress *addressDTO   `json:"shipping_address,omitempty"`
	ShippingMethod  string        `json:"shipping_method,omitempty"`
	PromotionCode   string        `json:"promotion_code,omitempty"`
}

type availabilityLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int32  `json:"quantity"`
}

type availabilityRequest struct {
	Items []availabilityLine `json:"items"`
}

type shipRequest struct {
	Carrier           string     `json:"carrier"`
	TrackingNumber    string     `json:"tracking_number"`
	TrackingURL       string     `json:"tracking_url,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	NotifyCustomer    bool       `json:"notify_customer"`
}

type deliverRequest struct {
	Proof string `json:"proof,omitempty"`
}

type cancelRequest struct {
	Reason      string       `json:"reason"`
	Actor       domain.Actor `json:"actor"`
	ActorUserID string       `json:"actor_user_id,omitempty"`
}

type refundItemDTO struct {
	ItemID   string `json:"item_id"`
	Quantity int32  `json:"quantity"`
}

type refundRequest struct {
	Type   domain.RefundType `json:"type"`
	Amount decimal.Decimal   `json:"amount"`
	Reason string            `json:"reason"`
	Actor  domain.Actor      `json:"actor"`
	Items  []refundItemDTO   `json:"items,omitempty"`
}

type paidRequest struct {
	CorePaymentID string `json:"core_payment_id"`
}

type refundedRequest struct {
	CoreRefundID string          `json:"core_refund_id"`
	Amount       decimal.Decimal `json:"amount"`
}

type itemResponse struct {
	ID               string `json:"id"`
	ProductID        string `json:"product_id"`
	VariantID        string `json:"variant_id,omitempty"`
	ProductName      string `json:"product_name"`
	UnitPrice        string `json:"unit_price"`
	Quantity         int32  `json:"quantity"`
	LineTotal        string `json:"line_total"`
	ReturnedQuantity int32  `json:"returned_quantity,omitempty"`
	RefundedAmount   string `json:"refunded_amount,omitempty"`
}

type reservationResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

type refundResponse struct {
	CoreRefundID string    `json:"core_refund_id"`
	Type         string    `json:"type"`
	Amount       string    `json:"amount"`
	Reason       string    `json:"reason,omitempty"`
	RefundedAt   time.Time `json:"refunded_at"`
}

type shipmentResponse struct {
	Carrier           string     `json:"carrier"`
	TrackingNumber    string     `json:"tracking_number"`
	TrackingURL       string     `json:"tracking_url,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ShippedAt         time.Time  `json:"shipped_at"`
}

type cancellationResponse struct {
	Reason      string       `json:"reason"`
	Actor       domain.Actor `json:"actor"`
	CancelledAt time.Time    `json:"cancelled_at"`
}

type timelineResponse struct {
	Version  int64     `json:"version"`
	Type     string    `json:"type"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type orderResponse struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	TenantID        string                `json:"tenant_id"`
	CustomerID      string                `json:"customer_id,omitempty"`
	GuestEmail      string                `json:"guest_email,omitempty"`
	Status          domain.OrderStatus    `json:"status"`
	Currency        string                `json:"currency"`
	Subtotal        string                `json:"subtotal"`
	ShippingTotal   string                `json:"shipping_total"`
	TaxTotal        string                `json:"tax_total"`
	DiscountTotal   string                `json:"discount_total"`
	GrandTotal      string                `json:"grand_total"`
	RefundedTotal   string                `json:"refunded_total"`
	Items           []itemResponse        `json:"items"`
	ShippingAddress *addressDTO           `json:"shipping_address,omitempty"`
	ShippingMethod  string                `json:"shipping_method,omitempty"`
	PromotionCode   string                `json:"promotion_code,omitempty"`
	Reservation     *reservationResponse  `json:"reservation,omitempty"`
	CorePaymentID   string                `json:"core_payment_id,omitempty"`
	PaidAt          *time.Time            `json:"paid_at,omitempty"`
	Shipment        *shipmentResponse     `json:"shipment,omitempty"`
	Cancellation    *cancellationResponse `json:"cancellation,omitempty"`
	Refunds         []refundResponse      `json:"refunds,omitempty"`
	ValidOperations []domain.Operation    `json:"valid_operations"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Timeline        []timelineResponse    `json:"timeline,omitempty"`
}

type availabilityResponse struct {
	ProductID   string             `json:"product_id"`
	VariantID   string             `json:"variant_id,omitempty"`
	Requested   int32              `json:"requested"`
	Available   int32              `json:"available"`
	Status      domain.StockStatus `json:"status"`
	CanPurchase bool               `json:"can_purchase"`
}

type errorResponse struct {
	Error           string                 `json:"error"`
	Code            string                 `json:"code"`
	Field           string                 `json:"field,omitempty"`
	Operation       domain.Operation       `json:"operation,omitempty"`
	Status          domain.OrderStatus     `json:"status,omitempty"`
	ValidOperations []domain.Operation     `json:"valid_operations,omitempty"`
	Lines           []availabilityResponse `json:"lines,omitempty"`
	Retryable       bool                   `json:"retryable,omitempty"`
}

// commandErrorResponse всегда содержит valid_operations; у терминальных статусов это пустой список.
type commandErrorResponse struct {
	errorResponse
	ValidOperations []domain.Operation `json:"valid_operations"`
}

// money печатает сумму с числом знаков валюты: "29.50", а не "29.5".
func money(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(domain.MinorUnits(currency))
}

func (a *addressDTO) toDomain() *domain.Address {
	if a == nil {
		return nil
	}
	return &domain.Address{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func addressFromDomain(a *domain.Address) *addressDTO {
	if a == nil {
		return nil
	}
	return &addressDTO{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func newOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		TenantID:        o.TenantID,
		CustomerID:      o.CustomerID,
		GuestEmail:      o.GuestEmail,
		Status:          o.Status,
		Currency:        o.Currency,
		Subtotal:        money(o.Subtotal, o.Currency),
		ShippingTotal:   money(o.ShippingTotal, o.Currency),
		TaxTotal:        money(o.TaxTotal, o.Currency),
		DiscountTotal:   money(o.DiscountTotal, o.Currency),
		GrandTotal:      money(o.GrandTotal, o.Currency),
		RefundedTotal:   money(o.RefundedTotal, o.Currency),
		Items:           make([]itemResponse, 0, len(o.Items)),
		ShippingAddress: addressFromDomain(o.ShippingAddress),
		ShippingMethod:  o.ShippingMethod,
		PromotionCode:   o.PromotionCode,
		CorePaymentID:   o.CorePaymentID,
		PaidAt:          o.PaidAt,
		ValidOperations: engine.ValidOperations(o.Status),
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, it := range o.Items {
		item := itemResponse{
			ID:               it.ID,
			ProductID:        it.ProductID,
			VariantID:        it.VariantID,
			ProductName:      it.ProductName,
			UnitPrice:        money(it.UnitPrice, o.Currency),
			Quantity:         it.Quantity,
			LineTotal:        money(it.LineTotal, o.Currency),
			ReturnedQuantity: it.ReturnedQuantity,
		}
		if it.RefundedAmount.IsPositive() {
			item.RefundedAmount = money(it.RefundedAmount, o.Currency)
		}
		resp.Items = append(resp.Items, item)
	}
	if o.Shipment != nil {
		resp.Shipment = &shipmentResponse{
			Carrier:           o.Shipment.Carrier,
			TrackingNumber:    o.Shipment.TrackingNumber,
			TrackingURL:       o.Shipment.TrackingURL,
			EstimatedDelivery: o.Shipment.EstimatedDelivery,
			ShippedAt:         o.Shipment.ShippedAt,
		}
	}
	if o.Cancellation != nil {
		resp.Cancellation = &cancellationResponse{
			Reason:      o.Cancellation.Reason,
			Actor:       o.Cancellation.Actor,
			CancelledAt: o.Cancellation.CancelledAt,
		}
	}
	if o.Reservation != nil {
		resp.Reservation = &reservationResponse{
			ID:        o.Reservation.ID,
			Status:    string(o.Reservation.Status),
			ExpiresAt: o.Reservation.ExpiresAt,
		}
	}
	for _, r := range o.Refunds {
		resp.Refunds = append(resp.Refunds, refundResponse{
			CoreRefundID: r.CoreRefundID,
			Type:         string(r.Type),
			Amount:       money(r.Amount, o.Currency),
			Reason:       r.Reason,
			RefundedAt:   r.RefundedAt,
		})
	}
	return resp
}

func newAvailabilityResponse(lines []domain.AvailabilityResult) []availabilityResponse {
	out := make([]availabilityResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, availabilityResponse{
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			Requested:   l.Requested,
			Available:   l.Available,
			Status:      l.Status,
			CanPurchase: l.CanPurchase,
		})
	}
	return out
}
