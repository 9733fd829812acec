package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// helper для создания заказа из сценария с двумя позициями.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	order := domain.Order{
		ID:            "order-1",
		OrderNumber:   "ACME-000001",
		TenantID:      "tenant-1",
		CustomerID:    "customer-1",
		Status:        domain.OrderStatusDraft,
		Currency:      "USD",
		ShippingTotal: decimal.RequireFromString("3.00"),
		TaxTotal:      decimal.RequireFromString("1.50"),
		Items: []domain.OrderItem{
			{ID: "item-1", ProductID: "p-1", UnitPrice: decimal.RequireFromString("10.00"), Quantity: 2},
			{ID: "item-2", ProductID: "p-2", UnitPrice: decimal.RequireFromString("5.00"), Quantity: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	order.Recalculate()
	return order
}

func TestOrderRecalculate_Totals(t *testing.T) {
	order := makeOrder()

	if !order.Subtotal.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("subtotal = %s, want 25.00", order.Subtotal)
	}
	if !order.GrandTotal.Equal(decimal.RequireFromString("29.50")) {
		t.Fatalf("grand total = %s, want 29.50", order.GrandTotal)
	}
	if !order.Items[0].LineTotal.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("line total = %s, want 20.00", order.Items[0].LineTotal)
	}
}

func TestOrderRecalculate_DiscountClampedToSubtotal(t *testing.T) {
	order := makeOrder()
	order.DiscountTotal = decimal.RequireFromString("100")
	order.Recalculate()

	if !order.DiscountTotal.Equal(order.Subtotal) {
		t.Fatalf("discount = %s, want clamp to %s", order.DiscountTotal, order.Subtotal)
	}
	if !order.GrandTotal.Equal(decimal.RequireFromString("4.50")) {
		t.Fatalf("grand total = %s, want 4.50", order.GrandTotal)
	}
}

func TestOrderRecalculate_RoundsHalfUp(t *testing.T) {
	order := makeOrder()
	order.Items = []domain.OrderItem{{ID: "i", ProductID: "p", UnitPrice: decimal.RequireFromString("0.335"), Quantity: 1}}
	order.TaxTotal = decimal.RequireFromString("0.005")
	order.ShippingTotal = decimal.Zero
	order.Recalculate()

	if !order.Subtotal.Equal(decimal.RequireFromString("0.34")) {
		t.Fatalf("subtotal = %s, want 0.34", order.Subtotal)
	}
	if !order.TaxTotal.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("tax = %s, want 0.01", order.TaxTotal)
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{
			name: "no customer and no guest",
			mut:  func(o *domain.Order) { o.CustomerID = "" },
			want: domain.ErrCustomerRequired,
		},
		{
			name: "customer and guest together",
			mut:  func(o *domain.Order) { o.GuestEmail = "guest@example.com" },
			want: domain.ErrCustomerRequired,
		},
		{
			name: "no tenant",
			mut:  func(o *domain.Order) { o.TenantID = "" },
			want: domain.ErrTenantRequired,
		},
		{
			name: "hand edited grand total",
			mut:  func(o *domain.Order) { o.GrandTotal = o.GrandTotal.Add(decimal.NewFromInt(1)) },
			want: domain.ErrAmountMismatch,
		},
		{
			name: "zero quantity",
			mut:  func(o *domain.Order) { o.Items[0].Quantity = 0 },
			want: domain.ErrItemQtyInvalid,
		},
		{
			name: "returned more than bought",
			mut:  func(o *domain.Order) { o.Items[1].ReturnedQuantity = 2 },
			want: domain.ErrItemRefundExceeded,
		},
		{
			name: "no items",
			mut:  func(o *domain.Order) { o.Items = nil },
			want: domain.ErrItemsRequired,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			errs := order.ValidateInvariants()
			found := false
			for _, err := range errs {
				if errors.Is(err, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %v in %v", tc.want, errs)
			}
		})
	}
}

func TestOrderRefundableRemainder(t *testing.T) {
	order := makeOrder()
	order.RefundedTotal = decimal.RequireFromString("5.00")

	if got := order.RefundableRemainder(); !got.Equal(decimal.RequireFromString("24.50")) {
		t.Fatalf("remainder = %s, want 24.50", got)
	}
}

func TestOrderClone_IsDeep(t *testing.T) {
	order := makeOrder()
	order.ShippingAddress = &domain.Address{Country: "US"}
	order.Reservation = &domain.Reservation{ID: "res-1"}

	clone := order.Clone()
	clone.Items[0].Quantity = 99
	clone.ShippingAddress.Country = "DE"
	clone.Reservation.ID = "res-2"

	if order.Items[0].Quantity != 2 || order.ShippingAddress.Country != "US" || order.Reservation.ID != "res-1" {
		t.Fatalf("clone mutated original: %+v", order)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := map[domain.OrderStatus]bool{
		domain.OrderStatusFulfilled: true,
		domain.OrderStatusCancelled: true,
		domain.OrderStatusRefunded:  true,
	}
	for _, status := range domain.AllOrderStatuses {
		if status.Terminal() != terminal[status] {
			t.Fatalf("status %s terminal=%v", status, status.Terminal())
		}
	}
}
