package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

func requestRefund(o *domain.Order, c RequestRefund, now time.Time) (domain.Event, error) {
	remainder := o.RefundableRemainder()
	if !remainder.IsPositive() {
		return domain.Event{}, domain.NewValidationError("amount", "order has nothing left to refund")
	}

	amount := domain.RoundMoney(c.Amount, o.Currency)
	if c.Type == domain.RefundTypeFull {
		if amount.IsZero() {
			amount = remainder
		}
		if !amount.Equal(remainder) {
			return domain.Event{}, domain.NewValidationError("amount",
				fmt.Sprintf("full refund must equal refundable remainder %s", money(remainder, o.Currency)))
		}
	}
	if amount.GreaterThan(remainder) {
		return domain.Event{}, fmt.Errorf("%w: %w",
			domain.NewValidationError("amount", fmt.Sprintf("exceeds refundable remainder %s", money(remainder, o.Currency))),
			domain.ErrRefundExceedsRemainder)
	}

	requested := make(map[string]int32, len(c.Items))
	for _, ri := range c.Items {
		item, ok := o.ItemByID(ri.ItemID)
		if !ok {
			return domain.Event{}, domain.NewValidationError("items.item_id", fmt.Sprintf("unknown item %s", ri.ItemID))
		}
		requested[ri.ItemID] += ri.Quantity
		if item.ReturnedQuantity+requested[ri.ItemID] > item.Quantity {
			return domain.Event{}, domain.NewValidationError("items.quantity",
				fmt.Sprintf("item %s: cannot return more than %d", item.ID, item.Quantity-item.ReturnedQuantity))
		}
	}

	o.PendingRefund = &domain.RefundRequest{
		Type:        c.Type,
		Amount:      amount,
		Reason:      c.Reason,
		Actor:       c.Actor,
		Items:       append([]domain.RefundItem(nil), c.Items...),
		RequestedAt: now,
	}
	previous := o.Status
	o.Status = domain.OrderStatusRefundRequested

	items := make([]map[string]any, 0, len(c.Items))
	for _, ri := range c.Items {
		items = append(items, map[string]any{"item_id": ri.ItemID, "quantity": ri.Quantity})
	}
	return domain.NewEvent(domain.EventRefundRequested, *o, map[string]any{
		"refund_type":     c.Type,
		"amount":          money(amount, o.Currency),
		"currency":        o.Currency,
		"reason":          c.Reason,
		"actor":           c.Actor,
		"items":           items,
		"previous_status": previous,
	}, now), nil
}

func markRefunded(o *domain.Order, c MarkRefunded, now time.Time) (domain.Event, error) {
	amount := domain.RoundMoney(c.Amount, o.Currency)
	remainder := o.RefundableRemainder()
	if amount.GreaterThan(remainder) {
		return domain.Event{}, fmt.Errorf("%w: %w",
			domain.NewValidationError("amount", fmt.Sprintf("exceeds refundable remainder %s", money(remainder, o.Currency))),
			domain.ErrRefundExceedsRemainder)
	}

	refundType := domain.RefundTypePartial
	reason := ""
	var items []domain.RefundItem
	if o.PendingRefund != nil {
		refundType = o.PendingRefund.Type
		reason = o.PendingRefund.Reason
		items = o.PendingRefund.Items
	}

	allocateRefund(o, items, amount)

	o.RefundedTotal = o.RefundedTotal.Add(amount)
	o.Refunds = append(o.Refunds, domain.Refund{
		CoreRefundID: c.CoreRefundID,
		Type:         refundType,
		Amount:       amount,
		Reason:       reason,
		RefundedAt:   now,
	})
	o.PendingRefund = nil

	if o.RefundedTotal.Equal(o.GrandTotal) {
		o.Status = domain.OrderStatusRefunded
	} else {
		o.Status = domain.OrderStatusPartiallyRefunded
	}

	return domain.NewEvent(domain.EventOrderRefunded, *o, map[string]any{
		"core_refund_id": c.CoreRefundID,
		"amount":         money(amount, o.Currency),
		"refund_type":    refundType,
		"refunded_total": money(o.RefundedTotal, o.Currency),
		"currency":       o.Currency,
		"status":         o.Status,
	}, now), nil
}

// allocateRefund распределяет сумму по позициям, не превышая LineTotal каждой.
// Остаток сверх позиций относится к доставке и налогу.
func allocateRefund(o *domain.Order, items []domain.RefundItem, amount decimal.Decimal) {
	targets := make([]int, 0, len(o.Items))
	if len(items) > 0 {
		for _, ri := range items {
			for i := range o.Items {
				if o.Items[i].ID == ri.ItemID {
					o.Items[i].ReturnedQuantity += ri.Quantity
					if o.Items[i].ReturnedQuantity > o.Items[i].Quantity {
						o.Items[i].ReturnedQuantity = o.Items[i].Quantity
					}
					targets = append(targets, i)
				}
			}
		}
	} else {
		for i := range o.Items {
			targets = append(targets, i)
		}
	}

	left := amount
	for _, i := range targets {
		if !left.IsPositive() {
			return
		}
		item := &o.Items[i]
		room := item.LineTotal.Sub(item.RefundedAmount)
		if !room.IsPositive() {
			continue
		}
		take := decimal.Min(room, left)
		item.RefundedAmount = item.RefundedAmount.Add(take)
		left = left.Sub(take)
	}
}
