package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType определяет тип события заказа, отправляемого в Core.
type EventType string

const (
	EventOrderCreated       EventType = "ORDER_CREATED"
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventPaymentRequested   EventType = "PAYMENT_REQUESTED"
	EventOrderPaid          EventType = "ORDER_PAID"
	EventOrderShipped       EventType = "ORDER_SHIPPED"
	EventOrderDelivered     EventType = "ORDER_DELIVERED"
	EventOrderCancelled     EventType = "ORDER_CANCELLED"
	EventRefundRequested    EventType = "REFUND_REQUESTED"
	EventOrderRefunded      EventType = "ORDER_REFUNDED"
	EventOrderStatusChanged EventType = "ORDER_STATUS_CHANGED"
)

// OrderAggregateType задаёт тип агрегата для outbox.
const OrderAggregateType = "order"

// Event представляет неизменяемое событие. На каждый успешный переход ровно одно.
type Event struct {
	ID          string         `json:"event_id"`
	Type        EventType      `json:"event_type"`
	OrderID     string         `json:"order_id"`
	OrderNumber string         `json:"order_number"`
	TenantID    string         `json:"tenant_id"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent создаёт событие для заказа; payload дополняется идентификаторами заказа.
func NewEvent(eventType EventType, order Order, payload map[string]any, now time.Time) Event {
	if payload == nil {
		payload = make(map[string]any, 3)
	}
	payload["order_id"] = order.ID
	payload["order_number"] = order.OrderNumber
	payload["tenant_id"] = order.TenantID

	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		TenantID:    order.TenantID,
		Payload:     payload,
		Timestamp:   now.UTC(),
	}
}

// ToOutboxMessage сериализует событие для transactional outbox.
func (e Event) ToOutboxMessage() (OutboxMessage, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return OutboxMessage{
		ID:            e.ID,
		AggregateType: OrderAggregateType,
		AggregateID:   e.OrderID,
		EventType:     string(e.Type),
		Payload:       body,
		CreatedAt:     e.Timestamp,
	}, nil
}

// EventsToOutbox сериализует пачку событий.
func EventsToOutbox(events []Event) ([]OutboxMessage, error) {
	out := make([]OutboxMessage, 0, len(events))
	for _, e := range events {
		msg, err := e.ToOutboxMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
