// Package kafka реализует транспорт событий заказов и подтверждений Core через Apache Kafka.
package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

// Топики по умолчанию.
const (
	TopicOrderEvents    = "core.order.events"
	TopicOrderEventsDLQ = "core.order.events.dlq"
	TopicCoreEvents     = "core.payment.events"
	TopicCoreEventsDLQ  = "core.payment.events.dlq"
)

// Заголовки сообщений.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderAggregateType = "aggregate-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// CoreEventType определяет тип подтверждения от Core.
type CoreEventType string

const (
	CoreEventPaymentCaptured CoreEventType = "payment.captured"
	CoreEventRefundCompleted CoreEventType = "refund.completed"
)

// CoreEvent представляет подтверждение оплаты или возврата из core.payment.events.
type CoreEvent struct {
	ID            string          `json:"event_id"`
	Type          CoreEventType   `json:"type"`
	OrderID       string          `json:"order_id"`
	CorePaymentID string          `json:"core_payment_id,omitempty"`
	CoreRefundID  string          `json:"core_refund_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// ParseCoreEvent разбирает и проверяет подтверждение Core.
func ParseCoreEvent(message *sarama.ConsumerMessage) (CoreEvent, error) {
	var event CoreEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return CoreEvent{}, fmt.Errorf("unmarshal core event: %w", err)
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return CoreEvent{}, fmt.Errorf("core event %s: order_id is empty", event.Type)
	}
	switch event.Type {
	case CoreEventPaymentCaptured:
		if event.CorePaymentID == "" {
			return CoreEvent{}, fmt.Errorf("core event %s: core_payment_id is empty", event.Type)
		}
	case CoreEventRefundCompleted:
		if event.CoreRefundID == "" {
			return CoreEvent{}, fmt.Errorf("core event %s: core_refund_id is empty", event.Type)
		}
	default:
		return CoreEvent{}, fmt.Errorf("unsupported core event type %q", event.Type)
	}
	return event, nil
}

// ConsumerDeadLetter содержит входящее сообщение, не обработанное consumer-ом.
type ConsumerDeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	RetryCount        int       `json:"retry_count"`
	FailedAt          time.Time `json:"failed_at"`
}

func headerValue(headers []*sarama.RecordHeader, key string) (string, bool) {
	for _, h := range headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}
