package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// DeadLetter содержит событие, не доставленное за все попытки.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	FailedAt      time.Time       `json:"dlq_published_at"`
}

// NewDeadLetter заворачивает сообщение outbox в конверт DLQ.
func NewDeadLetter(msg domain.OutboxMessage, attempts int, publishErr error, now time.Time) DeadLetter {
	dl := DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		Attempts:      attempts,
		CreatedAt:     msg.CreatedAt,
		FailedAt:      now.UTC(),
	}
	if publishErr != nil {
		dl.PublishError = publishErr.Error()
	}
	return dl
}

// OutboxMessage сериализует конверт для публикации в DLQ. ID остаётся ID исходного события.
func (d DeadLetter) OutboxMessage() (domain.OutboxMessage, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dead letter %s: %w", d.OutboxID, err)
	}
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       body,
		CreatedAt:     d.FailedAt,
	}, nil
}

// Original восстанавливает исходное событие для повторной публикации.
func (d DeadLetter) Original() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       []byte(d.Payload),
		CreatedAt:     d.CreatedAt,
	}
}

// DecodeDeadLetter разбирает конверт DLQ.
func DecodeDeadLetter(body []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if dl.OutboxID == "" {
		return DeadLetter{}, errors.New("decode dead letter: outbox_id is empty")
	}
	if len(dl.Payload) == 0 {
		return DeadLetter{}, errors.New("decode dead letter: payload is empty")
	}
	return dl, nil
}
