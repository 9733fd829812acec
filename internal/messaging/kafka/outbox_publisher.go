package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// OutboxPublisher публикует сообщения outbox в топик. Ключом служит ID заказа, чтобы события
// одного заказа попадали в одну партицию; заголовок event-id нужен Core для дедупликации.
type OutboxPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт publisher; пустой topic означает core.order.events.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{producer: producer, topic: topic}
}

// Topic возвращает целевой топик.
func (p *OutboxPublisher) Topic() string { return p.topic }

func (p *OutboxPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}

	return p.producer.Send(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventID), Value: []byte(msg.ID)},
			{Key: []byte(HeaderEventType), Value: []byte(msg.EventType)},
			{Key: []byte(HeaderAggregateType), Value: []byte(msg.AggregateType)},
		},
	})
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
