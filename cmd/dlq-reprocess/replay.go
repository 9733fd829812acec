package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/outbox"
)

var errNotDeadLetter = errors.New("message is not a known dead letter")

type replayMessage struct {
	topic     string
	key       string
	value     []byte
	orderID   string
	tenantID  string
	eventType string
	headers   []sarama.RecordHeader
}

// replayFilter отбирает dead letters по заказу, арендатору и типу события.
// Пустое поле не ограничивает выборку.
type replayFilter struct {
	orderID    string
	tenantID   string
	eventTypes map[string]struct{}
}

func newReplayFilter(cfg config) replayFilter {
	f := replayFilter{orderID: cfg.orderID, tenantID: cfg.tenantID}
	if len(cfg.eventTypes) > 0 {
		f.eventTypes = make(map[string]struct{}, len(cfg.eventTypes))
		for _, t := range cfg.eventTypes {
			f.eventTypes[t] = struct{}{}
		}
	}
	return f
}

func (f replayFilter) matches(msg replayMessage) bool {
	if f.orderID != "" && msg.orderID != f.orderID {
		return false
	}
	if f.tenantID != "" && msg.tenantID != f.tenantID {
		return false
	}
	if f.eventTypes != nil {
		if _, ok := f.eventTypes[msg.eventType]; !ok {
			return false
		}
	}
	return true
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer) (replayStats, error) {
	var total replayStats
	if client == nil || consumer == nil {
		return total, fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return total, fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		stats, err := processPartition(ctx, consumer, client, producer, cfg, partition, cfg.limit-total.processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// processPartition читает партицию от начала (или от newest-limit) до снимка newest.
func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayProducer,
	cfg config,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	filter := newReplayFilter(cfg)
	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case <-idle.C:
			return stats, nil
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			idle.Reset(cfg.idleTimeout)
			if msg.Offset >= newest {
				return stats, nil
			}

			stats.processed++
			if err := handleDeadLetter(msg, cfg, filter, producer, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func handleDeadLetter(msg *sarama.ConsumerMessage, cfg config, filter replayFilter, producer replayProducer, stats *replayStats) error {
	logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, err := extractReplayMessage(msg, cfg.targetTopic)
	if err != nil {
		stats.skipped++
		logger.WithError(err).Warn("skip unsupported dlq message")
		return nil
	}
	if !filter.matches(replay) {
		stats.skipped++
		return nil
	}

	if cfg.execute {
		if err := publishReplay(producer, replay); err != nil {
			return fmt.Errorf("publish replay message: %w", err)
		}
	} else {
		logger.WithFields(log.Fields{
			"target_topic": replay.topic,
			"key":          replay.key,
			"order_id":     replay.orderID,
			"tenant_id":    replay.tenantID,
			"event_type":   replay.eventType,
		}).Info("dlq replay candidate")
	}
	stats.replayed++
	return nil
}

func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}
	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Headers:   msg.headers,
		Timestamp: time.Now().UTC(),
	})
	return err
}

// extractReplayMessage понимает два конверта: недоставленное событие outbox
// и входящее сообщение, которое не смог обработать consumer.
func extractReplayMessage(msg *sarama.ConsumerMessage, outboxTarget string) (replayMessage, error) {
	var envelope struct {
		OutboxID      string `json:"outbox_id"`
		OriginalValue string `json:"original_value"`
	}
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayMessage{}, fmt.Errorf("%w: %v", errNotDeadLetter, err)
	}

	switch {
	case envelope.OutboxID != "":
		letter, err := outbox.DecodeDeadLetter(msg.Value)
		if err != nil {
			return replayMessage{}, err
		}
		original := letter.Original()
		key := original.AggregateID
		if key == "" {
			key = original.ID
		}
		var event struct {
			TenantID string `json:"tenant_id"`
		}
		_ = json.Unmarshal(original.Payload, &event)
		return replayMessage{
			topic:     outboxTarget,
			key:       key,
			value:     original.Payload,
			orderID:   original.AggregateID,
			tenantID:  event.TenantID,
			eventType: original.EventType,
			headers: []sarama.RecordHeader{
				{Key: []byte(kafka.HeaderEventID), Value: []byte(original.ID)},
				{Key: []byte(kafka.HeaderEventType), Value: []byte(original.EventType)},
				{Key: []byte(kafka.HeaderAggregateType), Value: []byte(original.AggregateType)},
			},
		}, nil

	case envelope.OriginalValue != "":
		var letter kafka.ConsumerDeadLetter
		if err := json.Unmarshal(msg.Value, &letter); err != nil {
			return replayMessage{}, fmt.Errorf("decode consumer dead letter: %w", err)
		}
		topic := strings.TrimSpace(letter.OriginalTopic)
		if topic == "" {
			return replayMessage{}, fmt.Errorf("consumer dead letter without original_topic")
		}
		// Подтверждение Core без order_id всё равно переотправляется: его отклонит consumer.
		var confirmation kafka.CoreEvent
		_ = json.Unmarshal([]byte(letter.OriginalValue), &confirmation)
		orderID := confirmation.OrderID
		if orderID == "" {
			orderID = letter.OriginalKey
		}
		// Счётчик повторов не переносится: сообщение получает полный набор попыток заново.
		return replayMessage{
			topic:     topic,
			key:       letter.OriginalKey,
			value:     []byte(letter.OriginalValue),
			orderID:   orderID,
			eventType: string(confirmation.Type),
		}, nil
	}
	return replayMessage{}, errNotDeadLetter
}
