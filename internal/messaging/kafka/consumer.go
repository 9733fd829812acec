package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ErrPermanent помечает ошибку, повтор которой бессмыслен: сообщение сразу уходит в DLQ.
var ErrPermanent = errors.New("permanent message failure")

// Permanent оборачивает err как неповторяемую.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// MessageHandler обрабатывает сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithRetryProducer задаёт producer для повторов и DLQ.
func WithRetryProducer(producer *Producer, dlqTopic string) ConsumerOption {
	return func(c *Consumer) {
		c.producer = producer
		c.dlqTopic = dlqTopic
	}
}

// WithMaxRetries задаёт число переотправок перед DLQ.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = n }
}

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// Consumer читает consumer group с повтором через переотправку и DLQ.
// Номер попытки хранится в заголовке x-retry-count.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	producer   *Producer
	dlqTopic   string
	maxRetries int
	logger     *log.Entry
	wg         sync.WaitGroup
}

// NewConsumerConfig возвращает настройки consumer group.
func NewConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	return config
}

// NewConsumer подключается к consumer group.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "kafka-consumer")
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	return c
}

// Start запускает чтение в фоне до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при каждом rebalance.
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения партиции по порядку.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if c.process(session.Context(), message) {
				session.MarkMessage(message, "")
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// process возвращает true, если offset можно сдвигать.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	logger := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})

	err := c.handler(ctx, message)
	if err == nil {
		return true
	}

	retries := retryCount(message)
	permanent := errors.Is(err, ErrPermanent)
	logger = logger.WithError(err).WithField("retry_count", retries)

	if c.producer == nil {
		if permanent {
			logger.Error("dropping message with permanent failure")
			return true
		}
		logger.Warn("message processing failed, offset not committed")
		return false
	}

	if !permanent && retries < c.maxRetries {
		if rerr := c.republish(message, retries+1); rerr != nil {
			logger.WithField("republish_error", rerr.Error()).Error("failed to schedule retry")
			return false
		}
		logger.Warn("message processing failed, scheduled retry")
		return true
	}

	if derr := c.sendToDLQ(message, retries, err); derr != nil {
		logger.WithField("dlq_error", derr.Error()).Error("failed to send message to DLQ")
		return false
	}
	logger.Warn("message sent to DLQ")
	return true
}

func (c *Consumer) republish(message *sarama.ConsumerMessage, attempt int) error {
	headers := make([]sarama.RecordHeader, 0, len(message.Headers)+1)
	for _, h := range message.Headers {
		if h == nil || string(h.Key) == HeaderRetryCount {
			continue
		}
		headers = append(headers, *h)
	}
	headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(attempt))})

	return c.producer.Send(&sarama.ProducerMessage{
		Topic:   message.Topic,
		Key:     sarama.ByteEncoder(message.Key),
		Value:   sarama.ByteEncoder(message.Value),
		Headers: headers,
	})
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, retries int, processingErr error) error {
	topic := c.dlqTopic
	if topic == "" {
		topic = message.Topic + ".dlq"
	}
	now := time.Now().UTC()

	return c.producer.PublishJSON(topic, string(message.Key), ConsumerDeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		RetryCount:        retries,
		FailedAt:          now,
	},
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(now.Format(time.RFC3339))},
	)
}

func retryCount(message *sarama.ConsumerMessage) int {
	raw, ok := headerValue(message.Headers, HeaderRetryCount)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
