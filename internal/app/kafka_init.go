package app

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/outbox"
)

// startEventPipeline публикует события заказов из outbox в Kafka и подписывает сервис
// на подтверждения оплаты и возврата из топика Core. Воркеры запускаются в g.
// Без брокеров ничего не запускает: события ждут в outbox, подтверждения приходят по HTTP.
// Возвращаемая функция останавливает consumer и закрывает producer.
func startEventPipeline(ctx context.Context, g *errgroup.Group, cfg Config, outboxRepo domain.OutboxRepository,
	confirmations kafka.Executor, logger *log.Entry,
) (stop func()) {
	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if producer == nil {
		if err == nil {
			logger.Warn("KAFKA_BROKERS is not set, order events stay in the outbox")
		}
		return func() {}
	}

	worker := outbox.NewWorker(outboxRepo, kafka.NewOutboxPublisher(producer, cfg.EventsTopic),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.EventsDLQTopic)),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBackoff(cfg.OutboxRetryDelay, outboxMaxBackoffX*cfg.OutboxRetryDelay),
	)
	g.Go(func() error { worker.Run(ctx); return nil })

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, []string{cfg.CoreEventsTopic},
		kafka.NewConfirmationHandler(confirmations, logger.WithField("component", "core-confirmations")),
		kafka.WithRetryProducer(producer, cfg.CoreEventsDLQTopic),
		kafka.WithConsumerLogger(logger.WithField("component", "core-consumer")),
	)
	switch {
	case err != nil:
		logger.WithError(err).Warn("failed to create core events consumer, confirmations arrive over HTTP only")
		consumer = nil
	default:
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Warn("failed to start core events consumer, confirmations arrive over HTTP only")
			consumer = nil
		}
	}

	return func() {
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop core events consumer")
			}
		}
		closeKafka(producer, logger)
	}
}

// initKafkaProducer создаёт producer, если заданы брокеры.
// Без брокеров возвращает nil, nil.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).Warn("failed to create kafka producer, order events stay in the outbox")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
