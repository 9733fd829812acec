package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/storage/memory"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	producer, err := initKafkaProducer(nil, log.WithField("test", "kafka"))

	assert.NoError(t, err)
	assert.Nil(t, producer)
}

func TestInitKafkaProducer_UnreachableBrokers(t *testing.T) {
	producer, err := initKafkaProducer([]string{"127.0.0.1:1", "127.0.0.1:2"}, log.WithField("test", "kafka"))

	assert.Error(t, err)
	assert.Nil(t, producer)
}

func TestStartEventPipeline_WithoutBrokersKeepsEventsInOutbox(t *testing.T) {
	for name, brokers := range map[string][]string{
		"not configured": nil,
		"unreachable":    {"127.0.0.1:1"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.KafkaBrokers = brokers

			g, ctx := errgroup.WithContext(context.Background())
			stop := startEventPipeline(ctx, g, cfg, memory.NewOutboxRepository(), nil, log.WithField("test", "kafka"))
			require.NotNil(t, stop)
			stop()

			require.NoError(t, g.Wait(), "no workers are started without a producer")
		})
	}
}

func TestCloseKafka_NilProducer(_ *testing.T) {
	closeKafka(nil, log.WithField("test", "kafka"))
}
