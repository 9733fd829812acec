package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeErr  error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error { return m.errorsCh }

func (m *mockConsumerGroup) Close() error {
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return m.closeErr
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return TopicCoreEvents }
func (m *mockClaim) Partition() int32                         { return 0 }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func coreMessage(retry string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic: TopicCoreEvents,
		Key:   []byte("order-1"),
		Value: []byte(`{"type":"payment.captured","order_id":"order-1","core_payment_id":"pay_1"}`),
	}
	if retry != "" {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(retry)}}
	}
	return msg
}

func consumeOne(t *testing.T, c *Consumer, msg *sarama.ConsumerMessage) *mockSession {
	t.Helper()
	session := &mockSession{ctx: context.Background()}
	claim := &mockClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- msg
	close(claim.messages)
	require.NoError(t, c.ConsumeClaim(session, claim))
	return session
}

func failing(err error) MessageHandler {
	return func(context.Context, *sarama.ConsumerMessage) error { return err }
}

func TestConsumer_SuccessMarksOffset(t *testing.T) {
	c := newConsumer(nil, nil, failing(nil))
	session := consumeOne(t, c, coreMessage(""))
	assert.Len(t, session.marked, 1)
}

func TestConsumer_FailureWithoutProducerNotMarked(t *testing.T) {
	c := newConsumer(nil, nil, failing(errors.New("db down")))
	session := consumeOne(t, c, coreMessage(""))
	assert.Empty(t, session.marked)
}

func TestConsumer_PermanentWithoutProducerDropped(t *testing.T) {
	c := newConsumer(nil, nil, failing(Permanent(errors.New("bad payload"))))
	session := consumeOne(t, c, coreMessage(""))
	assert.Len(t, session.marked, 1)
}

func TestConsumer_RetryRepublishesWithIncrementedHeader(t *testing.T) {
	mock, producer := newMockProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicCoreEvents {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		count := 0
		for _, h := range msg.Headers {
			if string(h.Key) == HeaderRetryCount {
				count++
				if string(h.Value) != "2" {
					return fmt.Errorf("retry header = %s", h.Value)
				}
			}
		}
		if count != 1 {
			return fmt.Errorf("retry header count = %d", count)
		}
		return nil
	})

	c := newConsumer(nil, nil, failing(errors.New("timeout")),
		WithRetryProducer(producer, TopicCoreEventsDLQ), WithMaxRetries(3))
	session := consumeOne(t, c, coreMessage("1"))

	assert.Len(t, session.marked, 1)
	require.NoError(t, mock.Close())
}

func TestConsumer_ExhaustedGoesToDLQ(t *testing.T) {
	mock, producer := newMockProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicCoreEventsDLQ {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		body, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var letter ConsumerDeadLetter
		if err := json.Unmarshal(body, &letter); err != nil {
			return err
		}
		if letter.OriginalTopic != TopicCoreEvents || letter.RetryCount != 3 || letter.ErrorMessage != "timeout" {
			return fmt.Errorf("unexpected dead letter %+v", letter)
		}
		return nil
	})

	c := newConsumer(nil, nil, failing(errors.New("timeout")),
		WithRetryProducer(producer, TopicCoreEventsDLQ), WithMaxRetries(3))
	session := consumeOne(t, c, coreMessage("3"))

	assert.Len(t, session.marked, 1)
	require.NoError(t, mock.Close())
}

func TestConsumer_PermanentSkipsRetries(t *testing.T) {
	mock, producer := newMockProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicCoreEventsDLQ {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		return nil
	})

	c := newConsumer(nil, nil, failing(Permanent(errors.New("unknown order"))),
		WithRetryProducer(producer, TopicCoreEventsDLQ), WithMaxRetries(3))
	session := consumeOne(t, c, coreMessage(""))

	assert.Len(t, session.marked, 1)
	require.NoError(t, mock.Close())
}

func TestConsumer_RepublishFailureNotMarked(t *testing.T) {
	mock, producer := newMockProducer(t)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	c := newConsumer(nil, nil, failing(errors.New("timeout")), WithRetryProducer(producer, ""))
	session := consumeOne(t, c, coreMessage(""))

	assert.Empty(t, session.marked)
	require.NoError(t, mock.Close())
}

func TestConsumer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errorsCh := make(chan error, 1)
	calls := 0
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(context.Context, []string, sarama.ConsumerGroupHandler) error {
			calls++
			cancel()
			return nil
		},
	}
	c := newConsumer(group, []string{TopicCoreEvents}, failing(nil), WithConsumerLogger(log.WithField("test", "start-stop")))

	errorsCh <- errors.New("background error")
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop())
	assert.Equal(t, 1, calls)
}

func TestConsumer_StopError(t *testing.T) {
	group := &mockConsumerGroup{errorsCh: make(chan error), closeErr: errors.New("close failed")}
	require.Error(t, newConsumer(group, nil, failing(nil)).Stop())
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(coreMessage("")))
	assert.Equal(t, 2, retryCount(coreMessage("2")))
	assert.Equal(t, 0, retryCount(coreMessage("x")))
	assert.Equal(t, 0, retryCount(coreMessage("-4")))
}

func TestNewConsumer_InvalidBroker(t *testing.T) {
	_, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{TopicCoreEvents}, failing(nil))
	require.Error(t, err)
}

var _ sarama.SyncProducer = (*mocks.SyncProducer)(nil)
