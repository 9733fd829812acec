package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/engine"
)

type stubExecutor struct {
	err      error
	orderID  string
	commands []engine.Command
}

func (s *stubExecutor) Execute(_ context.Context, orderID string, cmd engine.Command) (domain.Order, error) {
	s.orderID = orderID
	s.commands = append(s.commands, cmd)
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return domain.Order{ID: orderID, Status: domain.OrderStatusPaid}, nil
}

func message(body string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: TopicCoreEvents, Value: []byte(body)}
}

func TestConfirmationHandler_PaymentCaptured(t *testing.T) {
	exec := &stubExecutor{}
	handler := NewConfirmationHandler(exec, nil)

	err := handler(context.Background(), message(`{"type":"payment.captured","order_id":"o-1","core_payment_id":"pay_123"}`))
	require.NoError(t, err)
	assert.Equal(t, "o-1", exec.orderID)
	assert.Equal(t, []engine.Command{engine.MarkPaid{CorePaymentID: "pay_123"}}, exec.commands)
}

func TestConfirmationHandler_RefundCompleted(t *testing.T) {
	exec := &stubExecutor{}
	handler := NewConfirmationHandler(exec, nil)

	err := handler(context.Background(), message(`{"type":"refund.completed","order_id":"o-1","core_refund_id":"ref_1","amount":"5.00"}`))
	require.NoError(t, err)
	require.Len(t, exec.commands, 1)
	cmd, ok := exec.commands[0].(engine.MarkRefunded)
	require.True(t, ok)
	assert.Equal(t, "ref_1", cmd.CoreRefundID)
	assert.True(t, cmd.Amount.Equal(decimal.RequireFromString("5.00")))
}

func TestConfirmationHandler_MalformedIsPermanent(t *testing.T) {
	handler := NewConfirmationHandler(&stubExecutor{}, nil)

	for _, body := range []string{
		`not json`,
		`{"type":"payment.captured","order_id":"o-1"}`,
		`{"type":"refund.completed","order_id":"o-1"}`,
		`{"type":"payment.failed","order_id":"o-1"}`,
		`{"type":"payment.captured","core_payment_id":"p"}`,
	} {
		err := handler(context.Background(), message(body))
		assert.ErrorIs(t, err, ErrPermanent, body)
	}
}

func TestConfirmationHandler_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"transition", &domain.StateTransitionError{Operation: domain.OperationMarkPaid, Status: domain.OrderStatusCancelled}, true},
		{"not found", domain.ErrOrderNotFound, true},
		{"expired", &domain.ReservationExpiredError{ReservationID: "r"}, true},
		{"core down", &domain.ExternalServiceError{Service: "inventory", Operation: "reserve", Retryable: true}, false},
		{"conflict", domain.ErrOrderVersionConflict, false},
		{"unknown", errors.New("db down"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewConfirmationHandler(&stubExecutor{err: tc.err}, nil)
			err := handler(context.Background(), message(`{"type":"payment.captured","order_id":"o-1","core_payment_id":"pay_1"}`))
			require.Error(t, err)
			assert.Equal(t, tc.permanent, errors.Is(err, ErrPermanent))
		})
	}
}
