package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/engine"
)

// Executor применяет команду к заказу.
type Executor interface {
	Execute(ctx context.Context, orderID string, cmd engine.Command) (domain.Order, error)
}

// NewConfirmationHandler переводит подтверждения Core в MarkPaid и MarkRefunded.
// Повтор уже применённого подтверждения не считается ошибкой.
func NewConfirmationHandler(executor Executor, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "core-confirmations")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseCoreEvent(message)
		if err != nil {
			return Permanent(err)
		}

		var cmd engine.Command
		switch event.Type {
		case CoreEventPaymentCaptured:
			cmd = engine.MarkPaid{CorePaymentID: event.CorePaymentID}
		case CoreEventRefundCompleted:
			cmd = engine.MarkRefunded{CoreRefundID: event.CoreRefundID, Amount: event.Amount}
		}

		order, err := executor.Execute(ctx, event.OrderID, cmd)
		if err != nil {
			if isPermanent(err) {
				return Permanent(err)
			}
			return err
		}

		logger.WithFields(log.Fields{
			"order_id":   order.ID,
			"core_event": event.Type,
			"status":     order.Status,
		}).Info("core confirmation applied")
		return nil
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrReservationExpired) ||
		errors.Is(err, domain.ErrInventoryUnavailable)
}
