package engine

import "github.com/vladislavdragonenkov/order-lifecycle/internal/domain"

// transitions задаёт допустимые операции для каждого статуса.
// Статус без записи или с пустым списком не принимает ни одной операции.
var transitions = map[domain.OrderStatus][]domain.Operation{
	domain.OrderStatusDraft: {
		domain.OperationPlace,
		domain.OperationCancel,
	},
	domain.OrderStatusPlaced: {
		domain.OperationMarkPaid,
		domain.OperationCancel,
	},
	domain.OrderStatusPaid: {
		domain.OperationStartProcessing,
		domain.OperationCancel,
		domain.OperationRequestRefund,
	},
	domain.OrderStatusProcessing: {
		domain.OperationMarkShipped,
		domain.OperationRequestRefund,
	},
	domain.OrderStatusShipped: {
		domain.OperationMarkDelivered,
		domain.OperationRequestRefund,
	},
	domain.OrderStatusDelivered: {
		domain.OperationMarkFulfilled,
		domain.OperationRequestRefund,
	},
	domain.OrderStatusFulfilled: {
		domain.OperationRequestRefund,
	},
	domain.OrderStatusRefundRequested: {
		domain.OperationMarkRefunded,
	},
	domain.OrderStatusPartiallyRefunded: {
		domain.OperationRequestRefund,
	},
	domain.OrderStatusCancelled: nil,
	domain.OrderStatusRefunded:  nil,
}

// AllOperations перечисляет операции над существующим заказом.
var AllOperations = []domain.Operation{
	domain.OperationPlace,
	domain.OperationMarkPaid,
	domain.OperationStartProcessing,
	domain.OperationMarkShipped,
	domain.OperationMarkDelivered,
	domain.OperationMarkFulfilled,
	domain.OperationCancel,
	domain.OperationRequestRefund,
	domain.OperationMarkRefunded,
}

// ValidOperations возвращает копию списка операций, допустимых из статуса.
func ValidOperations(status domain.OrderStatus) []domain.Operation {
	ops := transitions[status]
	out := make([]domain.Operation, len(ops))
	copy(out, ops)
	return out
}

// CanTransition сообщает, допустима ли операция из статуса.
func CanTransition(status domain.OrderStatus, op domain.Operation) bool {
	for _, candidate := range transitions[status] {
		if candidate == op {
			return true
		}
	}
	return false
}

func transitionError(op domain.Operation, status domain.OrderStatus) error {
	return &domain.StateTransitionError{
		Operation: op,
		Status:    status,
		Valid:     ValidOperations(status),
	}
}
