package domain

// Operation задаёт имя операции жизненного цикла заказа.
type Operation string

const (
	OperationCreate          Operation = "create"
	OperationPlace           Operation = "place"
	OperationMarkPaid        Operation = "markPaid"
	OperationStartProcessing Operation = "startProcessing"
	OperationMarkShipped     Operation = "markShipped"
	OperationMarkDelivered   Operation = "markDelivered"
	OperationMarkFulfilled   Operation = "markFulfilled"
	OperationCancel          Operation = "cancel"
	OperationRequestRefund   Operation = "requestRefund"
	OperationMarkRefunded    Operation = "markRefunded"
)

// Actor определяет инициатора отмены или возврата.
type Actor string

const (
	ActorCustomer Actor = "CUSTOMER"
	ActorMerchant Actor = "MERCHANT"
	ActorSystem   Actor = "SYSTEM"
)

// Valid проверяет, что инициатор из известного набора.
func (a Actor) Valid() bool {
	switch a {
	case ActorCustomer, ActorMerchant, ActorSystem:
		return true
	default:
		return false
	}
}
