package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Ошибка отсутствующего арендатора.
	ErrTenantRequired = errors.New("tenant_id is required")
	// Ошибка: нужен ровно один из customer_id и guest_email.
	ErrCustomerRequired = errors.New("exactly one of customer_id or guest_email is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("grand total must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия итогов заказа.
	ErrAmountMismatch = errors.New("order totals are inconsistent")
	// Ошибка: возврат по позиции больше её количества или суммы.
	ErrItemRefundExceeded = errors.New("item refund exceeds line")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего товара в строке резерва.
	ErrReservationProductRequired = errors.New("reservation product_id is required")
	// Ошибка некорректного количества в резерве.
	ErrReservationQtyInvalid = errors.New("reservation quantity must be greater than zero")
	// ErrRefundExceedsRemainder: сумма возврата больше невозвращённого остатка.
	ErrRefundExceedsRemainder = errors.New("refund amount exceeds refundable remainder")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists: заказ с таким ID или номером уже создан.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")

	ErrValidation           = errors.New("validation failed")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInventoryUnavailable = errors.New("inventory unavailable")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrExternalService      = errors.New("external service error")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает, что ключ уже использован.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// ValidationError сообщает о некорректном вводе.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError создаёт ошибку валидации поля.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateTransitionError сообщает, что операция недопустима в текущем статусе.
// Valid содержит операции, разрешённые из Status.
type StateTransitionError struct {
	Operation Operation
	Status    OrderStatus
	Valid     []Operation
}

func (e *StateTransitionError) Error() string {
	valid := make([]string, 0, len(e.Valid))
	for _, op := range e.Valid {
		valid = append(valid, string(op))
	}
	return fmt.Sprintf("cannot %s order in status %s (valid: [%s])", e.Operation, e.Status, strings.Join(valid, ", "))
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidTransition }

// InventoryUnavailableError сообщает, что склад не смог удержать часть строк.
type InventoryUnavailableError struct {
	Lines []AvailabilityResult
}

func (e *InventoryUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s requested=%d available=%d status=%s", lineKey(l.ProductID, l.VariantID), l.Requested, l.Available, l.Status))
	}
	return "inventory unavailable: " + strings.Join(parts, "; ")
}

func (e *InventoryUnavailableError) Unwrap() error { return ErrInventoryUnavailable }

// ReservationExpiredError сообщает, что резерв истёк и повторное удержание не удалось.
type ReservationExpiredError struct {
	ReservationID string
	ExpiredAt     time.Time
	Lines         []AvailabilityResult
}

func (e *ReservationExpiredError) Error() string {
	return fmt.Sprintf("reservation %s expired at %s and could not be renewed", e.ReservationID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *ReservationExpiredError) Unwrap() error { return ErrReservationExpired }

// ExternalServiceError сообщает об отказе зависимости (Core, брокер). Retryable означает, что повтор безопасен.
type ExternalServiceError struct {
	Service    string
	Operation  string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ExternalServiceError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Service, e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalService}
	}
	return []error{ErrExternalService, e.Err}
}

// IsRetryable сообщает, можно ли безопасно повторить вызов.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext) && ext.Retryable
}

func lineKey(productID, variantID string) string {
	if variantID == "" {
		return productID
	}
	return productID + "/" + variantID
}
