package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/idempotency"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeError переводит доменную ошибку в HTTP-ответ.
func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, body := describeError(err)
	respondError(w, logger, err, status, body)
}

func respondError(w http.ResponseWriter, logger *log.Entry, err error, status int, body any) {
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("http_status", status).Error("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func describeError(err error) (int, errorResponse) {
	body := errorResponse{Error: err.Error()}

	var (
		validation  *domain.ValidationError
		transition  *domain.StateTransitionError
		unavailable *domain.InventoryUnavailableError
		expired     *domain.ReservationExpiredError
		external    *domain.ExternalServiceError
	)
	switch {
	case errors.As(err, &validation):
		body.Code = "validation_failed"
		body.Field = validation.Field
		return http.StatusBadRequest, body
	case errors.As(err, &transition):
		body.Code = "invalid_transition"
		body.Operation = transition.Operation
		body.Status = transition.Status
		body.ValidOperations = transition.Valid
		return http.StatusConflict, body
	case errors.As(err, &unavailable):
		body.Code = "inventory_unavailable"
		body.Lines = newAvailabilityResponse(unavailable.Lines)
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &expired):
		body.Code = "reservation_expired"
		body.Lines = newAvailabilityResponse(expired.Lines)
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &external):
		body.Code = "external_service_unavailable"
		body.Retryable = external.Retryable
		return http.StatusServiceUnavailable, body
	case errors.Is(err, domain.ErrOrderNotFound):
		body.Code = "order_not_found"
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrOrderVersionConflict):
		body.Code = "version_conflict"
		body.Retryable = true
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		body.Code = "idempotency_key_reused"
		return http.StatusConflict, body
	case errors.Is(err, idempotency.ErrRequestInProgress):
		body.Code = "request_in_progress"
		body.Retryable = true
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrValidation), isInputError(err):
		body.Code = "validation_failed"
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrOrderAlreadyExists):
		body.Code = "order_exists"
		return http.StatusConflict, body
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"}
	}
}

var inputErrors = []error{
	domain.ErrTenantRequired,
	domain.ErrCustomerRequired,
	domain.ErrCurrencyRequired,
	domain.ErrItemsRequired,
	domain.ErrItemQtyInvalid,
	domain.ErrItemPriceInvalid,
	domain.ErrItemRefundExceeded,
	domain.ErrRefundExceedsRemainder,
	domain.ErrOrderIDRequired,
	domain.ErrReservationProductRequired,
	domain.ErrReservationQtyInvalid,
	domain.ErrIdempotencyKeyRequired,
}

func isInputError(err error) bool {
	for _, target := range inputErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
