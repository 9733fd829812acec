package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/engine"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/lifecycle"
)

// OrderService описывает операции жизненного цикла, которые публикует HTTP API.
type OrderService interface {
	Create(ctx context.Context, in lifecycle.CreateOrderInput) (domain.Order, error)
	Execute(ctx context.Context, orderID string, cmd engine.Command) (domain.Order, error)
	Get(orderID string) (domain.Order, error)
	Timeline(orderID string) ([]domain.TimelineEvent, error)
	ListByCustomer(tenantID, customerID string, limit int) ([]domain.Order, error)
	CheckAvailability(ctx context.Context, lines []domain.ReservationLine) ([]domain.AvailabilityResult, error)
}

var _ OrderService = (*lifecycle.Service)(nil)

var errEmptyBody = errors.New("request body is required")

type handler struct {
	orders OrderService
	logger *log.Entry
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.OrderItem{
			ProductID:   it.ProductID,
			VariantID:   it.VariantID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
			WeightGrams: it.WeightGrams,
		})
	}

	order, err := h.orders.Create(r.Context(), lifecycle.CreateOrderInput{
		ID:              req.ID,
		TenantID:        chi.URLParam(r, "tenantID"),
		CustomerID:      req.CustomerID,
		GuestEmail:      req.GuestEmail,
		Currency:        req.Currency,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toDomain(),
		ShippingMethod:  req.ShippingMethod,
		PromotionCode:   req.PromotionCode,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/orders/"+order.ID)
	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	order, err := h.orders.Get(orderID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	timeline, err := h.orders.Timeline(orderID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := newOrderResponse(order)
	resp.Timeline = make([]timelineResponse, 0, len(timeline))
	for _, ev := range timeline {
		resp.Timeline = append(resp.Timeline, timelineResponse{
			Version:  ev.Version,
			Type:     ev.Type,
			Status:   string(ev.Status),
			Reason:   ev.Reason,
			Occurred: ev.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, h.logger, domain.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	orders, err := h.orders.ListByCustomer(chi.URLParam(r, "tenantID"), chi.URLParam(r, "customerID"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *handler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	lines := make([]domain.ReservationLine, 0, len(req.Items))
	for _, l := range req.Items {
		lines = append(lines, domain.ReservationLine{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity})
	}

	result, err := h.orders.CheckAvailability(r.Context(), lines)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": newAvailabilityResponse(result)})
}

// command собирает обработчик для операции без тела запроса.
func (h *handler) command(cmd engine.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := decodeJSON(r, &struct{}{}, true); err != nil {
			h.commandError(w, r, err)
			return
		}
		h.execute(w, r, cmd)
	}
}

func (h *handler) ship(w http.ResponseWriter, r *http.Request) {
	var req shipRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.commandError(w, r, err)
		return
	}
	h.execute(w, r, engine.MarkShipped{
		Carrier:           req.Carrier,
		TrackingNumber:    req.TrackingNumber,
		TrackingURL:       req.TrackingURL,
		EstimatedDelivery: req.EstimatedDelivery,
		NotifyCustomer:    req.NotifyCustomer,
	})
}

func (h *handler) deliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.commandError(w, r, err)
		return
	}
	h.execute(w, r, engine.MarkDelivered{Proof: req.Proof})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.commandError(w, r, err)
		return
	}
	h.execute(w, r, engine.Cancel{Reason: req.Reason, Actor: req.Actor, ActorUserID: req.ActorUserID})
}

func (h *handler) requestRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.commandError(w, r, err)
		return
	}
	items := make([]domain.RefundItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.RefundItem{ItemID: it.ItemID, Quantity: it.Quantity})
	}
	h.execute(w, r, engine.RequestRefund{
		Type:   req.Type,
		Amount: req.Amount,
		Reason: req.Reason,
		Actor:  req.Actor,
		Items:  items,
	})
}

func (h *handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var req paidRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.commandError(w, r, err)
		return
	}
	h.execute(w, r, engine.MarkPaid{CorePaymentID: req.CorePaymentID})
}

func (h *handler) markRefunded(w http.ResponseWriter, r *http.Request) {
	var req refundedRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.commandError(w, r, err)
		return
	}
	h.execute(w, r, engine.MarkRefunded{CoreRefundID: req.CoreRefundID, Amount: req.Amount})
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request, cmd engine.Command) {
	order, err := h.orders.Execute(r.Context(), chi.URLParam(r, "orderID"), cmd)
	if err != nil {
		h.commandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// commandError отвечает на отказ команды и добавляет текущий статус заказа с допустимыми операциями.
func (h *handler) commandError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describeError(err)
	if status == http.StatusNotFound || status == http.StatusInternalServerError {
		respondError(w, h.logger, err, status, body)
		return
	}

	resp := commandErrorResponse{errorResponse: body, ValidOperations: body.ValidOperations}
	if resp.ValidOperations == nil {
		order, getErr := h.orders.Get(chi.URLParam(r, "orderID"))
		if getErr != nil {
			h.logger.WithError(getErr).Warn("failed to load order for error response")
		} else {
			resp.Status = order.Status
			resp.ValidOperations = engine.ValidOperations(order.Status)
		}
	}
	if resp.ValidOperations == nil {
		resp.ValidOperations = []domain.Operation{}
	}
	respondError(w, h.logger, err, status, resp)
}

// decodeJSON читает тело строго: неизвестные поля и хвостовые данные отклоняются.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return domain.NewValidationError("body", errEmptyBody.Error())
		}
		return domain.NewValidationError("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	if dec.More() {
		return domain.NewValidationError("body", "must contain a single JSON object")
	}
	return nil
}

var (
	placeCommand           engine.Command = engine.Place{}
	startProcessingCommand engine.Command = engine.StartProcessing{}
	fulfillCommand         engine.Command = engine.MarkFulfilled{}
)
