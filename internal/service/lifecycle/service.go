// Package lifecycle связывает автомат заказа с хранилищем, складом Core и ценообразованием.
// Операции одного заказа сериализуются внутри процесса, между репликами работает optimistic locking.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/engine"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing"
)

const (
	defaultConflictRetries = 3
	defaultConflictDelay   = 10 * time.Millisecond
	defaultListLimit       = 50
	maxListLimit           = 200
)

// Pricer считает финансовый снимок при создании заказа.
type Pricer interface {
	Price(ctx context.Context, req pricing.Request) (pricing.Snapshot, error)
	Release(ctx context.Context, snap pricing.Snapshot) error
}

// Dependencies содержит обязательные зависимости сервиса.
type Dependencies struct {
	Orders    domain.OrderRepository
	Timeline  domain.TimelineRepository
	Numbers   domain.OrderNumberGenerator
	Inventory domain.InventoryService
	Pricer    Pricer
}

// CreateOrderInput описывает корзину покупателя для операции create.
type CreateOrderInput struct {
	ID              string
	TenantID        string
	CustomerID      string
	GuestEmail      string
	Currency        string
	Items           []domain.OrderItem
	ShippingAddress *domain.Address
	ShippingMethod  string
	PromotionCode   string
}

// Service реализует прикладной сервис жизненного цикла заказа.
type Service struct {
	orders    domain.OrderRepository
	timeline  domain.TimelineRepository
	numbers   domain.OrderNumberGenerator
	inventory domain.InventoryService
	pricer    Pricer
	engine    *engine.Engine

	metrics         *metrics.OrderMetrics
	retry           RetryConfig
	conflictRetries int
	conflictDelay   time.Duration
	locks           *orderLocks
	logger          *log.Entry
	now             func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics включает Prometheus-метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRetryConfig задаёт повторы снятия резерва.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithConflictRetries задаёт число циклов load → apply → save при конфликте версий.
func WithConflictRetries(n int, delay time.Duration) Option {
	return func(s *Service) {
		if n > 0 {
			s.conflictRetries = n
		}
		if delay >= 0 {
			s.conflictDelay = delay
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New создаёт сервис.
func New(deps Dependencies, opts ...Option) (*Service, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("lifecycle: order repository is required")
	case deps.Timeline == nil:
		return nil, errors.New("lifecycle: timeline repository is required")
	case deps.Numbers == nil:
		return nil, errors.New("lifecycle: order number generator is required")
	case deps.Inventory == nil:
		return nil, errors.New("lifecycle: inventory service is required")
	case deps.Pricer == nil:
		return nil, errors.New("lifecycle: pricer is required")
	}

	s := &Service{
		orders:          deps.Orders,
		timeline:        deps.Timeline,
		numbers:         deps.Numbers,
		pricer:          deps.Pricer,
		retry:           DefaultRetryConfig(),
		conflictRetries: defaultConflictRetries,
		conflictDelay:   defaultConflictDelay,
		locks:           newOrderLocks(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-lifecycle")
	}

	s.inventory = retryingInventory{
		InventoryService: deps.Inventory,
		cfg:              s.retry,
		logger:           s.logger.WithField("dependency", "inventory"),
	}
	s.engine = engine.New(s.inventory,
		engine.WithLogger(s.logger.WithField("component", "order-engine")),
		engine.WithClock(s.now),
	)
	return s, nil
}

// Create считает снимок цен, выдаёт номер и сохраняет заказ в DRAFT вместе с ORDER_CREATED.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	start := s.now()
	done := s.metrics.Begin()
	defer done()

	order, err := s.create(ctx, in)
	s.metrics.ObserveTransition(string(domain.OperationCreate), resultFor(err), s.now().Sub(start))
	if err != nil {
		return domain.Order{}, err
	}
	s.metrics.RecordOrderCreated()
	return order, nil
}

func (s *Service) create(ctx context.Context, in CreateOrderInput) (order domain.Order, err error) {
	draft := engine.NewOrder{
		ID:              in.ID,
		TenantID:        in.TenantID,
		CustomerID:      in.CustomerID,
		GuestEmail:      in.GuestEmail,
		Currency:        in.Currency,
		Items:           in.Items,
		ShippingAddress: in.ShippingAddress,
		ShippingMethod:  in.ShippingMethod,
	}
	if err := engine.ValidateNewOrder(draft); err != nil {
		return domain.Order{}, err
	}

	snap, err := s.pricer.Price(ctx, pricing.Request{
		Currency:       strings.ToUpper(in.Currency),
		Items:          in.Items,
		Address:        in.ShippingAddress,
		ShippingMethod: in.ShippingMethod,
		PromotionCode:  in.PromotionCode,
	})
	if err != nil {
		return domain.Order{}, err
	}
	defer func() {
		if err != nil {
			s.releasePromotion(ctx, snap)
		}
	}()

	draft.OrderNumber, err = s.numbers.Next(in.TenantID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("allocate order number: %w", err)
	}
	draft.ShippingTotal = snap.ShippingTotal
	draft.TaxTotal = snap.TaxTotal
	draft.DiscountTotal = snap.DiscountTotal
	draft.PromotionCode = snap.PromotionCode

	tr, err := s.engine.Create(draft)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Create(tr.Order, tr.Events); err != nil {
		return domain.Order{}, fmt.Errorf("create order %s: %w", tr.Order.ID, err)
	}

	s.recordTimeline(tr.Order, tr.Events, "")
	s.logger.WithFields(log.Fields{
		"order_id":     tr.Order.ID,
		"order_number": tr.Order.OrderNumber,
		"tenant_id":    tr.Order.TenantID,
		"grand_total":  tr.Order.GrandTotal.String(),
	}).Info("order created")
	return tr.Order, nil
}

// Execute применяет команду к заказу: load → apply → save с повтором при конфликте версий.
func (s *Service) Execute(ctx context.Context, orderID string, cmd engine.Command) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.NewValidationError("order_id", "is required")
	}
	if cmd == nil {
		return domain.Order{}, domain.NewValidationError("command", "is required")
	}

	start := s.now()
	done := s.metrics.Begin()
	defer done()

	unlock := s.locks.lock(orderID)
	defer unlock()

	order, result, err := s.execute(ctx, orderID, cmd)
	if err != nil && result == "" {
		result = resultFor(err)
	}
	s.metrics.ObserveTransition(string(cmd.Operation()), result, s.now().Sub(start))
	return order, err
}

func (s *Service) execute(ctx context.Context, orderID string, cmd engine.Command) (domain.Order, string, error) {
	logger := s.logger.WithFields(log.Fields{
		"order_id":  orderID,
		"operation": cmd.Operation(),
	})

	for attempt := 1; ; attempt++ {
		current, err := s.orders.Get(orderID)
		if err != nil {
			return domain.Order{}, "", err
		}

		tr, err := s.engine.Apply(ctx, current, cmd)
		if err != nil {
			logger.WithError(err).WithField("status", current.Status).Debug("operation rejected")
			return domain.Order{}, "", err
		}
		if tr.Replayed {
			logger.Info("duplicate confirmation ignored")
			return current, metrics.ResultReplayed, nil
		}

		saveErr := s.orders.Save(tr.Order, tr.Events)
		if saveErr == nil {
			saved := tr.Order
			saved.Version = current.Version + 1
			s.recordTimeline(saved, tr.Events, commandReason(cmd))
			logger.WithFields(log.Fields{
				"from": current.Status,
				"to":   saved.Status,
			}).Info("order transition persisted")
			return saved, metrics.ResultOK, nil
		}

		s.compensateReservation(ctx, current, tr.Order)

		if !domain.IsVersionConflict(saveErr) {
			s.persistReleasedReservation(current, tr.Order)
			return domain.Order{}, metrics.ResultError, fmt.Errorf("save order %s: %w", orderID, saveErr)
		}
		s.metrics.RecordVersionConflict()
		if attempt >= s.conflictRetries {
			s.persistReleasedReservation(current, tr.Order)
			return domain.Order{}, metrics.ResultError, fmt.Errorf("save order %s after %d attempts: %w", orderID, attempt, saveErr)
		}

		logger.WithField("attempt", attempt).Warn("version conflict detected, retrying")
		if err := sleep(ctx, s.conflictDelay*time.Duration(attempt)); err != nil {
			return domain.Order{}, metrics.ResultError, err
		}
	}
}

// compensateReservation снимает резерв, сделанный переходом, который не удалось сохранить.
// Резерв не трогается, если он уже был у заказа или его сохранил конкурентный writer.
func (s *Service) compensateReservation(ctx context.Context, before, attempted domain.Order) {
	made := attempted.Reservation
	if made == nil || made.Status == domain.ReservationStatusReleased {
		return
	}
	if before.Reservation != nil && before.Reservation.ID == made.ID {
		return
	}
	if latest, err := s.orders.Get(attempted.ID); err == nil && latest.Reservation != nil && latest.Reservation.ID == made.ID {
		return
	}

	err := s.inventory.Release(context.WithoutCancel(ctx), made.ID)
	s.metrics.RecordCompensation("release_reservation", err == nil)
	entry := s.logger.WithFields(log.Fields{
		"order_id":       attempted.ID,
		"reservation_id": made.ID,
	})
	if err != nil {
		entry.WithError(err).Error("failed to release reservation of unsaved transition")
		return
	}
	entry.Info("reservation of unsaved transition released")
}

// persistReleasedReservation сохраняет снятие резерва, если Core его уже снял, а переход не сохранился.
// Заказ остаётся в прежнем статусе, но без удержания, которого в Core больше нет.
func (s *Service) persistReleasedReservation(before, attempted domain.Order) {
	held, released := before.Reservation, attempted.Reservation
	if held == nil || released == nil || held.ID != released.ID {
		return
	}
	if held.Status != domain.ReservationStatusHeld || released.Status != domain.ReservationStatusReleased {
		return
	}

	entry := s.logger.WithFields(log.Fields{
		"order_id":       attempted.ID,
		"reservation_id": held.ID,
	})
	latest, err := s.orders.Get(attempted.ID)
	if err != nil {
		s.metrics.RecordCompensation("mark_reservation_released", false)
		entry.WithError(err).Error("failed to load order to mark reservation released")
		return
	}
	if latest.Reservation == nil || latest.Reservation.ID != held.ID || latest.Reservation.Status != domain.ReservationStatusHeld {
		return
	}

	res := *latest.Reservation
	res.Status = domain.ReservationStatusReleased
	res.UpdatedAt = released.UpdatedAt
	latest.Reservation = &res
	latest.UpdatedAt = released.UpdatedAt

	err = s.orders.Save(latest, nil)
	s.metrics.RecordCompensation("mark_reservation_released", err == nil)
	if err != nil {
		entry.WithError(err).Error("failed to mark released reservation on unsaved transition")
		return
	}
	entry.WithField("status", latest.Status).Warn("transition not saved, released reservation recorded")
}

func (s *Service) releasePromotion(ctx context.Context, snap pricing.Snapshot) {
	if snap.PromotionCode == "" {
		return
	}
	err := s.pricer.Release(context.WithoutCancel(ctx), snap)
	s.metrics.RecordCompensation("release_promotion", err == nil)
	if err != nil {
		s.logger.WithError(err).WithField("promotion_code", snap.PromotionCode).Error("failed to release promotion usage")
	}
}

func (s *Service) recordTimeline(order domain.Order, events []domain.Event, reason string) {
	for _, ev := range events {
		if err := s.timeline.Append(domain.TimelineEvent{
			OrderID:  order.ID,
			Version:  order.Version,
			Type:     string(ev.Type),
			Status:   order.Status,
			Reason:   reason,
			Occurred: ev.Timestamp,
		}); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id":   order.ID,
				"event_type": ev.Type,
			}).Warn("append timeline event failed")
			continue
		}
		s.metrics.RecordTimelineEvent()
	}
}

// Get возвращает заказ.
func (s *Service) Get(orderID string) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.NewValidationError("order_id", "is required")
	}
	return s.orders.Get(orderID)
}

// Timeline возвращает историю заказа по возрастанию времени.
func (s *Service) Timeline(orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(orderID); err != nil {
		return nil, err
	}
	return s.timeline.List(orderID)
}

// ListByCustomer возвращает заказы клиента, новые первыми.
func (s *Service) ListByCustomer(tenantID, customerID string, limit int) ([]domain.Order, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if strings.TrimSpace(customerID) == "" {
		return nil, domain.NewValidationError("customer_id", "is required")
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.orders.ListByCustomer(tenantID, customerID, limit)
}

// CheckAvailability проверяет остатки без удержания.
func (s *Service) CheckAvailability(ctx context.Context, lines []domain.ReservationLine) ([]domain.AvailabilityResult, error) {
	if len(lines) == 0 {
		return nil, domain.NewValidationError("items", "at least one item is required")
	}
	for _, line := range lines {
		if errs := line.Validate(); len(errs) > 0 {
			return nil, domain.NewValidationError("items", errors.Join(errs...).Error())
		}
	}
	results, err := s.inventory.CheckAvailability(ctx, lines)
	if err != nil {
		var ext *domain.ExternalServiceError
		if errors.As(err, &ext) {
			return nil, ext
		}
		return nil, &domain.ExternalServiceError{Service: "inventory", Operation: "check_availability", Retryable: true, Err: err}
	}
	return results, nil
}

func commandReason(cmd engine.Command) string {
	switch c := cmd.(type) {
	case engine.Cancel:
		return c.Reason
	case engine.RequestRefund:
		return c.Reason
	default:
		return ""
	}
}

// resultFor относит ошибку к отказу по бизнес-правилу или к сбою.
func resultFor(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInventoryUnavailable),
		errors.Is(err, domain.ErrReservationExpired),
		errors.Is(err, domain.ErrOrderNotFound):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
