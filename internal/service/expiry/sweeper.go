// Package expiry отменяет PLACED-заказы, чей резерв в Core истёк и не был оплачен.
package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/engine"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/metrics"
)

// ReasonReservationExpired задаёт причину системной отмены.
const ReasonReservationExpired = "reservation_expired"

const (
	defaultInterval  = time.Minute
	defaultGrace     = 5 * time.Minute
	defaultBatchSize = 100
)

var sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oms_expiry_sweep_runs_total",
	Help: "Total number of expired reservation sweeps grouped by result.",
}, []string{"result"})

// ExpiredLister выделяет часть OrderRepository, нужную воркеру.
type ExpiredLister interface {
	ListExpiredReservations(before time.Time, limit int) ([]domain.Order, error)
}

// Executor применяет команду к заказу под блокировкой заказа.
type Executor interface {
	Execute(ctx context.Context, orderID string, cmd engine.Command) (domain.Order, error)
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithInterval задаёт период между проходами.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithGrace задаёт, сколько ждать после истечения резерва перед отменой.
func WithGrace(d time.Duration) Option {
	return func(s *Sweeper) { s.grace = d }
}

// WithBatchSize задаёт число заказов за один запрос.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithMetrics подключает метрики заказов.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper периодически отменяет заказы с истёкшим резервом.
type Sweeper struct {
	orders    ExpiredLister
	executor  Executor
	logger    *log.Entry
	metrics   *metrics.OrderMetrics
	interval  time.Duration
	grace     time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweeper создаёт воркер.
func NewSweeper(orders ExpiredLister, executor Executor, opts ...Option) *Sweeper {
	s := &Sweeper{
		orders:    orders,
		executor:  executor,
		interval:  defaultInterval,
		grace:     defaultGrace,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "reservation-expiry-sweeper")
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.grace < 0 {
		s.grace = 0
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	return s
}

// Run выполняет проходы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.orders == nil || s.executor == nil {
		s.logger.Warn("reservation expiry sweeper is disabled: dependencies are nil")
		return
	}

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	cancelled, err := s.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("reservation expiry sweep failed")
		return
	}
	sweepRunsTotal.WithLabelValues("ok").Inc()
	if cancelled > 0 {
		s.logger.WithField("cancelled", cancelled).Info("expired reservations swept")
	}
}

// Sweep отменяет все заказы, резерв которых истёк раньше now-grace.
// Заказы, успевшие уйти из PLACED, пропускаются.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().UTC().Add(-s.grace)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		orders, err := s.orders.ListExpiredReservations(before, s.batchSize)
		if err != nil {
			return total, err
		}

		cancelled := 0
		for _, order := range orders {
			if s.cancel(ctx, order) {
				cancelled++
			}
		}
		total += cancelled

		// Остановка, если пачка неполная или часть заказов не удалось отменить: иначе они вернутся снова.
		if len(orders) < s.batchSize || cancelled < len(orders) {
			return total, nil
		}
	}
}

func (s *Sweeper) cancel(ctx context.Context, order domain.Order) bool {
	logger := s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
	})
	if order.Reservation != nil {
		logger = logger.WithField("expired_at", order.Reservation.ExpiresAt)
	}

	// Снимок из списка мог устареть: условие истечения перепроверяется под блокировкой заказа.
	_, err := s.executor.Execute(ctx, order.ID, engine.Cancel{
		Reason:                 ReasonReservationExpired,
		Actor:                  domain.ActorSystem,
		ExpiredReservationOnly: true,
	})
	switch {
	case err == nil:
		s.metrics.RecordReservationSwept()
		logger.Info("order cancelled after reservation expiry")
		return true
	case errors.Is(err, engine.ErrNotExpired), errors.Is(err, domain.ErrInvalidTransition):
		logger.WithError(err).Debug("order no longer awaits payment with an expired reservation")
	default:
		logger.WithError(err).Warn("failed to cancel order with expired reservation")
	}
	return false
}
