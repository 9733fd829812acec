package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// maxBatchesPerRun ограничивает один проход, чтобы не держать базу под нагрузкой.
	maxBatchesPerRun = 100
)

var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oms_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup runs by result.",
	}, []string{"result"})
	cleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oms_idempotency_cleanup_deleted_total",
		Help: "Expired idempotency keys deleted.",
	})
)

// CleanupOption настраивает Cleaner.
type CleanupOption func(*Cleaner)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(c *Cleaner) { c.logger = logger }
}

// WithInterval задаёт период между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(c *Cleaner) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithBatchSize задаёт размер одного удаления.
func WithBatchSize(n int) CleanupOption {
	return func(c *Cleaner) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) CleanupOption {
	return func(c *Cleaner) { c.now = now }
}

// Cleaner периодически удаляет ключи с истёкшим TTL.
type Cleaner struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewCleaner создаёт Cleaner.
func NewCleaner(repo domain.IdempotencyRepository, opts ...CleanupOption) *Cleaner {
	c := &Cleaner{
		repo:      repo,
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "idempotency-cleanup")
	}
	return c
}

// Run чистит сразу и затем по таймеру до отмены ctx.
func (c *Cleaner) Run(ctx context.Context) {
	if c.repo == nil {
		c.logger.Warn("idempotency cleanup disabled: repository is nil")
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Cleaner) runOnce(ctx context.Context) {
	deleted, err := c.Purge(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		cleanupRunsTotal.WithLabelValues("error").Inc()
		c.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup failed")
		return
	}
	cleanupRunsTotal.WithLabelValues("ok").Inc()
	if deleted > 0 {
		c.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// Purge удаляет истёкшие ключи порциями, пока порция заполнена целиком.
func (c *Cleaner) Purge(ctx context.Context) (int, error) {
	before := c.now()
	total := 0
	for batch := 0; batch < maxBatchesPerRun; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := c.repo.DeleteExpired(before, c.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		cleanupDeletedTotal.Add(float64(deleted))
		if deleted < c.batchSize {
			break
		}
	}
	return total, nil
}
