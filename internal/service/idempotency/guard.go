package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

const defaultKeyTTL = 24 * time.Hour

// ErrRequestInProgress означает, что запрос с тем же ключом ещё обрабатывается.
var ErrRequestInProgress = errors.New("request with this idempotency key is still in progress")

// Decision описывает результат Begin.
type Decision struct {
	// Replay означает, что ответ уже сохранён и обработчик вызывать не нужно.
	Replay bool
	Record domain.IdempotencyRecord
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт время жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// Guard реализует семантику заголовка Idempotency-Key поверх IdempotencyRepository.
//
// Первый запрос занимает ключ в статусе processing. Ответ 2xx/4xx сохраняется
// и отдаётся повторно; ответ 5xx помечается failed, и следующий запрос с тем же
// ключом выполняется заново. Тот же ключ с другим телом запроса отклоняется.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт Guard.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo: repo,
		ttl:  defaultKeyTTL,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = log.WithField("component", "idempotency-guard")
	}
	return g
}

// RequestHash считает отпечаток запроса по методу, пути и телу.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin занимает ключ или сообщает, что ответ нужно воспроизвести.
func (g *Guard) Begin(key, requestHash string) (Decision, error) {
	_, err := g.repo.CreateProcessing(key, requestHash, g.now().Add(g.ttl))
	if err == nil {
		return Decision{}, nil
	}
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		return Decision{}, err
	}

	existing, gerr := g.repo.Get(key)
	if gerr != nil {
		return Decision{}, fmt.Errorf("load idempotency record %s: %w", key, gerr)
	}
	switch existing.Status {
	case domain.IdempotencyStatusDone:
		return Decision{Replay: true, Record: existing}, nil
	case domain.IdempotencyStatusFailed:
		g.logger.WithField("idempotency_key", key).Debug("re-executing request after failed attempt")
		return Decision{}, nil
	default:
		return Decision{}, ErrRequestInProgress
	}
}

// Complete сохраняет ответ обработчика.
func (g *Guard) Complete(key string, httpStatus int, body []byte) error {
	var err error
	if httpStatus >= http.StatusInternalServerError {
		err = g.repo.MarkFailed(key, body, httpStatus)
	} else {
		err = g.repo.MarkDone(key, body, httpStatus)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
		return err
	}
	return nil
}
