package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/idempotency"
)

const (
	// HeaderIdempotencyKey: ключ повтора мутирующего запроса.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется на ответ, взятый из кэша.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
	coreIssuer   = "core"
)

// requestLogger пишет одну строку на запрос.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("http request")
				return
			}
			entry.Debug("http request")
		})
	}
}

// idempotent воспроизводит сохранённый ответ для повторного Idempotency-Key.
// Запросы без заголовка проходят как есть.
func idempotent(guard *idempotency.Guard, logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" || guard == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
				return
			}
			if len(body) > maxBodyBytes {
				writeProblem(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body is too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			decision, err := guard.Begin(key, idempotency.RequestHash(r.Method, r.URL.Path, body))
			if err != nil {
				writeError(w, logger, err)
				return
			}
			if decision.Replay {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderIdempotentReplay, "true")
				w.WriteHeader(decision.Record.HTTPStatus)
				_, _ = w.Write(decision.Record.ResponseBody)
				return
			}

			var captured bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&captured)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if err := guard.Complete(key, status, captured.Bytes()); err != nil {
				logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
			}
		})
	}
}

// CoreAuth проверяет HS256 JWT, которым Core подписывает обратные вызовы.
type CoreAuth struct {
	secret []byte
	now    func() time.Time
}

// NewCoreAuth создаёт проверку. Пустой секрет запрещает все обратные вызовы.
func NewCoreAuth(secret string) *CoreAuth {
	return &CoreAuth{secret: []byte(secret), now: time.Now}
}

// Verify разбирает токен и проверяет подпись, issuer и срок действия.
func (a *CoreAuth) Verify(raw string) (*jwt.RegisteredClaims, error) {
	if a == nil || len(a.secret) == 0 {
		return nil, errors.New("core callbacks are not configured")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(coreIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify core token: %w", err)
	}
	return claims, nil
}

// Middleware пропускает только запросы с валидным Bearer-токеном Core.
func (a *CoreAuth) Middleware(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "bearer token is required")
				return
			}
			if _, err := a.Verify(strings.TrimSpace(raw)); err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Warn("rejected core callback")
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "invalid core token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
