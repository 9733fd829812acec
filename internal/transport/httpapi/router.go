package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/idempotency"
)

type routerConfig struct {
	logger  *log.Entry
	guard   *idempotency.Guard
	auth    *CoreAuth
	limiter *rate.Limiter
}

// Option настраивает роутер.
type Option func(*routerConfig)

// WithLogger задаёт логгер запросов и ошибок.
func WithLogger(logger *log.Entry) Option {
	return func(c *routerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIdempotency включает обработку Idempotency-Key на мутирующих маршрутах.
func WithIdempotency(guard *idempotency.Guard) Option {
	return func(c *routerConfig) { c.guard = guard }
}

// WithCoreAuth задаёт проверку токенов обратных вызовов Core.
func WithCoreAuth(auth *CoreAuth) Option {
	return func(c *routerConfig) { c.auth = auth }
}

// WithRateLimit ограничивает общий поток запросов. rps<=0 отключает ограничение.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *routerConfig) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewRouter собирает HTTP API заказов.
func NewRouter(orders OrderService, opts ...Option) http.Handler {
	cfg := routerConfig{logger: log.WithField("component", "http-api")}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &handler{orders: orders, logger: cfg.logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.logger))
	r.Use(middleware.Recoverer)
	if cfg.limiter != nil {
		r.Use(limit(cfg.limiter))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/availability", h.checkAvailability)
		r.Get("/orders/{orderID}", h.getOrder)
		r.Get("/tenants/{tenantID}/customers/{customerID}/orders", h.listCustomerOrders)

		r.Group(func(r chi.Router) {
			r.Use(idempotent(cfg.guard, cfg.logger))

			r.Post("/tenants/{tenantID}/orders", h.createOrder)
			r.Route("/orders/{orderID}", func(r chi.Router) {
				r.Post("/place", h.command(placeCommand))
				r.Post("/start-processing", h.command(startProcessingCommand))
				r.Post("/ship", h.ship)
				r.Post("/deliver", h.deliver)
				r.Post("/fulfill", h.command(fulfillCommand))
				r.Post("/cancel", h.cancel)
				r.Post("/refunds", h.requestRefund)
			})
		})

		r.Route("/core/orders/{orderID}", func(r chi.Router) {
			r.Use(cfg.auth.Middleware(cfg.logger))
			r.Use(idempotent(cfg.guard, cfg.logger))
			r.Post("/paid", h.markPaid)
			r.Post("/refunded", h.markRefunded)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeProblem(w, http.StatusNotFound, "route_not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeProblem(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
