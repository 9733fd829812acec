// Package inventory реализует потребителя складского API Core: наличие, резерв, снятие резерва.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

const (
	serviceName           = "core-inventory"
	defaultTimeout        = 5 * time.Second
	defaultRPS            = 50
	defaultBreakerResetIn = 30 * time.Second
	maxErrorBody          = 4 << 10
)

// ClientConfig содержит параметры подключения к Core.
type ClientConfig struct {
	BaseURL             string
	APIKey              string
	Timeout             time.Duration
	RPS                 float64
	Burst               int
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// Client реализует domain.InventoryService поверх HTTP.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *CircuitBreaker
	logger  *log.Entry
}

// ClientOption настраивает Client.
type ClientOption func(*Client)

// WithHTTPClient подменяет http.Client (для тестов).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithClientLogger задаёт logger.
func WithClientLogger(logger *log.Entry) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient создаёт клиента Core с ограничением частоты и circuit breaker.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid core base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	resetIn := cfg.BreakerResetTimeout
	if resetIn <= 0 {
		resetIn = defaultBreakerResetIn
	}

	c := &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "core-inventory-client")
	}
	c.breaker = NewCircuitBreaker(cfg.BreakerMaxFailures, resetIn, c.logger.WithField("subcomponent", "breaker"))

	return c, nil
}

type wireLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int32  `json:"quantity"`
}

type wireAvailability struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	Requested   int32  `json:"requested"`
	Available   int32  `json:"available"`
	Status      string `json:"status"`
	CanPurchase bool   `json:"can_purchase"`
}

type availabilityRequest struct {
	Items []wireLine `json:"items"`
}

type availabilityResponse struct {
	Lines []wireAvailability `json:"lines"`
}

type reserveRequest struct {
	OrderID string     `json:"order_id"`
	Items   []wireLine `json:"items"`
}

type reserveResponse struct {
	Success       bool               `json:"success"`
	ReservationID string             `json:"reservation_id"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Lines         []wireAvailability `json:"lines"`
}

// CheckAvailability только читает остатки.
func (c *Client) CheckAvailability(ctx context.Context, lines []domain.ReservationLine) ([]domain.AvailabilityResult, error) {
	var resp availabilityResponse
	status, err := c.do(ctx, "availability", http.MethodPost, "/v1/inventory/availability", "", availabilityRequest{Items: toWire(lines)}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &domain.ExternalServiceError{Service: serviceName, Operation: "availability", StatusCode: status}
	}
	return fromWire(resp.Lines), nil
}

// Reserve удерживает сток пакетом. Core дедуплицирует запросы по Idempotency-Key.
func (c *Client) Reserve(ctx context.Context, orderID, idempotencyKey string, lines []domain.ReservationLine) (domain.ReservationResult, error) {
	if idempotencyKey == "" {
		idempotencyKey = "reserve:" + orderID
	}
	var resp reserveResponse
	status, err := c.do(ctx, "reserve", http.MethodPost, "/v1/inventory/reservations", idempotencyKey,
		reserveRequest{OrderID: orderID, Items: toWire(lines)}, &resp)
	if err != nil {
		return domain.ReservationResult{}, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		return domain.ReservationResult{
			Success:       resp.Success,
			ReservationID: resp.ReservationID,
			ExpiresAt:     resp.ExpiresAt,
			Lines:         fromWire(resp.Lines),
		}, nil
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return domain.ReservationResult{Success: false, Lines: fromWire(resp.Lines)}, nil
	default:
		return domain.ReservationResult{}, &domain.ExternalServiceError{Service: serviceName, Operation: "reserve", StatusCode: status}
	}
}

// Release снимает резерв. 404 и 410 означают, что резерв уже снят или истёк.
func (c *Client) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	status, err := c.do(ctx, "release", http.MethodDelete, "/v1/inventory/reservations/"+url.PathEscape(reservationID), "release:"+reservationID, nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return &domain.ExternalServiceError{Service: serviceName, Operation: "release", StatusCode: status}
	}
}

// do выполняет запрос. Ошибка возвращается для транспортных отказов и 5xx/429;
// остальные статусы отдаются вызывающему вместе с декодированным телом.
func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, body, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, &domain.ExternalServiceError{Service: serviceName, Operation: op, Retryable: true, Err: err}
	}

	var status int
	err := c.breaker.Execute(op, func() error {
		req, err := c.newRequest(ctx, method, path, idempotencyKey, body)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return &domain.ExternalServiceError{
				Service:    serviceName,
				Operation:  op,
				StatusCode: status,
				Retryable:  true,
				Err:        errors.New(strings.TrimSpace(string(msg))),
			}
		}

		if out != nil && hasBody(status) {
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("decode %s response: %w", op, err)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"operation": op,
			"status":    status,
		}).Warn("core inventory call failed")

		var ext *domain.ExternalServiceError
		if errors.As(err, &ext) {
			return status, ext
		}
		return status, &domain.ExternalServiceError{Service: serviceName, Operation: op, StatusCode: status, Retryable: true, Err: err}
	}
	return status, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, idempotencyKey string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func hasBody(status int) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

func toWire(lines []domain.ReservationLine) []wireLine {
	out := make([]wireLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, wireLine{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity})
	}
	return out
}

func fromWire(lines []wireAvailability) []domain.AvailabilityResult {
	out := make([]domain.AvailabilityResult, 0, len(lines))
	for _, l := range lines {
		out = append(out, domain.AvailabilityResult{
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			Requested:   l.Requested,
			Available:   l.Available,
			Status:      domain.StockStatus(l.Status),
			CanPurchase: l.CanPurchase,
		})
	}
	return out
}

var _ domain.InventoryService = (*Client)(nil)
