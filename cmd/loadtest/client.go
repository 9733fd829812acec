package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	idempotencyHeader = "Idempotency-Key"
	transportError    = "transport_error"
	maxResponseBytes  = 1 << 20
)

// apiClient вызывает HTTP API заказов и пишет каждый шаг в collector.
type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	col     *collector
}

func newAPIClient(cfg config, col *collector) *apiClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.concurrency
	return &apiClient{
		baseURL: strings.TrimRight(cfg.baseURL, "/"),
		http:    &http.Client{Transport: transport},
		timeout: cfg.timeout,
		col:     col,
	}
}

type statusError struct {
	step   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.step, e.status, e.body)
}

// post отправляет JSON с новым ключом идемпотентности и декодирует ответ в out.
func (c *apiClient) post(ctx context.Context, step, path string, body, out any, wantStatus int) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", step, err)
		}
		payload = raw
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", step, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.col.record(step, time.Since(start), transportError, false)
		return fmt.Errorf("%s: %w", step, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	ok := resp.StatusCode == wantStatus && readErr == nil
	c.col.record(step, time.Since(start), strconv.Itoa(resp.StatusCode), ok)

	if readErr != nil {
		return fmt.Errorf("%s: read response: %w", step, readErr)
	}
	if resp.StatusCode != wantStatus {
		return &statusError{step: step, status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", step, err)
		}
	}
	return nil
}

type orderRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *apiClient) createOrder(ctx context.Context, cfg config, customerID string) (orderRef, error) {
	var order orderRef
	body := map[string]any{
		"customer_id": customerID,
		"currency":    cfg.currency,
		"items": []map[string]any{{
			"product_id":   cfg.productID,
			"product_name": "load item",
			"unit_price":   cfg.unitPrice,
			"quantity":     1,
		}},
		"shipping_address": map[string]any{
			"name":        "Load Test",
			"line1":       "1 Main St",
			"city":        "Springfield",
			"postal_code": "12345",
			"country":     "US",
		},
		"shipping_method": "standard",
	}
	if err := c.post(ctx, "create", "/v1/tenants/"+cfg.tenantID+"/orders", body, &order, http.StatusCreated); err != nil {
		return orderRef{}, err
	}
	if order.ID == "" {
		return orderRef{}, errors.New("create response returned empty order id")
	}
	return order, nil
}

func (c *apiClient) placeOrder(ctx context.Context, orderID string) error {
	return c.post(ctx, "place", "/v1/orders/"+orderID+"/place", nil, nil, http.StatusOK)
}

func (c *apiClient) cancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"reason": "load-cancel", "actor": "CUSTOMER"}
	return c.post(ctx, "cancel", "/v1/orders/"+orderID+"/cancel", body, nil, http.StatusOK)
}
