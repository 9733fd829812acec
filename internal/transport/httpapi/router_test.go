package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/promotion"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/shipping"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/idempotency"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/inventory"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/storage/memory"
)

const testSecret = "core-secret"

type apiFixture struct {
	router    http.Handler
	orders    *memory.OrderRepository
	inventory *inventory.MockService
}

func newAPI(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	orders := memory.NewOrderRepository(outbox)
	inv := inventory.NewMockService()
	inv.SetStock("p-1", "", 10, false)

	pricer, err := pricing.NewPricer(pricing.Config{
		Shipping: shipping.Config{Zones: []shipping.ZoneConfig{{
			ID:    "everywhere",
			Rules: []shipping.RuleConfig{{ID: "flat", Rate: "3.00"}},
		}}},
		Tax: pricing.TaxConfig{Rate: "0.06"},
	}, promotion.NewMemoryUsageStore(), nil)
	require.NoError(t, err)

	svc, err := lifecycle.New(lifecycle.Dependencies{
		Orders:    orders,
		Timeline:  memory.NewTimelineRepository(),
		Numbers:   memory.NewOrderNumberGenerator("ACME"),
		Inventory: inv,
		Pricer:    pricer,
	})
	require.NoError(t, err)

	base := []Option{
		WithIdempotency(idempotency.NewGuard(memory.NewIdempotencyRepository())),
		WithCoreAuth(NewCoreAuth(testSecret)),
	}
	return &apiFixture{router: NewRouter(svc, append(base, opts...)...), orders: orders, inventory: inv}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func cartBody(qty int) map[string]any {
	return map[string]any{
		"customer_id": "cust-1",
		"currency":    "USD",
		"items": []map[string]any{
			{"product_id": "p-1", "product_name": "Mug", "unit_price": "10.00", "quantity": qty},
		},
		"shipping_address": map[string]any{"name": "Ann", "line1": "1 Main St", "city": "Austin", "postal_code": "78701", "country": "US"},
		"shipping_method":  "standard",
	}
}

func coreToken(t *testing.T, secret, issuer string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) createOrder(t *testing.T, qty int) orderResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", cartBody(qty))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[orderResponse](t, rec)
}

func TestCreateOrder(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", cartBody(2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	order := decode[orderResponse](t, rec)
	assert.Equal(t, "/v1/orders/"+order.ID, rec.Header().Get("Location"))
	assert.Equal(t, "ACME-000001", order.OrderNumber)
	assert.Equal(t, domain.OrderStatusDraft, order.Status)
	assert.Equal(t, "20.00", order.Subtotal)
	assert.Equal(t, "3.00", order.ShippingTotal)
	assert.Equal(t, "1.20", order.TaxTotal)
	assert.Equal(t, "24.20", order.GrandTotal)
	assert.Contains(t, order.ValidOperations, domain.OperationPlace)
	assert.Contains(t, order.ValidOperations, domain.OperationCancel)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newAPI(t)

	t.Run("unknown field", func(t *testing.T) {
		body := cartBody(1)
		body["colour"] = "red"
		rec := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_failed", decode[errorResponse](t, rec).Code)
	})

	t.Run("customer and guest both missing", func(t *testing.T) {
		body := cartBody(1)
		delete(body, "customer_id")
		rec := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "customer_id", decode[errorResponse](t, rec).Field)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("trailing data", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", `{"currency":"USD"} {}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOrderLifecycle_HappyPath(t *testing.T) {
	f := newAPI(t)
	order := f.createOrder(t, 1)
	base := "/v1/orders/" + order.ID
	auth := "Bearer " + coreToken(t, testSecret, "core", time.Minute)

	rec := f.do(t, http.MethodPost, base+"/place", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	placed := decode[orderResponse](t, rec)
	assert.Equal(t, domain.OrderStatusPlaced, placed.Status)
	require.NotNil(t, placed.Reservation)

	rec = f.do(t, http.MethodPost, "/v1/core/orders/"+order.ID+"/paid", map[string]string{"core_payment_id": "pay-1"}, "Authorization", auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.OrderStatusPaid, decode[orderResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, base+"/start-processing", "{}")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/ship", shipRequest{Carrier: "UPS", TrackingNumber: "1Z999"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	shipped := decode[orderResponse](t, rec)
	require.NotNil(t, shipped.Shipment)
	assert.Equal(t, "1Z999", shipped.Shipment.TrackingNumber)

	rec = f.do(t, http.MethodPost, base+"/deliver", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/fulfill", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.OrderStatusFulfilled, decode[orderResponse](t, rec).Status)

	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[orderResponse](t, rec)
	assert.Equal(t, domain.OrderStatusFulfilled, got.Status)
	assert.NotEmpty(t, got.Timeline)
	assert.Equal(t, string(domain.OrderStatusDraft), got.Timeline[0].Status)
}

func TestInvalidTransitionReturnsValidOperations(t *testing.T) {
	f := newAPI(t)
	order := f.createOrder(t, 1)

	rec := f.do(t, http.MethodPost, "/v1/orders/"+order.ID+"/ship", shipRequest{Carrier: "UPS", TrackingNumber: "1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decode[errorResponse](t, rec)
	assert.Equal(t, "invalid_transition", body.Code)
	assert.Equal(t, domain.OperationMarkShipped, body.Operation)
	assert.ElementsMatch(t, []domain.Operation{domain.OperationPlace, domain.OperationCancel}, body.ValidOperations)
}

func TestPlace_InventoryUnavailable(t *testing.T) {
	f := newAPI(t)
	order := f.createOrder(t, 50)

	rec := f.do(t, http.MethodPost, "/v1/orders/"+order.ID+"/place", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	body := decode[errorResponse](t, rec)
	assert.Equal(t, "inventory_unavailable", body.Code)
	require.Len(t, body.Lines, 1)
	assert.Equal(t, "p-1", body.Lines[0].ProductID)
	assert.False(t, body.Lines[0].CanPurchase)
}

func TestCancel(t *testing.T) {
	f := newAPI(t)
	order := f.createOrder(t, 1)

	rec := f.do(t, http.MethodPost, "/v1/orders/"+order.ID+"/cancel", cancelRequest{Reason: "changed mind", Actor: domain.ActorCustomer})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[orderResponse](t, rec)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	require.NotNil(t, got.Cancellation)
	assert.Empty(t, got.ValidOperations)

	rec = f.do(t, http.MethodPost, "/v1/orders/"+order.ID+"/cancel", cancelRequest{Reason: "x", Actor: "ROBOT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandErrors_CarryValidOperations(t *testing.T) {
	tests := []struct {
		name   string
		qty    int
		setup  func(t *testing.T, f *apiFixture, orderID string)
		path   string
		body   any
		code   int
		status domain.OrderStatus
		valid  []domain.Operation
	}{
		{
			name: "validation on placed order",
			qty:  1,
			setup: func(t *testing.T, f *apiFixture, orderID string) {
				rec := f.do(t, http.MethodPost, "/v1/orders/"+orderID+"/place", nil)
				require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			},
			path:   "/cancel",
			body:   cancelRequest{Reason: "x", Actor: "ROBOT"},
			code:   http.StatusBadRequest,
			status: domain.OrderStatusPlaced,
			valid:  []domain.Operation{domain.OperationMarkPaid, domain.OperationCancel},
		},
		{
			name:   "malformed body",
			qty:    1,
			path:   "/ship",
			body:   "{not json",
			code:   http.StatusBadRequest,
			status: domain.OrderStatusDraft,
			valid:  []domain.Operation{domain.OperationPlace, domain.OperationCancel},
		},
		{
			name:   "inventory unavailable",
			qty:    50,
			path:   "/place",
			code:   http.StatusUnprocessableEntity,
			status: domain.OrderStatusDraft,
			valid:  []domain.Operation{domain.OperationPlace, domain.OperationCancel},
		},
		{
			name: "core unreachable",
			qty:  1,
			setup: func(_ *testing.T, f *apiFixture, _ string) {
				f.inventory.ReserveErr = errors.New("connection refused")
			},
			path:   "/place",
			code:   http.StatusServiceUnavailable,
			status: domain.OrderStatusDraft,
			valid:  []domain.Operation{domain.OperationPlace, domain.OperationCancel},
		},
		{
			name: "terminal status",
			qty:  1,
			setup: func(t *testing.T, f *apiFixture, orderID string) {
				rec := f.do(t, http.MethodPost, "/v1/orders/"+orderID+"/cancel", cancelRequest{Reason: "dup", Actor: domain.ActorCustomer})
				require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			},
			path:   "/cancel",
			body:   "[]",
			code:   http.StatusBadRequest,
			status: domain.OrderStatusCancelled,
			valid:  []domain.Operation{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPI(t)
			order := f.createOrder(t, tt.qty)
			if tt.setup != nil {
				tt.setup(t, f, order.ID)
			}

			rec := f.do(t, http.MethodPost, "/v1/orders/"+order.ID+tt.path, tt.body)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())

			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
			require.Contains(t, raw, "valid_operations")

			body := decode[errorResponse](t, rec)
			assert.Equal(t, tt.status, body.Status)
			assert.ElementsMatch(t, tt.valid, body.ValidOperations)
		})
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order_not_found", decode[errorResponse](t, rec).Code)
}

func TestListCustomerOrders(t *testing.T) {
	f := newAPI(t)
	f.createOrder(t, 1)
	f.createOrder(t, 2)

	rec := f.do(t, http.MethodGet, "/v1/tenants/tenant-1/customers/cust-1/orders?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]orderResponse](t, rec)["orders"], 1)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/customers/cust-1/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]orderResponse](t, rec)["orders"], 2)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/customers/cust-1/orders?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckAvailability(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/v1/availability", availabilityRequest{Items: []availabilityLine{
		{ProductID: "p-1", Quantity: 3},
		{ProductID: "p-1", Quantity: 30},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	items := decode[map[string][]availabilityResponse](t, rec)["items"]
	require.Len(t, items, 2)
	assert.True(t, items[0].CanPurchase)
	assert.False(t, items[1].CanPurchase)
}

func TestCoreCallbacks_RequireValidToken(t *testing.T) {
	f := newAPI(t)
	order := f.createOrder(t, 1)
	path := "/v1/core/orders/" + order.ID + "/paid"
	body := paidRequest{CorePaymentID: "pay-1"}

	cases := map[string]string{
		"missing":       "",
		"wrong secret":  "Bearer " + coreToken(t, "other", "core", time.Minute),
		"wrong issuer":  "Bearer " + coreToken(t, testSecret, "storefront", time.Minute),
		"expired":       "Bearer " + coreToken(t, testSecret, "core", -time.Minute),
		"not a bearer":  "Basic abc",
		"garbage token": "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, path, body, "Authorization", header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	stored, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDraft, stored.Status)
}

func TestCoreAuth_NotConfigured(t *testing.T) {
	_, err := NewCoreAuth("").Verify(coreToken(t, testSecret, "core", time.Minute))
	assert.Error(t, err)

	var nilAuth *CoreAuth
	_, err = nilAuth.Verify("x")
	assert.Error(t, err)
}

func TestIdempotencyKey_ReplaysResponse(t *testing.T) {
	f := newAPI(t)

	first := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", cartBody(1), HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(HeaderIdempotentReplay))

	second := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", cartBody(1), HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	list := f.do(t, http.MethodGet, "/v1/tenants/tenant-1/customers/cust-1/orders", nil)
	assert.Len(t, decode[map[string][]orderResponse](t, list)["orders"], 1)
}

func TestIdempotencyKey_ReusedWithDifferentBody(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", cartBody(1), HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/tenants/tenant-1/orders", cartBody(2), HeaderIdempotencyKey, "key-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_key_reused", decode[errorResponse](t, rec).Code)
}

func TestIdempotencyKey_ReplaysClientErrors(t *testing.T) {
	f := newAPI(t)
	order := f.createOrder(t, 1)
	path := "/v1/orders/" + order.ID + "/fulfill"

	first := f.do(t, http.MethodPost, path, nil, HeaderIdempotencyKey, "fulfill-1")
	require.Equal(t, http.StatusConflict, first.Code)

	second := f.do(t, http.MethodPost, path, nil, HeaderIdempotencyKey, "fulfill-1")
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
}

func TestRateLimit(t *testing.T) {
	f := newAPI(t, WithRateLimit(0.001, 1))

	rec := f.do(t, http.MethodGet, "/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/orders/missing", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestUnknownRoute(t *testing.T) {
	f := newAPI(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v2/orders", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/v1/orders/x", nil).Code)
}
