package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/health"
)

func TestMetricsMux_Endpoints(t *testing.T) {
	h := health.NewHandler("test")
	mux := newMetricsMux(h)

	for _, path := range []string{"/metrics", "/healthz", "/livez", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.NotEmpty(t, rec.Body.String(), path)
	}
}

func TestMetricsMux_ReadyzFailsOnCriticalCheck(t *testing.T) {
	h := health.NewHandler("test")
	h.Register("postgres", health.CheckFunc(func(context.Context) error { return errors.New("down") }))
	mux := newMetricsMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewGRPCServer_RegistersTwice(t *testing.T) {
	first, _ := newGRPCServer(testLogger("grpc"))
	second, hs := newGRPCServer(testLogger("grpc"))

	assert.NotNil(t, first)
	assert.NotNil(t, second)
	assert.NotNil(t, hs)
	assert.Contains(t, second.GetServiceInfo(), "grpc.health.v1.Health")
}

func TestListenAll(t *testing.T) {
	listeners, err := listenAll("127.0.0.1:0", "127.0.0.1:0")
	require.NoError(t, err)
	require.Len(t, listeners, 2)
	for _, l := range listeners {
		require.NoError(t, l.Close())
	}

	_, err = listenAll("127.0.0.1:0", "not-an-address")
	assert.Error(t, err)
}

func TestServeAndShutdownHTTP(t *testing.T) {
	listeners, err := listenAll("127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{Handler: newMetricsMux(health.NewHandler("test"))}
	done := make(chan error, 1)
	go func() { done <- serveHTTP(srv, listeners[0]) }()

	resp, err := http.Get("http://" + listeners[0].Addr().String() + "/livez")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	shutdownHTTP(srv, testLogger("shutdown"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}

	shutdownHTTP(nil, testLogger("shutdown"))
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestRun_MissingPricingConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.PricingConfigPath = "/nonexistent/pricing.yaml"

	err := Run(context.Background(), cfg)
	assert.ErrorContains(t, err, "pricing config")
}
