// Package app собирает сервис жизненного цикла заказов: хранилище, Core,
// HTTP API, фоновые воркеры и Kafka.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/health"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/expiry"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/idempotency"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/version"
)

const (
	shutdownTimeout   = 5 * time.Second
	outboxMaxBackoffX = 60
	readHeaderTimeout = 5 * time.Second
)

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	usage, err := deps.initPromotionUsage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	pricer, err := initPricer(cfg, usage, logger)
	if err != nil {
		return err
	}
	inventorySvc, err := initInventory(cfg, logger)
	if err != nil {
		return err
	}

	orderMetrics := metrics.NewOrderMetrics(prometheus.DefaultRegisterer)
	registerCollector(version.Collector(), logger)

	svc, err := lifecycle.New(lifecycle.Dependencies{
		Orders:    deps.repo,
		Timeline:  deps.timelineRepo,
		Numbers:   deps.numbers,
		Inventory: inventorySvc,
		Pricer:    pricer,
	},
		lifecycle.WithLogger(logger.WithField("component", "order-lifecycle")),
		lifecycle.WithMetrics(orderMetrics),
	)
	if err != nil {
		return err
	}

	healthHandler := health.NewHandler(version.Current().Version)
	deps.registerChecks(healthHandler, cfg)

	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency")),
	)
	apiServer := &http.Server{
		Handler: httpapi.NewRouter(svc,
			httpapi.WithLogger(logger.WithField("component", "http-api")),
			httpapi.WithIdempotency(guard),
			httpapi.WithCoreAuth(httpapi.NewCoreAuth(cfg.CoreJWTSecret)),
			httpapi.WithRateLimit(cfg.HTTPRateLimit, cfg.HTTPRateBurst),
		),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	metricsServer := &http.Server{Handler: newMetricsMux(healthHandler), ReadHeaderTimeout: readHeaderTimeout}
	grpcServer, grpcHealth := newGRPCServer(logger)

	listeners, err := listenAll(cfg.HTTPAddr, cfg.GRPCAddr, cfg.MetricsAddr)
	if err != nil {
		return err
	}
	httpLis, grpcLis, metricsLis := listeners[0], listeners[1], listeners[2]

	g, gctx := errgroup.WithContext(ctx)

	sweeper := expiry.NewSweeper(deps.repo, svc,
		expiry.WithLogger(logger.WithField("component", "expiry-sweeper")),
		expiry.WithGrace(cfg.ReservationGrace),
		expiry.WithInterval(cfg.SweepInterval),
		expiry.WithMetrics(orderMetrics),
	)
	g.Go(func() error { sweeper.Run(gctx); return nil })

	cleaner := idempotency.NewCleaner(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	g.Go(func() error { cleaner.Run(gctx); return nil })

	stopEvents := startEventPipeline(gctx, g, cfg, deps.outboxRepo, svc, logger)
	defer stopEvents()

	g.Go(func() error {
		logger.WithField("addr", httpLis.Addr().String()).Info("http api listening")
		return serveHTTP(apiServer, httpLis)
	})
	g.Go(func() error {
		logger.WithField("addr", metricsLis.Addr().String()).Info("metrics and health endpoints listening")
		return serveHTTP(metricsServer, metricsLis)
	})
	g.Go(func() error {
		logger.WithField("addr", grpcLis.Addr().String()).Info("grpc server listening")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, logger)
		shutdownHTTP(apiServer, logger)
		shutdownHTTP(metricsServer, logger)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// newGRPCServer поднимает gRPC со стандартными health и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *grpchealth.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := grpchealth.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)
	return server, healthServer
}

// newMetricsMux отдаёт /metrics и health-эндпоинты.
func newMetricsMux(h *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", h)
	mux.HandleFunc("/livez", health.LivenessHandler)
	mux.HandleFunc("/readyz", h.ReadinessHandler)
	return mux
}

func registerCollector(c prometheus.Collector, logger *log.Entry) {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			logger.WithError(err).Warn("failed to register collector")
		}
	}
}

// listenAll открывает все адреса заранее, чтобы ошибка bind вернулась из Run сразу.
func listenAll(addrs ...string) ([]net.Listener, error) {
	out := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range out {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		out = append(out, lis)
	}
	return out, nil
}

func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// stopGRPC ждёт завершения активных вызовов не дольше shutdownTimeout.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing grpc shutdown")
		server.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
