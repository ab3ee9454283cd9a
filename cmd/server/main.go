package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading/cmd/server/config"
	grpcadapter "trading/internal/adapters/grpc"
	"trading/internal/catalog"
	"trading/internal/messaging"
	"trading/internal/observability"
	"trading/internal/purchase"
	"trading/internal/realtime"
	"trading/internal/reliability"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelDebug
	if cfg.Production() {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// service is the wired purchase pipeline, independent of the listeners in front of it.
type service struct {
	orchestrator *purchase.Orchestrator
	relay        *purchase.Relay
	hub          *realtime.Hub
	redis        *redis.Client
	consumers    []*messaging.Consumer
}

// buildService wires the orchestrator to its stores and transports. A nil Redis
// client selects the in-memory dispatcher and inline event handling.
func buildService(cfg config.Config, stores purchase.Stores, rdb *redis.Client, metrics *observability.Metrics, logger *slog.Logger) *service {
	hub := realtime.NewHub(logger)

	var (
		base      purchase.Dispatcher = purchase.NewInMemoryDispatcher(cfg.Streams.Routes())
		notifier  purchase.Notifier   = hub
		publisher purchase.EventPublisher
	)
	if rdb != nil {
		base = messaging.NewStreamDispatcher(rdb, cfg.Streams.Routes(), cfg.Redis.StreamMaxLen)
		notifier = realtime.NewRedisNotifier(rdb)
		publisher = messaging.NewEventPublisher(rdb, cfg.Streams.TradingEvents, cfg.Redis.StreamMaxLen)
	}

	dispatcher := purchase.NewReliableDispatcher(
		base,
		reliability.NewRateLimiter(cfg.Dispatch.RateLimitInterval, cfg.Dispatch.RateLimitBurst, metrics.AddRateLimitWait),
		reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:   cfg.Dispatch.BreakerFailures,
			ResetTimeout:  cfg.Dispatch.BreakerReset,
			OnStateChange: breakerLogger(metrics, logger),
		}),
		reliability.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay,
			MaxDelay:    cfg.Dispatch.MaxDelay,
		},
	)

	orch := purchase.NewOrchestrator(stores.Sagas, stores.Prices, dispatcher, notifier, purchase.Config{
		Retry: reliability.RetryPolicy{
			MaxAttempts: cfg.Saga.MaxAttempts,
			BaseDelay:   cfg.Saga.BaseDelay,
			MaxDelay:    cfg.Saga.MaxDelay,
		},
		Publisher: publisher,
		Logger:    logger,
		Metrics:   metrics,
	})

	svc := &service{
		orchestrator: orch,
		relay: purchase.NewRelay(stores.Sagas, dispatcher, purchase.RelayConfig{
			Interval:   cfg.Relay.Interval,
			Batch:      cfg.Relay.Batch,
			StallAfter: cfg.Relay.StallAfter,
			Logger:     logger,
			Metrics:    metrics,
		}),
		hub:   hub,
		redis: rdb,
	}
	if rdb == nil {
		return svc
	}

	catalogEvents := catalog.NewConsumer(stores.Catalog, logger)
	svc.consumers = []*messaging.Consumer{
		messaging.NewConsumer(rdb, messaging.ConsumerConfig{
			Stream:        cfg.Streams.TradingEvents,
			Group:         cfg.Redis.ConsumerGroup,
			Consumer:      cfg.Redis.ConsumerName,
			Discard:       messaging.DiscardSagaErrors,
			MaxDeliveries: cfg.Redis.MaxDeliveries,
			Logger:        logger,
			Metrics:       metrics,
		}, messaging.SagaEvents(orch)),
		messaging.NewConsumer(rdb, messaging.ConsumerConfig{
			Stream:        cfg.Streams.CatalogEvents,
			Group:         cfg.Redis.ConsumerGroup,
			Consumer:      cfg.Redis.ConsumerName,
			Discard:       func(err error) bool { return errors.Is(err, catalog.ErrUnsupportedEvent) },
			MaxDeliveries: cfg.Redis.MaxDeliveries,
			Logger:        logger,
			Metrics:       metrics,
		}, func(ctx context.Context, msg messaging.Message) error {
			return catalogEvents.Handle(ctx, msg.Type, msg.Payload)
		}),
	}
	return svc
}

// start launches the background loops on g.
func (s *service) start(ctx context.Context, g *errgroup.Group, logger *slog.Logger) {
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error { return ignoreCanceled(s.relay.Run(ctx)) })
	for _, c := range s.consumers {
		g.Go(func() error { return ignoreCanceled(c.Run(ctx)) })
	}
	if s.redis != nil {
		g.Go(func() error { return ignoreCanceled(realtime.Bridge(ctx, s.redis, s.hub, logger)) })
	}
}

func breakerLogger(metrics *observability.Metrics, logger *slog.Logger) func(from, to reliability.BreakerState) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(from, to reliability.BreakerState) {
		if to == reliability.BreakerOpen {
			metrics.Inc(observability.CounterBreakerOpened)
		}
		logger.Warn("dispatch circuit breaker changed state", "from", from.String(), "to", to.String())
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newGRPCServer(cfg config.Config, svc *service, metrics *observability.Metrics, logger *slog.Logger) (*grpcpkg.Server, *health.Server) {
	limiter := reliability.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.StatsHandler(otelgrpc.NewServerHandler()),
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpcadapter.RegisterPurchaseServiceServer(server, grpcadapter.NewPurchaseServer(svc.orchestrator, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	setServing(healthServer, healthpb.HealthCheckResponse_SERVING)

	if !cfg.Production() {
		reflection.Register(server)
		logger.Info("grpc reflection enabled", "app_env", cfg.AppEnv)
	}
	return server, healthServer
}

func setServing(h *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus(grpcadapter.ServiceName, status)
	h.SetServingStatus("", status)
}

func newObservabilityHandler(metrics *observability.Metrics, hub *realtime.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.HandleFunc("/ws", hub.ServeWS)
	return mux
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "err", err)
		}
	}()

	metrics := observability.NewMetrics()

	stores, closeStores, err := purchase.BuildStores(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	rdb, closeRedis, err := buildRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	svc := buildService(cfg, stores, rdb, metrics, logger)
	server, healthServer := newGRPCServer(cfg, svc, metrics, logger)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	obsSrv := &http.Server{
		Addr:              cfg.Observability.Addr,
		Handler:           newObservabilityHandler(metrics, svc.hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	svc.start(gctx, g, logger)

	g.Go(func() error {
		logger.Info("grpc server listening", "addr", cfg.GRPC.Addr)
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("observability server listening", "addr", cfg.Observability.Addr)
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		setServing(healthServer, healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return obsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
