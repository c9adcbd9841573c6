package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"library_reservation/pkg/api"
	"library_reservation/pkg/auth"
	"library_reservation/pkg/circuitbreaker"
	"library_reservation/pkg/config"
	"library_reservation/pkg/database"
	"library_reservation/pkg/events"
	"library_reservation/pkg/inventory"
	"library_reservation/pkg/logging"
	"library_reservation/pkg/metrics"
	"library_reservation/pkg/reconcile"
	"library_reservation/pkg/saga"
	"library_reservation/pkg/store"
	"library_reservation/pkg/sweeper"
	"library_reservation/pkg/tracing"
)

const (
	reconcileBaseDelay = 30 * time.Second
	createLimit        = 20
	shutdownTimeout    = 10 * time.Second
)

func main() {
	logger := logging.Setup("reservation-service", "info")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger = logging.Setup("reservation-service", cfg.LogLevel)
	logger.Info().Msg("starting reservation service")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("reservation service stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := tracing.Init("reservation-service", cfg.JaegerEndpoint, logger)
	if err != nil {
		return err
	}

	db, err := database.InitReservationDB(cfg.Database, logger)
	if err != nil {
		return err
	}

	var ledger inventory.KeyLedger = inventory.NewMemoryLedger()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		ledger = inventory.NewRedisLedger(rdb, "reservation:inventory:")
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis key ledger")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := newApp(cfg, db, ledger, metrics.New(reg), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("reservation service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error { return a.sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down reservation service")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := a.publisher.Close(sctx); cerr != nil {
		logger.Warn().Err(cerr).Msg("event publisher did not drain")
	}
	if terr := shutdownTracing(sctx); terr != nil {
		logger.Warn().Err(terr).Msg("tracer shutdown failed")
	}
	return err
}

type app struct {
	router    *gin.Engine
	worker    *reconcile.Worker
	sweeper   *sweeper.Sweeper
	publisher *events.Publisher
}

// newApp wires the reservation components around an open database.
func newApp(cfg *config.Config, db *gorm.DB, ledger inventory.KeyLedger, m *metrics.Metrics, logger zerolog.Logger) *app {
	inv := inventory.New(cfg.Inventory.BaseURL, cfg.Inventory.ServiceToken,
		inventory.WithTimeout(cfg.Inventory.Timeout),
		inventory.WithLedger(ledger, cfg.Inventory.IdempotencyTTL),
		inventory.WithRemoteIdempotency(cfg.Inventory.RemoteIdempotent),
		inventory.WithRetry(cfg.Inventory.RetryAttempts, 100*time.Millisecond),
		inventory.WithBreaker(circuitbreaker.NewCircuitBreaker(cfg.Inventory.BreakerFailures, cfg.Inventory.BreakerCooldown)),
		inventory.WithMetrics(m),
		inventory.WithLogger(logger.With().Str("component", "inventory").Logger()),
	)

	st := store.New(db)
	queue := reconcile.NewQueue(db, cfg.ReconcileRetries, reconcileBaseDelay)
	worker := reconcile.NewWorker(queue, inv, st, cfg.ReconcileInterval, m,
		logger.With().Str("component", "reconciler").Logger())

	pub := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Exchange, cfg.Events.Source, cfg.Events.Buffer,
		events.WithMetrics(m),
		events.WithLogger(logger.With().Str("component", "events").Logger()),
	)

	coordinator := saga.New(saga.Config{
		MaxActivePerUser:    cfg.MaxBooksPerUser,
		MaxReservationDays:  cfg.MaxReservationDays,
		UnknownReserveDelay: cfg.Inventory.IdempotencyTTL,
		CheckAvailability:   cfg.Inventory.Precheck,
	}, inv, st, pub, queue, saga.WithMetrics(m), saga.WithLogger(logger))

	sw := sweeper.New(st, pub, cfg.SweepInterval, cfg.SweepPageSize,
		sweeper.WithMetrics(m),
		sweeper.WithLogger(logger.With().Str("component", "sweeper").Logger()),
	)

	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(coordinator, st, queue),
		Auth:          auth.New(cfg.JWTSecret, cfg.Inventory.ServiceToken),
		Metrics:       m,
		Logger:        logger,
		Limiter:       api.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod),
		CreateLimiter: api.NewRateLimiter(createLimit, cfg.RateLimitPeriod),
	})

	return &app{
		router:    router,
		worker:    worker,
		sweeper:   sw,
		publisher: pub,
	}
}
