// Package app assembles the dispatch service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dispatchd/internal/commission"
	"dispatchd/internal/config"
	"dispatchd/internal/geo"
	"dispatchd/internal/handler"
	"dispatchd/internal/metrics"
	"dispatchd/internal/middleware"
	"dispatchd/internal/notify"
	internalRedis "dispatchd/internal/redis"
	"dispatchd/internal/repository"
	"dispatchd/internal/repository/memory"
	"dispatchd/internal/repository/postgres"
	"dispatchd/internal/service"
)

// App is a fully wired dispatch service.
type App struct {
	cfg   *config.Config
	log   zerolog.Logger
	clock clock.Clock

	nrApp    *newrelic.Application
	db       *sql.DB
	redis    *redis.Client
	kafka    *notify.KafkaSink
	hub      *notify.Hub
	registry *prometheus.Registry

	index       geo.Index
	sweeper     geo.Sweeper
	notifier    *service.NotificationService
	coordinator *service.DispatchCoordinator
	scheduler   *service.RetryScheduler
	server      *http.Server
}

// New connects to the configured backends and wires every component.
// Postgres and Redis are optional; without them state is kept in process.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, clock: clock.NewClock()}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	nrApp, err := NewNewRelic(cfg.NewRelic)
	if err != nil {
		log.Warn().Err(err).Msg("new relic disabled")
	}
	a.nrApp = nrApp

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var (
		requests    repository.RequestRepository
		bids        repository.BidRepository
		assignments repository.AssignmentRepository
	)
	if cfg.Database.Enabled {
		a.db, err = NewDatabase(ctx, cfg.Database, a.nrApp)
		if err != nil {
			return nil, err
		}
		log.Info().Str("host", cfg.Database.Host).Msg("connected to postgres")
		requests = postgres.NewRequestRepository(a.db)
		bids = postgres.NewBidRepository(a.db)
		assignments = postgres.NewAssignmentRepository(a.db)
	} else {
		store := memory.NewStore()
		requests, bids, assignments = store.Requests(), store.Bids(), store.Assignments()
		log.Warn().Msg("database disabled, records are kept in memory")
	}

	var (
		locker    internalRedis.Locker
		responses middleware.ResponseStore
	)
	if cfg.Redis.Enabled {
		a.redis, err = NewRedisClient(ctx, cfg.Redis, a.nrApp)
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
		locations := internalRedis.NewLocationStore(a.redis, a.clock, cfg.Geo.LivenessWindow, cfg.Geo.ProfileRetention)
		a.index, a.sweeper = locations, locations
		locker = internalRedis.NewLockStore(a.redis)
		responses = internalRedis.NewResponseCache(a.redis, cfg.Idempotency.TTL)
	} else {
		mem := geo.NewMemoryIndex(a.clock, cfg.Geo.LivenessWindow, cfg.Geo.ProfileRetention)
		a.index, a.sweeper = mem, mem
		locker = service.NewLocalLocker(a.clock)
		log.Warn().Msg("redis disabled, driver positions and locks are process-local")
	}

	a.hub = notify.NewHub(log.With().Str("sink", "websocket").Logger())
	sinks := []notify.Sink{notify.NewLogSink(log.With().Str("sink", "log").Logger()), a.hub}
	if cfg.Kafka.Enabled {
		a.kafka = notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.WriteTimeout)
		sinks = append(sinks, a.kafka)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka sink enabled")
	}

	a.notifier, err = service.NewNotificationService(service.NotificationConfig{
		Workers:          cfg.Dispatch.NotifyWorkers,
		QueueSize:        cfg.Dispatch.NotifyQueueSize,
		DeliveryAttempts: cfg.Dispatch.PersistAttempts,
		RetryInterval:    cfg.Dispatch.PersistBackoff,
	}, a.clock, log.With().Str("subsystem", "notifications").Logger(), m, sinks...)
	if err != nil {
		return nil, err
	}

	a.coordinator = service.NewDispatchCoordinator(service.CoordinatorConfig{
		RideRadiusMeters:     cfg.Dispatch.RideRadiusMeters,
		DeliveryRadiusMeters: cfg.Dispatch.DeliveryRadiusMeters,
		MinDriverRating:      cfg.Dispatch.MinDriverRating,
		NegotiationWindow:    cfg.Dispatch.NegotiationWindow,
		MaxBidsPerDriver:     cfg.Dispatch.MaxBidsPerDriver,
		PersistAttempts:      cfg.Dispatch.PersistAttempts,
		PersistBackoff:       cfg.Dispatch.PersistBackoff,
	}, service.CoordinatorDeps{
		Requests:    requests,
		Bids:        bids,
		Assignments: assignments,
		Index:       a.index,
		Rates:       cfg.Commission.Rates,
		Partners:    commission.StaticPartners(cfg.Commission.Partners),
		Notifier:    a.notifier,
		Clock:       a.clock,
		Logger:      log.With().Str("subsystem", "coordinator").Logger(),
		Metrics:     m,
	})

	a.scheduler = service.NewRetryScheduler(service.RetryConfig{
		Interval:        cfg.Retry.Interval,
		GracePeriod:     cfg.Retry.GracePeriod,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		RadiusGrowth:    cfg.Retry.RadiusGrowth,
		MaxRadiusMeters: cfg.Retry.MaxRadiusMeters,
		BatchSize:       cfg.Retry.BatchSize,
		LockTTL:         cfg.Retry.LockTTL,
	}, a.coordinator, requests, locker, a.clock, log.With().Str("subsystem", "retry").Logger(), m, a.nrApp)

	router := NewRouter(RouterDeps{
		RequestHandler: handler.NewRequestHandler(a.coordinator),
		DriverHandler:  handler.NewDriverHandler(service.NewDriverService(a.index, a.clock)),
		StreamHandler:  handler.NewStreamHandler(a.hub),
		Responses:      responses,
		Gatherer:       a.registry,
		Metrics:        m,
		NewRelicApp:    a.nrApp,
		Logger:         log.With().Str("subsystem", "http").Logger(),
	})

	a.server = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	built = true
	return a, nil
}

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run serves HTTP and runs the background loops until ctx is done, then
// shuts everything down gracefully.
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.scheduler.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		geo.RunSweeper(bgCtx, a.sweeper, a.clock, a.cfg.Geo.SweepInterval, a.log.With().Str("subsystem", "geo").Logger())
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("starting server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	a.hub.Close()
	if err := a.server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server forced to shutdown: %w", err)
	}

	cancel()
	wg.Wait()
	return runErr
}

// Sweep runs one retry pass.
func (a *App) Sweep(ctx context.Context) (service.SweepResult, error) {
	return a.scheduler.Sweep(ctx)
}

// Close releases every backend connection. It is safe on a partially built App.
func (a *App) Close() {
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing kafka writer")
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.nrApp != nil {
		a.nrApp.Shutdown(a.cfg.Server.ShutdownTimeout)
	}
}
