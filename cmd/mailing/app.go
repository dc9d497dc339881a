package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automatic-mailing/internal/api"
	"github.com/LeventeLantos/automatic-mailing/internal/cache"
	"github.com/LeventeLantos/automatic-mailing/internal/client"
	"github.com/LeventeLantos/automatic-mailing/internal/clock"
	"github.com/LeventeLantos/automatic-mailing/internal/config"
	"github.com/LeventeLantos/automatic-mailing/internal/logging"
	"github.com/LeventeLantos/automatic-mailing/internal/queue"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
	"github.com/LeventeLantos/automatic-mailing/internal/repo/memory"
	"github.com/LeventeLantos/automatic-mailing/internal/repo/postgres"
	"github.com/LeventeLantos/automatic-mailing/internal/service"
	"github.com/LeventeLantos/automatic-mailing/internal/trigger"
)

const (
	dispatchLockKey = "mailing:dispatch:lock"
	dispatchLockTTL = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

type app struct {
	log      zerolog.Logger
	store    repo.Store
	triggers *trigger.Group
	server   *http.Server

	local   *queue.Local
	consume func(ctx context.Context) error

	closers []func() error
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	return a.serve(ctx)
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{log: log}

	store, err := openStore(ctx, cfg.Database, logging.Component(log, "store"))
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	clk := clock.Real{}

	// One limiter for the whole process so every send shares the rate budget.
	limiter := client.NewLimiter(cfg.SendAPI.RatePerSecond)
	sendClient := client.NewMailingClient(cfg.SendAPI.URL, cfg.SendAPI.Token, limiter,
		client.WithTimeout(cfg.SendAPI.Timeout),
		client.WithLogger(logging.Component(log, "send_client")),
	)

	activator := service.NewActivator(store, clk, log)

	var enqueuer service.Enqueuer
	queueLog := logging.Component(log, "activation_queue")
	if cfg.Activation.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.Activation.AMQPURL, cfg.Activation.AMQPQueue,
			queue.WithWorkers(cfg.Activation.Workers),
			queue.WithLogger(queueLog),
		)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		a.consume = func(ctx context.Context) error { return q.Consume(ctx, activator.Activate) }
		enqueuer = q
	} else {
		a.local = queue.NewLocal(activator.Activate,
			queue.WithWorkers(cfg.Activation.Workers),
			queue.WithLogger(queueLog),
		)
		enqueuer = a.local
	}

	dispatchOpts := []service.DispatcherOption{service.WithBatchSize(cfg.Dispatch.BatchSize)}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)

		var outcomes cache.OutcomeCache = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		dispatchOpts = append(dispatchOpts,
			service.WithOutcomeHook(outcomes.StoreOutcome),
			service.WithRunGuard(cache.NewRedisLock(rdb, dispatchLockKey, dispatchLockTTL)),
		)
	}

	scheduler := service.NewMailingScheduler(store, enqueuer, clk, log)
	dispatcher := service.NewDispatcher(store, sendClient, clk, log, dispatchOpts...)

	triggerLog := logging.Component(log, "trigger")
	schedTrigger, err := trigger.New(cfg.Trigger.Interval, scheduler.Run,
		trigger.WithName("scheduler"), trigger.WithLogger(triggerLog))
	if err != nil {
		a.close()
		return nil, err
	}
	dispatchTrigger, err := trigger.New(cfg.Trigger.Interval, func(ctx context.Context) error {
		_, err := dispatcher.Run(ctx)
		return err
	}, trigger.WithName("dispatcher"), trigger.WithLogger(triggerLog))
	if err != nil {
		a.close()
		return nil, err
	}
	a.triggers = trigger.NewGroup(schedTrigger, dispatchTrigger)

	handler := api.NewHandler(a.triggers, store, store, activator, api.WithReadiness(store))
	a.server = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(handler, logging.Component(log, "http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (repo.Store, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("using in-memory store, data is lost on exit")
		return memory.New(), nil
	}

	s, err := postgres.New(ctx, cfg.PostgresURL, postgres.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// serve runs until ctx is done or a component fails, then shuts down in
// reverse start order.
func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	if a.local != nil {
		a.local.Start(ctx)
	}
	if a.consume != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.consume(ctx)
			if err == nil && ctx.Err() == nil {
				err = errors.New("amqp consumer stopped unexpectedly")
			}
			if err != nil {
				errCh <- fmt.Errorf("activation consumer: %w", err)
			}
		}()
	}

	a.triggers.Start()

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	a.triggers.Stop()

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("http server shutdown")
	}

	cancel()
	if a.local != nil {
		a.local.Stop()
	}
	wg.Wait()

	return runErr
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
