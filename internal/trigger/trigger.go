// Package trigger runs a periodic tick on a robfig/cron constant-delay
// schedule. A tick is skipped while the previous one is still running and a
// panicking tick is recovered.
package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automatic-mailing/internal/logging"
)

// TickFunc is one unit of periodic work.
type TickFunc func(ctx context.Context) error

type Trigger struct {
	name     string
	interval time.Duration
	tickFn   TickFunc
	log      zerolog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Trigger)

func WithName(name string) Option {
	return func(t *Trigger) { t.name = name }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Trigger) { t.log = l }
}

// New builds a stopped trigger. interval is rounded down to whole seconds by
// the schedule, so anything below one second is rejected.
func New(interval time.Duration, tickFn TickFunc, opts ...Option) (*Trigger, error) {
	if interval < time.Second {
		return nil, errors.New("interval must be at least 1s")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}

	t := &Trigger{
		name:     "trigger",
		interval: interval,
		tickFn:   tickFn,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("trigger", t.name).Logger()
	return t, nil
}

func (t *Trigger) Name() string { return t.name }

// Start schedules the tick and fires one immediately. It returns false when
// the trigger is already running.
func (t *Trigger) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	// Recover must sit inside SkipIfStillRunning: the skip wrapper hands its
	// token back only when the wrapped job returns normally.
	cl := logging.CronLogger{L: t.log}
	job := cron.NewChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)).
		Then(cron.FuncJob(func() { t.tick(ctx) }))

	t.cron = cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cl))
	t.cron.Schedule(cron.Every(t.interval), job)
	t.cron.Start()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		job.Run()
	}()

	t.running.Store(true)
	t.log.Info().Str("interval", t.interval.String()).Msg("trigger started")
	return true
}

// Stop cancels the tick context and waits for a tick in progress. It returns
// false when the trigger is not running.
func (t *Trigger) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running.Load() {
		return false
	}

	t.cancel()
	<-t.cron.Stop().Done()
	t.wg.Wait()
	t.running.Store(false)

	t.log.Info().Msg("trigger stopped")
	return true
}

func (t *Trigger) IsRunning() bool {
	return t.running.Load()
}

func (t *Trigger) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := t.tickFn(ctx); err != nil {
		t.log.Error().Err(err).Dur("took", time.Since(start)).Msg("tick failed")
		return
	}
	t.log.Debug().Dur("took", time.Since(start)).Msg("tick completed")
}
