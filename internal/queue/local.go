// Package queue carries activation requests from the scheduler to the
// activator workers. Local keeps them in process; AMQP routes them through
// RabbitMQ so several processes can share the work.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("queue: stopped")

// Handler processes one activation request.
type Handler func(ctx context.Context, mailingID int64) error

const (
	defaultWorkers = 4
	defaultBuffer  = 1024
)

type options struct {
	workers int
	buffer  int
	log     zerolog.Logger
}

type Option func(*options)

func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{workers: defaultWorkers, buffer: defaultBuffer, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Local is a bounded in-process queue drained by a fixed worker pool.
type Local struct {
	handler Handler
	opts    options
	jobs    chan int64
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewLocal(handler Handler, opts ...Option) *Local {
	o := buildOptions(opts)
	return &Local{
		handler: handler,
		opts:    o,
		jobs:    make(chan int64, o.buffer),
		done:    make(chan struct{}),
		cancel:  func() {},
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (q *Local) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		q.cancel = cancel

		for i := 0; i < q.opts.workers; i++ {
			q.wg.Add(1)
			go q.work(ctx, i)
		}
		q.opts.log.Info().Int("workers", q.opts.workers).Msg("local activation queue started")
	})
}

// Enqueue blocks while the buffer is full.
func (q *Local) Enqueue(ctx context.Context, mailingID int64) error {
	select {
	case <-q.done:
		return ErrStopped
	default:
	}

	select {
	case q.jobs <- mailingID:
		return nil
	case <-q.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new requests and waits for in-flight handlers. Requests still
// buffered are dropped; the scheduler enqueues open mailings again on its next
// run.
func (q *Local) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
		q.cancel()
		q.wg.Wait()
		q.opts.log.Info().Msg("local activation queue stopped")
	})
}

func (q *Local) work(ctx context.Context, n int) {
	defer q.wg.Done()
	log := q.opts.log.With().Int("worker", n).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			if err := q.handler(ctx, id); err != nil {
				log.Error().Err(err).Int64("mailing_id", id).Msg("activation failed")
			}
		}
	}
}
