package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automatic-mailing/internal/clock"
	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

const DefaultBatchSize = 200

// OutcomeHook observes every persisted successful delivery.
type OutcomeHook func(ctx context.Context, messageID int64, status model.Status, sentAt time.Time) error

// Dispatcher cancels overdue messages and drains the outstanding ones
// through the send client.
type Dispatcher struct {
	messages  repo.MessageRepository
	sender    BatchSender
	clock     clock.Clock
	log       zerolog.Logger
	batchSize int

	onSucceed OutcomeHook
	guard     RunGuard
}

type DispatcherOption func(*Dispatcher)

func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithOutcomeHook(h OutcomeHook) DispatcherOption {
	return func(d *Dispatcher) { d.onSucceed = h }
}

func WithRunGuard(g RunGuard) DispatcherOption {
	return func(d *Dispatcher) { d.guard = g }
}

func NewDispatcher(messages repo.MessageRepository, sender BatchSender, c clock.Clock, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		messages:  messages,
		sender:    sender,
		clock:     c,
		log:       log.With().Str("component", "dispatcher").Logger(),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunResult summarizes one dispatch cycle.
type RunResult struct {
	Canceled  int64
	Succeeded int
	Failed    int
	Batches   int
	Skipped   bool
}

// Run performs one dispatch cycle. Every status written during the cycle
// carries the same sent_at, taken when the cycle starts. Messages are paged by
// id, so one that fails now waits for the next cycle.
func (d *Dispatcher) Run(ctx context.Context) (RunResult, error) {
	var res RunResult

	if d.guard != nil {
		ok, err := d.guard.TryAcquire(ctx)
		if err != nil {
			return res, fmt.Errorf("acquire dispatch lock: %w", err)
		}
		if !ok {
			d.log.Info().Msg("dispatch run skipped, another run holds the lock")
			res.Skipped = true
			return res, nil
		}
		defer func() {
			if err := d.guard.Release(context.WithoutCancel(ctx)); err != nil {
				d.log.Warn().Err(err).Msg("release dispatch lock failed")
			}
		}()
	}

	log := d.log.With().Str("run_id", uuid.NewString()).Logger()
	start := time.Now()
	now := d.clock.Now()

	canceled, err := d.messages.CancelOverdue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("cancel overdue messages: %w", err)
	}
	res.Canceled = canceled

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := d.messages.FetchOutstanding(ctx, afterID, d.batchSize)
		if err != nil {
			return res, fmt.Errorf("fetch outstanding messages: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		succeeded, failed, err := d.dispatchBatch(ctx, batch, now)
		if err != nil {
			return res, err
		}
		res.Batches++
		res.Succeeded += succeeded
		res.Failed += failed
	}

	ev := log.Info()
	if res.Failed > 0 {
		ev = log.Warn()
	}
	ev.Int64("canceled", res.Canceled).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("batches", res.Batches).
		Dur("took", time.Since(start)).
		Msg("dispatch run completed")

	return res, nil
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, batch []model.Outbound, sentAt time.Time) (succeeded, failed int, err error) {
	candidates := make([]model.Outbound, 0, len(batch))
	for _, m := range batch {
		if m.ID > 0 {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	outcomes := d.sender.SendBatch(ctx, candidates)

	// Delivered messages are persisted even when the run is canceled mid-batch,
	// otherwise the next run would send them again.
	persistCtx := context.WithoutCancel(ctx)

	updates := make([]repo.StatusUpdate, 0, len(outcomes))
	for _, o := range outcomes {
		updates = append(updates, repo.StatusUpdate{ID: o.ID, Status: o.Status()})
		if o.Success {
			succeeded++
		} else {
			failed++
		}
	}

	if err := d.messages.UpdateStatuses(persistCtx, updates, sentAt); err != nil {
		return 0, 0, fmt.Errorf("persist message statuses: %w", err)
	}

	if d.onSucceed != nil {
		for _, o := range outcomes {
			if !o.Success {
				continue
			}
			if err := d.onSucceed(persistCtx, o.ID, model.Succeed, sentAt); err != nil {
				d.log.Warn().Err(err).Int64("message_id", o.ID).Msg("outcome hook failed")
			}
		}
	}

	return succeeded, failed, nil
}
