package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automatic-mailing/internal/clock"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

// MailingScheduler requests activation of every mailing whose window is open.
type MailingScheduler struct {
	mailings repo.MailingRepository
	queue    Enqueuer
	clock    clock.Clock
	log      zerolog.Logger
}

func NewMailingScheduler(mailings repo.MailingRepository, queue Enqueuer, c clock.Clock, log zerolog.Logger) *MailingScheduler {
	return &MailingScheduler{
		mailings: mailings,
		queue:    queue,
		clock:    c,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Run enqueues one activation request per open mailing, in id order. Already
// activated mailings are enqueued again; the Activator ignores them.
func (s *MailingScheduler) Run(ctx context.Context) error {
	ids, err := s.mailings.OpenMailingIDs(ctx, s.clock.Now())
	if err != nil {
		return fmt.Errorf("list open mailings: %w", err)
	}

	enqueued := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			s.log.Warn().Err(err).Int64("mailing_id", id).Msg("enqueue activation failed")
			continue
		}
		enqueued++
	}

	s.log.Debug().Int("open", len(ids)).Int("enqueued", enqueued).Msg("scheduler run completed")
	return nil
}
