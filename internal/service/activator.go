package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automatic-mailing/internal/clock"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

// Activator turns a scheduled mailing into an active one exactly once.
type Activator struct {
	mailings repo.MailingRepository
	clock    clock.Clock
	log      zerolog.Logger
}

func NewActivator(mailings repo.MailingRepository, c clock.Clock, log zerolog.Logger) *Activator {
	return &Activator{
		mailings: mailings,
		clock:    c,
		log:      log.With().Str("component", "activator").Logger(),
	}
}

// Activate locks the mailing, creates a Pending message for every client in
// its audience and stamps started_at, all in one transaction. A mailing that
// is missing or already started is left alone and nil is returned.
func (a *Activator) Activate(ctx context.Context, mailingID int64) error {
	var (
		activated bool
		created   int
	)

	err := a.mailings.WithinTx(ctx, func(tx repo.Tx) error {
		m, ok, err := tx.LockPendingMailing(ctx, mailingID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		clients, err := tx.SelectAudience(ctx, m.Audience())
		if err != nil {
			return err
		}

		now := a.clock.Now()
		if err := tx.CreateMessages(ctx, m.ID, clients, now); err != nil {
			return err
		}
		if err := tx.MarkStarted(ctx, m.ID, now); err != nil {
			return err
		}

		activated = true
		created = len(clients)
		return nil
	})
	if err != nil {
		return fmt.Errorf("activate mailing %d: %w", mailingID, err)
	}

	if activated {
		a.log.Info().Int64("mailing_id", mailingID).Int("messages", created).Msg("mailing activated")
	} else {
		a.log.Debug().Int64("mailing_id", mailingID).Msg("mailing already started or missing")
	}
	return nil
}
