package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

type tx struct {
	tx pgx.Tx
}

// WithinTx commits when fn returns nil and rolls back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(&tx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (t *tx) LockPendingMailing(ctx context.Context, id int64) (*model.Mailing, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, start_at, started_at, finish_at, content,
		       COALESCE(mobile_operator_code, ''), COALESCE(tag, '')
		FROM mailings
		WHERE id = $1 AND started_at IS NULL
		FOR UPDATE`,
		id,
	)

	var m model.Mailing
	if err := row.Scan(
		&m.ID,
		&m.StartAt,
		&m.StartedAt,
		&m.FinishAt,
		&m.Content,
		&m.MobileOperatorCode,
		&m.Tag,
	); err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres: lock mailing %d: %w", id, err)
	}
	return &m, true, nil
}

func (t *tx) SelectAudience(ctx context.Context, f model.AudienceFilter) ([]int64, error) {
	q, args := audienceQuery(f)
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: select audience: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres: select audience: %w", err)
	}
	return ids, nil
}

func (t *tx) CreateMessages(ctx context.Context, mailingID int64, clientIDs []int64, createdAt time.Time) error {
	if len(clientIDs) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"messages"},
		[]string{"mailing_id", "client_id", "status", "created_at"},
		pgx.CopyFromSlice(len(clientIDs), func(i int) ([]any, error) {
			return []any{mailingID, clientIDs[i], string(model.Pending), createdAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: create messages for mailing %d: %w", mailingID, err)
	}
	return nil
}

func (t *tx) MarkStarted(ctx context.Context, mailingID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE mailings SET started_at = $2 WHERE id = $1`, mailingID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark mailing %d started: %w", mailingID, err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrMailingNotFound
	}
	return nil
}
