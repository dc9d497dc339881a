package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

func (s *Store) OpenMailingIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM mailings
		WHERE start_at <= $1
		  AND (finish_at IS NULL OR finish_at > $1)
		ORDER BY id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: open mailings: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres: open mailings: %w", err)
	}
	return ids, nil
}

// Stats aggregates message statuses over the given mailings, or over all
// mailings when none are given.
func (s *Store) Stats(ctx context.Context, mailingIDs ...int64) (model.Stats, error) {
	var filter []int64
	if len(mailingIDs) > 0 {
		filter = mailingIDs
	}

	var count int64
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM mailings
		WHERE $1::bigint[] IS NULL OR id = ANY($1)`,
		filter,
	).Scan(&count); err != nil {
		return model.Stats{}, fmt.Errorf("postgres: count mailings: %w", err)
	}
	if filter != nil && count == 0 {
		return model.Stats{}, repo.ErrMailingNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*)
		FROM messages
		WHERE $1::bigint[] IS NULL OR mailing_id = ANY($1)
		GROUP BY status`,
		filter,
	)
	if err != nil {
		return model.Stats{}, fmt.Errorf("postgres: message stats: %w", err)
	}
	defer rows.Close()

	st := model.Stats{Count: count, MessageStatuses: model.NewStatusCounts()}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return model.Stats{}, fmt.Errorf("postgres: message stats: %w", err)
		}
		st.MessageStatuses[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return model.Stats{}, fmt.Errorf("postgres: message stats: %w", err)
	}
	return st, nil
}
