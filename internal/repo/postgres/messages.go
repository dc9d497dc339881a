package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

func (s *Store) CancelOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages AS msg
		SET status = 'Canceled'
		FROM mailings AS ml
		WHERE msg.mailing_id = ml.id
		  AND ml.finish_at < $1
		  AND msg.status = 'Pending'`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) FetchOutstanding(ctx context.Context, afterID int64, limit int) ([]model.Outbound, error) {
	if limit <= 0 {
		return nil, errors.New("postgres: fetch outstanding: limit must be > 0")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT msg.id, c.phone_number, ml.content
		FROM messages AS msg
		JOIN clients AS c ON c.id = msg.client_id
		JOIN mailings AS ml ON ml.id = msg.mailing_id
		WHERE msg.status IN ('Pending', 'Failed')
		  AND msg.id > $1
		ORDER BY msg.id
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch outstanding: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Outbound, error) {
		var o model.Outbound
		err := row.Scan(&o.ID, &o.Phone, &o.Text)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch outstanding: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateStatuses(ctx context.Context, updates []repo.StatusUpdate, sentAt time.Time) error {
	if len(updates) == 0 {
		return nil
	}

	ids := make([]int64, len(updates))
	statuses := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
		statuses[i] = string(u.Status)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE messages AS msg
		SET status = u.status, sent_at = $3
		FROM unnest($1::bigint[], $2::text[]) AS u(id, status)
		WHERE msg.id = u.id`,
		ids, statuses, sentAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update statuses: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, mailing_id, client_id, created_at, sent_at, status
		FROM messages
		WHERE $1::text = '' OR status = $1::text
		ORDER BY id
		LIMIT $2 OFFSET $3`,
		string(status), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m      model.Message
			st     string
			sentAt *time.Time
		)
		if err := rows.Scan(&m.ID, &m.MailingID, &m.ClientID, &m.CreatedAt, &sentAt, &st); err != nil {
			return nil, fmt.Errorf("postgres: list messages: %w", err)
		}
		m.Status = model.Status(st)
		m.SentAt = sentAt
		out = append(out, m)
	}
	return out, rows.Err()
}
