// Package repo defines the persistence boundary of the mailing engine.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
)

var ErrMailingNotFound = errors.New("mailing not found")

// StatusUpdate is one row of a bulk status write.
type StatusUpdate struct {
	ID     int64
	Status model.Status
}

// Tx is the unit of work used by activation. Every write made through it is
// committed or rolled back together, and a mailing locked through it stays
// locked until the transaction ends.
type Tx interface {
	// LockPendingMailing locks the mailing with the given id and a null
	// started_at. ok is false when no such row exists.
	LockPendingMailing(ctx context.Context, id int64) (m *model.Mailing, ok bool, err error)
	SelectAudience(ctx context.Context, f model.AudienceFilter) ([]int64, error)
	CreateMessages(ctx context.Context, mailingID int64, clientIDs []int64, createdAt time.Time) error
	MarkStarted(ctx context.Context, mailingID int64, at time.Time) error
}

type MailingRepository interface {
	// OpenMailingIDs returns ids of mailings whose window contains now,
	// ordered by id.
	OpenMailingIDs(ctx context.Context, now time.Time) ([]int64, error)

	// WithinTx runs fn in a transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	Stats(ctx context.Context, mailingIDs ...int64) (model.Stats, error)
}

type MessageRepository interface {
	// CancelOverdue moves Pending messages of mailings finished before now to
	// Canceled and returns the number of affected rows.
	CancelOverdue(ctx context.Context, now time.Time) (int64, error)

	// FetchOutstanding returns up to limit Pending or Failed messages with
	// id > afterID, ordered by id.
	FetchOutstanding(ctx context.Context, afterID int64, limit int) ([]model.Outbound, error)

	// UpdateStatuses writes every update with the same sent_at in one
	// statement.
	UpdateStatuses(ctx context.Context, updates []StatusUpdate, sentAt time.Time) error

	ListMessages(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error)
}

// Store is implemented by every backend.
type Store interface {
	MailingRepository
	MessageRepository
	Ping(ctx context.Context) error
	Close() error
}
