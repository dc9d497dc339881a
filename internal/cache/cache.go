// Package cache keeps delivery outcomes and the cross-process dispatch lock
// in Redis.
package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
)

// OutcomeCache records the latest known delivery outcome per message.
type OutcomeCache interface {
	StoreOutcome(ctx context.Context, messageID int64, status model.Status, sentAt time.Time) error
}
