// Package service holds the mailing activation and message dispatch engine.
package service

import (
	"context"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
)

// BatchSender delivers a batch and reports one outcome per message.
type BatchSender interface {
	SendBatch(ctx context.Context, msgs []model.Outbound) []model.Outcome
}

// Enqueuer accepts fire-and-forget activation requests. Duplicate ids are
// allowed.
type Enqueuer interface {
	Enqueue(ctx context.Context, mailingID int64) error
}

// RunGuard keeps dispatch runs from overlapping across processes.
type RunGuard interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
