// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ogx-gateway/internal/model"
)

// StateRepository stores message states with optimistic concurrency.
type StateRepository interface {
	// Create inserts a new state at version 1 together with its initial transition.
	Create(ctx context.Context, st *model.MessageState, tr model.Transition) error

	// Get returns a single state by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.MessageState, error)

	// Update replaces the state if its stored version equals baseVer and
	// appends tr to the history in the same step. It returns the new version.
	Update(ctx context.Context, st *model.MessageState, baseVer int64, tr model.Transition) (int64, error)

	// Find returns states matching the filter, oldest first.
	Find(ctx context.Context, f model.StateFilter) ([]*model.MessageState, error)

	// History returns the recorded transitions of one message in order.
	History(ctx context.Context, id uuid.UUID) ([]model.Transition, error)

	// PurgeTerminal deletes terminal states last changed before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}
