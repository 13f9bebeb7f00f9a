// Package memory contains in-process implementations of repository interfaces.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

// StateRepo implements StateRepository in memory. Stored states are copied
// on the way in and out, so callers never share mutable records.
type StateRepo struct {
	mu      sync.RWMutex
	states  map[uuid.UUID]*model.MessageState
	history map[uuid.UUID][]model.Transition
}

// NewStateRepo constructs an empty in-memory state repository.
func NewStateRepo() *StateRepo {
	return &StateRepo{
		states:  make(map[uuid.UUID]*model.MessageState),
		history: make(map[uuid.UUID][]model.Transition),
	}
}

// Create stores a new state at version 1.
func (r *StateRepo) Create(_ context.Context, st *model.MessageState, tr model.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[st.ID]; ok {
		return fmt.Errorf("message %s: %w", st.ID, errs.ErrAlreadyExists)
	}
	st.Ver = 1
	r.states[st.ID] = st.Clone()
	r.history[st.ID] = append(r.history[st.ID], tr)
	return nil
}

// Get returns a copy of the stored state.
func (r *StateRepo) Get(_ context.Context, id uuid.UUID) (*model.MessageState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return st.Clone(), nil
}

// Update replaces the state if the stored version equals baseVer.
func (r *StateRepo) Update(_ context.Context, st *model.MessageState, baseVer int64, tr model.Transition) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.states[st.ID]
	if !ok {
		return 0, errs.ErrNotFound
	}
	if cur.Ver != baseVer {
		return 0, fmt.Errorf("message %s: %w", st.ID, errs.ErrVersionConflict)
	}
	next := st.Clone()
	next.Ver = baseVer + 1
	r.states[st.ID] = next
	r.history[st.ID] = append(r.history[st.ID], tr)
	return next.Ver, nil
}

// Find returns copies of the states matching the filter, oldest first.
func (r *StateRepo) Find(_ context.Context, f model.StateFilter) ([]*model.MessageState, error) {
	r.mu.RLock()
	var out []*model.MessageState
	for _, st := range r.states {
		if matches(st, f) {
			out = append(out, st.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *model.MessageState) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID.Bytes(), b.ID.Bytes())
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(st *model.MessageState, f model.StateFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, st.Status) {
		return false
	}
	if f.Direction != ogx.DirectionUnknown && st.Direction != f.Direction {
		return false
	}
	if f.Destination != "" && st.Destination != f.Destination {
		return false
	}
	if !f.DueBefore.IsZero() && st.NextAttemptAt.After(f.DueBefore) {
		return false
	}
	if !f.ExpiredAt.IsZero() && (st.ExpiresAt.IsZero() || st.ExpiresAt.After(f.ExpiredAt)) {
		return false
	}
	if !f.StaleBefore.IsZero() && st.LastTransitionAt.After(f.StaleBefore) {
		return false
	}
	return true
}

// History returns the transitions of one message in insertion order.
func (r *StateRepo) History(_ context.Context, id uuid.UUID) ([]model.Transition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.history[id]), nil
}

// PurgeTerminal deletes terminal states whose last transition is older than before.
func (r *StateRepo) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, st := range r.states {
		if model.IsTerminal(st.Status, st.Direction) && st.LastTransitionAt.Before(before) {
			delete(r.states, id)
			delete(r.history, id)
			n++
		}
	}
	return n, nil
}
