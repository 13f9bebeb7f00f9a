package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

// StateRepo implements StateRepository using PostgreSQL.
type StateRepo struct{ db *DB }

// NewStateRepo constructs a message state repository.
func NewStateRepo(db *DB) *StateRepo { return &StateRepo{db: db} }

const stateColumns = `id, client_id, destination, direction, network, transport, status, attempt_count, attempts, message, gateway_id, created_at, last_transition_at, next_attempt_at, expires_at, last_error, ver`

const insertTransition = `INSERT INTO message_transitions (message_id, client_id, from_status, to_status, transport, attempt, reason, at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

// Create inserts a new state at version 1 and its first transition.
func (r *StateRepo) Create(ctx context.Context, st *model.MessageState, tr model.Transition) (err error) {
	attempts, msg, err := encodeState(st)
	if err != nil {
		return err
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `INSERT INTO message_states (` + stateColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1)`
	_, err = tx.Exec(ctx, ins,
		st.ID, st.ClientID, st.Destination, int(st.Direction), int(st.Network), int(st.Transport),
		string(st.Status), st.AttemptCount, attempts, msg, st.GatewayID,
		st.CreatedAt, st.LastTransitionAt, st.NextAttemptAt, nullTime(st.ExpiresAt), st.LastError)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", st.ID, errs.ErrAlreadyExists)
		}
		return err
	}
	if err = execTransition(ctx, tx, tr); err != nil {
		return err
	}
	st.Ver = 1
	return nil
}

// Get returns a single state by id.
func (r *StateRepo) Get(ctx context.Context, id uuid.UUID) (*model.MessageState, error) {
	const q = `SELECT ` + stateColumns + ` FROM message_states WHERE id=$1`
	st, err := scanState(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

// Update replaces the state if the stored version equals baseVer.
func (r *StateRepo) Update(
	ctx context.Context, st *model.MessageState, baseVer int64, tr model.Transition,
) (newVer int64, err error) {
	attempts, msg, err := encodeState(st)
	if err != nil {
		return 0, err
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT ver FROM message_states WHERE id=$1 FOR UPDATE`
	const upd = `UPDATE message_states SET transport=$2, status=$3, attempt_count=$4, attempts=$5, gateway_id=$6, last_transition_at=$7, next_attempt_at=$8, expires_at=$9, last_error=$10, ver=$11, message=$12 WHERE id=$1`

	var curVer int64
	if err = tx.QueryRow(ctx, sel, st.ID).Scan(&curVer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	if curVer != baseVer {
		return 0, fmt.Errorf("message %s: %w", st.ID, errs.ErrVersionConflict)
	}
	newVer = curVer + 1
	if _, err = tx.Exec(ctx, upd, st.ID, int(st.Transport), string(st.Status), st.AttemptCount, attempts,
		st.GatewayID, st.LastTransitionAt, st.NextAttemptAt, nullTime(st.ExpiresAt), st.LastError, newVer, msg); err != nil {
		return 0, err
	}
	if err = execTransition(ctx, tx, tr); err != nil {
		return 0, err
	}
	return newVer, nil
}

// Find returns states matching the filter, oldest first.
func (r *StateRepo) Find(ctx context.Context, f model.StateFilter) ([]*model.MessageState, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(ss)+")")
	}
	if f.Direction != ogx.DirectionUnknown {
		where = append(where, "direction="+arg(int(f.Direction)))
	}
	if f.Destination != "" {
		where = append(where, "destination="+arg(f.Destination))
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "next_attempt_at<="+arg(f.DueBefore))
	}
	if !f.ExpiredAt.IsZero() {
		where = append(where, "expires_at IS NOT NULL AND expires_at<="+arg(f.ExpiredAt))
	}
	if !f.StaleBefore.IsZero() {
		where = append(where, "last_transition_at<="+arg(f.StaleBefore))
	}

	q := `SELECT ` + stateColumns + ` FROM message_states`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.MessageState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// History returns the transitions of one message in insertion order.
func (r *StateRepo) History(ctx context.Context, id uuid.UUID) ([]model.Transition, error) {
	const q = `
SELECT client_id, from_status, to_status, transport, attempt, reason, at
FROM message_transitions
WHERE message_id=$1
ORDER BY id ASC`
	rows, err := r.db.Pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var (
			tr        model.Transition
			from, to  string
			transport int
		)
		if err = rows.Scan(&tr.ClientID, &from, &to, &transport, &tr.Attempt, &tr.Reason, &tr.At); err != nil {
			return nil, err
		}
		tr.MessageID = id
		tr.From, tr.To = model.Status(from), model.Status(to)
		tr.Transport = model.Transport(transport)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// PurgeTerminal deletes terminal states (and, by cascade, their history)
// whose last transition is older than before.
func (r *StateRepo) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	const q = `
DELETE FROM message_states
WHERE last_transition_at < $1
  AND (status = ANY($2) OR (status = $3 AND direction = $4))`
	terminal := []string{string(model.StatusDelivered), string(model.StatusFailed), string(model.StatusExpired)}
	tag, err := r.db.Pool.Exec(ctx, q, before, terminal, string(model.StatusSubmitted), int(ogx.FromMobile))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func execTransition(ctx context.Context, tx pgx.Tx, tr model.Transition) error {
	_, err := tx.Exec(ctx, insertTransition, tr.MessageID, tr.ClientID, string(tr.From), string(tr.To),
		int(tr.Transport), tr.Attempt, tr.Reason, tr.At)
	return err
}

func encodeState(st *model.MessageState) (attempts, msg []byte, err error) {
	if attempts, err = json.Marshal(st.Attempts); err != nil {
		return nil, nil, fmt.Errorf("encode attempts: %w", err)
	}
	if msg, err = json.Marshal(st.Message); err != nil {
		return nil, nil, fmt.Errorf("encode message: %w", err)
	}
	return attempts, msg, nil
}

func scanState(row pgx.Row) (*model.MessageState, error) {
	var (
		st                      model.MessageState
		dir, network, transport int
		status                  string
		attempts, msg           []byte
		expiresAt               *time.Time
	)
	if err := row.Scan(&st.ID, &st.ClientID, &st.Destination, &dir, &network, &transport, &status,
		&st.AttemptCount, &attempts, &msg, &st.GatewayID, &st.CreatedAt, &st.LastTransitionAt,
		&st.NextAttemptAt, &expiresAt, &st.LastError, &st.Ver); err != nil {
		return nil, err
	}
	st.Direction = ogx.Direction(dir)
	st.Network = ogx.Network(network)
	st.Transport = model.Transport(transport)
	st.Status = model.Status(status)
	st.ExpiresAt = fromNullTime(expiresAt)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &st.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}
	if err := json.Unmarshal(msg, &st.Message); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &st, nil
}
