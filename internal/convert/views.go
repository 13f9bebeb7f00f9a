package convert

import (
	"errors"
	"time"

	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

// --- operator API views ---

// MessageView is the operator-facing snapshot of a tracked message.
type MessageView struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	Destination      string     `json:"destination"`
	Direction        string     `json:"direction"`
	Network          string     `json:"network"`
	Status           string     `json:"status"`
	Transport        string     `json:"transport"`
	AttemptCount     int        `json:"attempt_count"`
	GatewayID        string     `json:"gateway_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Version          int64      `json:"version"`
}

// TransitionView is one audit record.
type TransitionView struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Transport string    `json:"transport"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Violation is one flattened validation failure.
type Violation struct {
	Kind   string `json:"kind"`
	Code   string `json:"code"`
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// TokenView describes a client's cached access token without exposing it.
type TokenView struct {
	ClientID   string     `json:"client_id"`
	Present    bool       `json:"present"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Refreshing bool       `json:"refreshing"`
}

// ToMessageView renders st. NextAttemptAt is shown only while an attempt is pending.
func ToMessageView(st *model.MessageState) MessageView {
	v := MessageView{
		ID:               st.ID.String(),
		ClientID:         st.ClientID,
		Destination:      st.Destination,
		Direction:        st.Direction.String(),
		Network:          st.Network.String(),
		Status:           string(st.Status),
		Transport:        st.Transport.String(),
		AttemptCount:     st.AttemptCount,
		GatewayID:        st.GatewayID,
		CreatedAt:        st.CreatedAt.UTC(),
		LastTransitionAt: st.LastTransitionAt.UTC(),
		ExpiresAt:        optionalTime(st.ExpiresAt),
		LastError:        st.LastError,
		Version:          st.Ver,
	}
	if st.Status == model.StatusQueued || st.Status == model.StatusRetrying {
		v.NextAttemptAt = optionalTime(st.NextAttemptAt)
	}
	return v
}

// ToTransitionViews renders a message history.
func ToTransitionViews(trs []model.Transition) []TransitionView {
	out := make([]TransitionView, len(trs))
	for i, tr := range trs {
		out[i] = TransitionView{
			From:      string(tr.From),
			To:        string(tr.To),
			Transport: tr.Transport.String(),
			Attempt:   tr.Attempt,
			Reason:    tr.Reason,
			At:        tr.At.UTC(),
		}
	}
	return out
}

// ToViolations flattens a validation error. Errors outside the taxonomy
// yield a single entry carrying the error text.
func ToViolations(err error) []Violation {
	if err == nil {
		return nil
	}
	leaves := ogx.Violations(err)
	if len(leaves) == 0 {
		return []Violation{{Kind: "error", Detail: err.Error()}}
	}
	out := make([]Violation, len(leaves))
	for i, e := range leaves {
		out[i] = Violation{Kind: e.Kind.String(), Code: string(e.Code), Path: e.Path, Detail: e.Detail}
	}
	return out
}

// ToTokenView renders a token status snapshot.
func ToTokenView(clientID string, t model.Token, present bool) TokenView {
	v := TokenView{ClientID: clientID, Present: present, Refreshing: t.Refreshing}
	if present {
		v.ExpiresAt = optionalTime(t.ExpiresAt)
	}
	return v
}

// IsValidationError reports whether err belongs to the validation branch
// of the taxonomy.
func IsValidationError(err error) bool {
	return errors.Is(err, ogx.ErrValidation)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
