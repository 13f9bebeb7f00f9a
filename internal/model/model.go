// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ogx-gateway/internal/ogx"
)

// Transport is the physical path a submission attempt uses.
type Transport int

const (
	TransportUnassigned Transport = iota
	TransportSatellite
	TransportCellular
)

func (t Transport) String() string {
	switch t {
	case TransportSatellite:
		return "satellite"
	case TransportCellular:
		return "cellular"
	default:
		return "unassigned"
	}
}

// ParseTransport maps a configuration name to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "satellite", "sat":
		return TransportSatellite, nil
	case "cellular", "cell":
		return TransportCellular, nil
	}
	return TransportUnassigned, fmt.Errorf("unknown transport %q", s)
}

// Status is a position in the delivery state machine.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusRetrying   Status = "retrying"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// transitions lists the allowed successors of each non-terminal status.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusSubmitting, StatusFailed, StatusExpired},
	StatusSubmitting: {StatusSubmitted, StatusRetrying, StatusFailed, StatusExpired},
	StatusSubmitted:  {StatusDelivered, StatusRetrying, StatusFailed, StatusExpired},
	StatusRetrying:   {StatusSubmitting, StatusFailed, StatusExpired},
}

// CanTransition reports whether from -> to is allowed for a message
// travelling in direction d.
func CanTransition(from, to Status, d ogx.Direction) bool {
	if IsTerminal(from, d) {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible. Submitted
// is final for from-mobile messages since nothing is tracked past the
// gateway acknowledgement.
func IsTerminal(s Status, d ogx.Direction) bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusExpired:
		return true
	case StatusSubmitted:
		return d == ogx.FromMobile
	}
	return false
}

// Attempt records one submission try.
type Attempt struct {
	Transport Transport `json:"transport"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// MessageState is the tracked record of one message in flight.
type MessageState struct {
	ID               uuid.UUID
	ClientID         string        // credentials used for upstream calls
	Destination      string        // terminal id
	Direction        ogx.Direction
	Network          ogx.Network
	Transport        Transport
	Status           Status
	AttemptCount     int
	Attempts         []Attempt
	Message          ogx.Message
	GatewayID        string // upstream correlation id, set once submitted
	CreatedAt        time.Time
	LastTransitionAt time.Time
	NextAttemptAt    time.Time
	ExpiresAt        time.Time // zero: never expires
	LastError        string
	Ver              int64 // monotonically increasing version (>= 1 once stored)
}

// Expired reports whether the TTL has elapsed at now.
func (s *MessageState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy safe to mutate.
func (s *MessageState) Clone() *MessageState {
	c := *s
	c.Attempts = append([]Attempt(nil), s.Attempts...)
	return &c
}

// Transition is the audit record of one status change.
type Transition struct {
	MessageID uuid.UUID `json:"message_id"`
	ClientID  string    `json:"client_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Transport Transport `json:"transport"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// StateFilter selects message states. Zero-valued fields do not filter.
type StateFilter struct {
	Statuses    []Status
	Direction   ogx.Direction
	Destination string
	DueBefore   time.Time // NextAttemptAt <= DueBefore
	ExpiredAt   time.Time // ExpiresAt set and <= ExpiredAt
	StaleBefore time.Time // LastTransitionAt <= StaleBefore
	Limit       int
}

// Outcome is the normalized upstream delivery state of a forward message.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeDelivered
	OutcomeFailed
	OutcomeRetry
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeRetry:
		return "retry"
	case OutcomeExpired:
		return "expired"
	default:
		return "pending"
	}
}

// StatusUpdate is one upstream status report for a forward message.
type StatusUpdate struct {
	GatewayID string
	Outcome   Outcome
	State     int // raw gateway state code
	ErrorID   int
	Transport Transport
	At        time.Time
}

// Token is a gateway access token for one client.
type Token struct {
	ClientID          string
	AccessToken       string
	ExpiresAt         time.Time
	SecretFingerprint []byte // Argon2id of the client secret the token was issued for
	Refreshing        bool   // a refresh is in flight; never persisted
}

// ValidFor reports whether the token stays valid for at least margin after now.
func (t Token) ValidFor(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && t.ExpiresAt.After(now.Add(margin))
}
