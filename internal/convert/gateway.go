// Package convert maps between domain types and the gateway wire format.
package convert

import (
	"fmt"
	"strconv"
	"time"

	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

// Gateway forward message states.
const (
	StateAccepted           = 0
	StateReceived           = 1
	StateError              = 2
	StateDeliveryFailed     = 3
	StateTimedOut           = 4
	StateCancelled          = 5
	StateWaiting            = 6
	StateBroadcastSubmitted = 7
	StateSending            = 8
)

// --- wire DTOs ---

// TokenResponse is the body of a successful /auth/token call.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Submission is one entry of a /submit/messages request.
type Submission struct {
	DestinationID string      `json:"DestinationID"`
	UserMessageID int         `json:"UserMessageID,omitempty"`
	TransportType int         `json:"TransportType"`
	Payload       ogx.Message `json:"Payload"`
}

// SubmitResult is the per-message part of a /submit/messages response.
type SubmitResult struct {
	ForwardMessageID int64  `json:"ForwardMessageID"`
	DestinationID    string `json:"DestinationID"`
	UserMessageID    int    `json:"UserMessageID"`
	ErrorID          int    `json:"ErrorID"`
}

// SubmitResponse is the body of a /submit/messages response.
type SubmitResponse struct {
	ErrorID     int            `json:"ErrorID"`
	Submissions []SubmitResult `json:"Submissions"`
}

// WireStatus is one forward message status as reported by the gateway.
type WireStatus struct {
	ForwardMessageID int64  `json:"ForwardMessageID"`
	State            int    `json:"State"`
	ErrorID          int    `json:"ErrorID"`
	StateUTC         string `json:"StateUTC"`
	Transport        int    `json:"Transport"`
	IsClosed         bool   `json:"IsClosed"`
}

// StatusResponse is the body of a /get/fw_statuses response.
type StatusResponse struct {
	ErrorID  int          `json:"ErrorID"`
	Statuses []WireStatus `json:"Statuses"`
}

// --- domain -> wire ---

// ToSubmission builds the submit entry for one attempt of st over t.
func ToSubmission(st *model.MessageState, t model.Transport) Submission {
	return Submission{
		DestinationID: st.Destination,
		UserMessageID: st.AttemptCount,
		TransportType: int(t),
		Payload:       st.Message,
	}
}

// GatewayID renders a forward message id as stored on the state record.
func GatewayID(id int64) string { return strconv.FormatInt(id, 10) }

// ParseGatewayID parses a stored gateway id back into a forward message id.
func ParseGatewayID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid gateway id %q: %w", s, err)
	}
	return id, nil
}

// --- wire -> domain ---

// Outcome maps a gateway state code onto the delivery outcome.
func Outcome(state int) model.Outcome {
	switch state {
	case StateReceived, StateBroadcastSubmitted:
		return model.OutcomeDelivered
	case StateError, StateCancelled:
		return model.OutcomeFailed
	case StateDeliveryFailed:
		return model.OutcomeRetry
	case StateTimedOut:
		return model.OutcomeExpired
	default:
		return model.OutcomePending
	}
}

// FromWireStatus converts one gateway status. A missing StateUTC falls back to now.
func FromWireStatus(s WireStatus, now time.Time) (model.StatusUpdate, error) {
	at := now
	if s.StateUTC != "" {
		t, err := time.ParseInLocation(ogx.FilterTimeLayout, s.StateUTC, time.UTC)
		if err != nil {
			return model.StatusUpdate{}, fmt.Errorf("status %d: invalid StateUTC: %w", s.ForwardMessageID, err)
		}
		at = t
	}
	return model.StatusUpdate{
		GatewayID: GatewayID(s.ForwardMessageID),
		Outcome:   Outcome(s.State),
		State:     s.State,
		ErrorID:   s.ErrorID,
		Transport: model.Transport(s.Transport),
		At:        at,
	}, nil
}

// FromWireStatuses converts a slice of gateway statuses.
func FromWireStatuses(in []WireStatus, now time.Time) ([]model.StatusUpdate, error) {
	out := make([]model.StatusUpdate, 0, len(in))
	for i, s := range in {
		u, err := FromWireStatus(s, now)
		if err != nil {
			return nil, fmt.Errorf("status[%d]: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}
