package grpcserver

import (
	"encoding/json"

	"github.com/and161185/ogx-gateway/internal/convert"
)

// ServiceName is the fully qualified name of the operator API.
const ServiceName = "ogx.v1.Gateway"

// AcceptRequest hands one OGx message to the gateway.
type AcceptRequest struct {
	Destination string          `json:"destination"`
	Direction   string          `json:"direction"`
	Network     string          `json:"network,omitempty"`
	TTLSeconds  int64           `json:"ttl_seconds,omitempty"`
	Message     json.RawMessage `json:"message"`
}

// MessageRequest addresses one tracked message.
type MessageRequest struct {
	ID string `json:"id"`
}

// PendingRequest asks for the oldest open to-mobile message of a terminal.
type PendingRequest struct {
	Destination string `json:"destination"`
}

// HistoryResponse lists the transitions of one message.
type HistoryResponse struct {
	Transitions []convert.TransitionView `json:"transitions"`
}

// TokenStatusRequest is empty; the caller's client id comes from its credentials.
type TokenStatusRequest struct{}

// ValidateRequest checks a message without accepting it.
type ValidateRequest struct {
	Direction string          `json:"direction"`
	Message   json.RawMessage `json:"message"`
}

// ValidateResponse reports the accounted size and every violation found.
type ValidateResponse struct {
	Valid      bool                `json:"valid"`
	Size       int                 `json:"size"`
	Limit      int                 `json:"limit"`
	Violations []convert.Violation `json:"violations,omitempty"`
}
