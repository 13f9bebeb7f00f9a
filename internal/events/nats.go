// Package events publishes message status transitions to NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/and161185/ogx-gateway/internal/model"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "ogx.transitions"

// Publisher sends raw payloads. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON body of a published transition.
type Event struct {
	MessageID string    `json:"message_id"`
	ClientID  string    `json:"client_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Transport string    `json:"transport"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// NATSSink publishes every transition to "<prefix>.<new status>".
// Publish failures are logged and never block delivery.
type NATSSink struct {
	pub    Publisher
	prefix string
	log    *zap.Logger
}

// NewNATSSink wires a sink. An empty prefix uses DefaultSubject.
func NewNATSSink(pub Publisher, prefix string, log *zap.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubject
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSSink{pub: pub, prefix: prefix, log: log}
}

// Subject returns the subject a transition to status s is published on.
func (s *NATSSink) Subject(status model.Status) string {
	return s.prefix + "." + string(status)
}

// OnTransition publishes tr.
func (s *NATSSink) OnTransition(_ context.Context, tr model.Transition) {
	raw, err := json.Marshal(Event{
		MessageID: tr.MessageID.String(),
		ClientID:  tr.ClientID,
		From:      string(tr.From),
		To:        string(tr.To),
		Transport: tr.Transport.String(),
		Attempt:   tr.Attempt,
		Reason:    tr.Reason,
		At:        tr.At.UTC(),
	})
	if err != nil {
		s.log.Error("encode transition event", zap.Error(err))
		return
	}
	if err := s.pub.Publish(s.Subject(tr.To), raw); err != nil {
		s.log.Warn("publish transition event failed",
			zap.String("message_id", tr.MessageID.String()), zap.String("to", string(tr.To)), zap.Error(err))
	}
}

// Dial connects to NATS with reconnects enabled and connection state
// changes logged.
func Dial(url, name string, log *zap.Logger) (*nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	)
}
