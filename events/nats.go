package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes mirrored event subjects.
const DefaultSubjectPrefix = "steward.events"

// NATSMirror is a Sink that republishes every event as JSON on
// "<prefix>.<conversation id>".
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
}

// DialNATSMirror connects to url and returns a mirror publishing under prefix.
func DialNATSMirror(url, prefix string) (*NATSMirror, error) {
	nc, err := nats.Connect(url,
		nats.Name("steward"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSMirror(nc, prefix), nil
}

// NewNATSMirror wraps an existing connection.
func NewNATSMirror(nc *nats.Conn, prefix string) *NATSMirror {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSMirror{conn: nc, prefix: prefix}
}

// Subject returns the subject events of conversationID are published on.
func (m *NATSMirror) Subject(conversationID string) string {
	return m.prefix + "." + conversationID
}

// Publish implements Sink.
func (m *NATSMirror) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.conn.Publish(m.Subject(ev.ConversationID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() error {
	return m.conn.Drain()
}
