// Package bus provides the in-process message bus connecting agents,
// the director, and the workflow engine.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is an ordering hint applied within a subscriber's queue.
// Higher values are dequeued first; it never preempts a running handler.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Message is the immutable envelope carried by the bus. Once published it
// belongs to the bus; every subscriber receives an independent copy, so
// handlers may read their copy freely but mutations never travel.
type Message struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	SenderID      string         `json:"sender_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewMessage builds a normal-priority message with a fresh ID and timestamp.
func NewMessage(topic, senderID string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Priority:  PriorityNormal,
		SenderID:  senderID,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate rejects messages that must never reach a subscriber.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message: %w: nil message", ErrInvalidMessage)
	}
	if m.Topic == "" {
		return fmt.Errorf("message %s: %w: empty topic", m.ID, ErrInvalidMessage)
	}
	if m.SenderID == "" {
		return fmt.Errorf("message %s: %w: empty sender_id", m.ID, ErrInvalidMessage)
	}
	if m.Priority < PriorityLow || m.Priority > PriorityUrgent {
		return fmt.Errorf("message %s: %w: priority %d out of range", m.ID, ErrInvalidMessage, int(m.Priority))
	}
	return nil
}

// Clone returns a deep copy. The bus clones once per recipient so no two
// handlers ever share a payload map.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = ClonePayload(m.Payload)
	return &c
}

// ClonePayload deep-copies a payload map. Publishers that keep mutating
// their source map after Publish should hand the bus a clone instead.
func ClonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return ClonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// Handler processes messages delivered on a subscribed topic. It runs on
// the owning agent's mailbox goroutine; returning an error routes to the
// bus fault handler, never back to the publisher.
type Handler func(ctx context.Context, msg *Message) error

// RequestHandler answers point-to-point requests addressed to an agent.
// The returned message resolves the caller's wait; nil means no reply.
type RequestHandler func(ctx context.Context, req *Message) *Message

// Bus is the communication backbone. One instance is constructed at
// process start and injected into every component that talks.
type Bus interface {
	// Publish appends msg to history and enqueues a copy to every
	// current subscriber of msg.Topic. It never blocks on handlers and
	// never surfaces handler errors.
	Publish(ctx context.Context, msg *Message) error

	// Register creates the agent's mailbox and installs its request
	// handler. Returns an unregister function that drops the mailbox
	// and all of the agent's subscriptions.
	Register(agentID string, rh RequestHandler) (unregister func(), err error)

	// Subscribe routes topic to the agent's mailbox. Idempotent per
	// (agentID, topic): resubscribing replaces the handler. Topic "*"
	// observes every message.
	Subscribe(agentID, topic string, h Handler) (unsubscribe func(), err error)

	// Request sends point-to-point, bypassing topic routing, and waits
	// for the reply carrying the same correlation id. ErrTimeout after
	// timeout; a late reply is dropped.
	Request(ctx context.Context, targetID string, req *Message, timeout time.Duration) (*Message, error)

	// History returns up to limit archived messages, newest first.
	// Empty topic matches all topics.
	History(topic string, limit int) []*Message
}
