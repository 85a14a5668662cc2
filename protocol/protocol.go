// Package protocol implements the typed exchange layer agents speak
// over the bus: pings, task assignments, data requests, and status
// pushes, each outcome expressed as an explicit status rather than an
// error raised at the caller.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
)

// Kind tags a protocol message; dispatch is by handler table keyed on it.
type Kind string

const (
	KindPing           Kind = "ping"
	KindTaskAssignment Kind = "task_assignment"
	KindDataRequest    Kind = "data_request"
	KindAgentStatus    Kind = "agent_status"
	KindTaskResult     Kind = "task_result"
	KindConflict       Kind = "conflict"
)

// Status is the outcome carried by every response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPending Status = "pending"
	StatusTimeout Status = "timeout"
)

// Machine-readable reason codes set alongside StatusError.
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonNoSuchAgent    = "no_such_agent"
	ReasonNoReply        = "no_reply"
	ReasonBadReply       = "bad_reply"
	ReasonBusClosed      = "bus_closed"
	ReasonCanceled       = "canceled"
	ReasonUnsupported    = "unsupported_kind"
	ReasonTaskUnknown    = "unknown_task_type"
)

var validKinds = map[Kind]bool{
	KindPing: true, KindTaskAssignment: true, KindDataRequest: true,
	KindAgentStatus: true, KindTaskResult: true, KindConflict: true,
}

var validStatuses = map[Status]bool{
	StatusSuccess: true, StatusError: true, StatusPending: true, StatusTimeout: true,
}

// Message is a protocol-level view of a bus envelope. A response carries
// its request's correlation id, and ReplyTo names the correlation id
// being answered.
type Message struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Kind          Kind           `json:"kind"`
	SenderID      string         `json:"sender_id"`
	TargetID      string         `json:"target_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Status        Status         `json:"status,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Priority      bus.Priority   `json:"priority"`
	Deadline      time.Time      `json:"deadline,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Handler answers one protocol kind. It must return a status-set reply
// and never leave it pending.
type Handler func(ctx context.Context, msg *Message) *Message

// defaultTopic maps a kind to the topic its messages travel or archive
// under.
func defaultTopic(k Kind) string {
	switch k {
	case KindTaskResult:
		return bus.TopicTaskResult
	case KindAgentStatus:
		return bus.TopicAgentStatus
	case KindConflict:
		return bus.TopicConflictResolved
	default:
		return "protocol." + string(k)
	}
}

// New builds a protocol message of the given kind with a fresh id,
// correlation id, and timestamp.
func New(kind Kind, sender string, data map[string]any) *Message {
	return &Message{
		ID:            uuid.NewString(),
		Topic:         defaultTopic(kind),
		Kind:          kind,
		SenderID:      sender,
		CorrelationID: uuid.NewString(),
		Data:          data,
		Priority:      bus.PriorityNormal,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewPing builds a liveness probe addressed to target.
func NewPing(sender, target string) *Message {
	m := New(KindPing, sender, nil)
	m.TargetID = target
	m.Priority = bus.PriorityHigh
	return m
}

// NewDataRequest builds a synchronous query addressed to target.
func NewDataRequest(sender, target string, query map[string]any) *Message {
	m := New(KindDataRequest, sender, query)
	m.TargetID = target
	return m
}

// NewTaskAssignment builds a coordinator-to-worker assignment. The
// receiver acknowledges with StatusPending and reports the result later
// on the task.result topic.
func NewTaskAssignment(sender, target, taskID, taskType string, params map[string]any) *Message {
	m := New(KindTaskAssignment, sender, map[string]any{
		"task_id":    taskID,
		"task_type":  taskType,
		"parameters": params,
	})
	m.TargetID = target
	return m
}

// NewTaskResult builds the deferred second half of an assignment,
// published on task.result.
func NewTaskResult(sender, taskID string, status Status, output map[string]any, reason string) *Message {
	m := New(KindTaskResult, sender, map[string]any{
		"task_id": taskID,
		"output":  output,
	})
	m.Status = status
	m.Reason = reason
	return m
}

// NewStatusPush builds an agent-status broadcast; no reply is expected.
func NewStatusPush(sender string, state map[string]any) *Message {
	m := New(KindAgentStatus, sender, state)
	m.Status = StatusSuccess
	return m
}

// TaskID extracts the task id from an assignment or result payload.
func (m *Message) TaskID() string {
	if m.Data == nil {
		return ""
	}
	id, _ := m.Data["task_id"].(string)
	return id
}

// TaskType extracts the task type from an assignment payload.
func (m *Message) TaskType() string {
	if m.Data == nil {
		return ""
	}
	t, _ := m.Data["task_type"].(string)
	return t
}

// Parameters extracts the assignment parameters, never nil.
func (m *Message) Parameters() map[string]any {
	if m.Data == nil {
		return map[string]any{}
	}
	p, _ := m.Data["parameters"].(map[string]any)
	if p == nil {
		return map[string]any{}
	}
	return p
}

// Respond builds the reply to m: kinds match, sender and target swap,
// and the reply carries m's correlation id in both CorrelationID and
// ReplyTo.
func (m *Message) Respond(status Status, data map[string]any) *Message {
	return &Message{
		ID:            uuid.NewString(),
		Topic:         m.Topic,
		Kind:          m.Kind,
		SenderID:      m.TargetID,
		TargetID:      m.SenderID,
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.CorrelationID,
		Status:        status,
		Data:          data,
		Priority:      m.Priority,
		CreatedAt:     time.Now().UTC(),
	}
}

// RespondError builds an error reply carrying a machine-readable reason.
func (m *Message) RespondError(reason string, data map[string]any) *Message {
	r := m.Respond(StatusError, data)
	r.Reason = reason
	return r
}

// Ack builds the immediate pending acknowledgement for an assignment.
func (m *Message) Ack() *Message {
	return m.Respond(StatusPending, map[string]any{"task_id": m.TaskID()})
}

// Validate rejects messages that must never be sent.
func (m *Message) Validate() error {
	if m == nil {
		return &fault.DataError{Err: errors.New("nil protocol message")}
	}
	if !validKinds[m.Kind] {
		return &fault.DataError{Err: fmt.Errorf("unknown kind %q", m.Kind)}
	}
	if m.SenderID == "" {
		return &fault.DataError{Err: errors.New("empty sender_id")}
	}
	if m.Status != "" && !validStatuses[m.Status] {
		return &fault.DataError{Err: fmt.Errorf("unknown status %q", m.Status)}
	}
	return nil
}

// Encode folds the protocol fields into a bus envelope under reserved
// payload keys.
func (m *Message) Encode() *bus.Message {
	payload := map[string]any{"kind": string(m.Kind)}
	if m.TargetID != "" {
		payload["target_id"] = m.TargetID
	}
	if m.ReplyTo != "" {
		payload["reply_to"] = m.ReplyTo
	}
	if m.Status != "" {
		payload["status"] = string(m.Status)
	}
	if m.Reason != "" {
		payload["reason"] = m.Reason
	}
	if !m.Deadline.IsZero() {
		payload["deadline"] = m.Deadline.Format(time.RFC3339Nano)
	}
	if m.Data != nil {
		payload["data"] = m.Data
	}
	topic := m.Topic
	if topic == "" {
		topic = defaultTopic(m.Kind)
	}
	return &bus.Message{
		ID:            m.ID,
		Topic:         topic,
		Payload:       payload,
		Priority:      m.Priority,
		SenderID:      m.SenderID,
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt,
	}
}

// Decode rebuilds a protocol message from a bus envelope. Malformed
// envelopes yield a DataError and are never dispatched.
func Decode(bm *bus.Message) (*Message, error) {
	if bm == nil || bm.Payload == nil {
		return nil, &fault.DataError{Err: errors.New("empty envelope")}
	}
	kindStr, ok := bm.Payload["kind"].(string)
	if !ok {
		return nil, &fault.DataError{Err: errors.New("missing kind")}
	}
	kind := Kind(kindStr)
	if !validKinds[kind] {
		return nil, &fault.DataError{Err: fmt.Errorf("unknown kind %q", kindStr)}
	}
	m := &Message{
		ID:            bm.ID,
		Topic:         bm.Topic,
		Kind:          kind,
		SenderID:      bm.SenderID,
		CorrelationID: bm.CorrelationID,
		Priority:      bm.Priority,
		CreatedAt:     bm.CreatedAt,
	}
	if v, ok := bm.Payload["target_id"].(string); ok {
		m.TargetID = v
	}
	if v, ok := bm.Payload["reply_to"].(string); ok {
		m.ReplyTo = v
	}
	if v, ok := bm.Payload["reason"].(string); ok {
		m.Reason = v
	}
	if v, ok := bm.Payload["status"].(string); ok {
		st := Status(v)
		if !validStatuses[st] {
			return nil, &fault.DataError{Err: fmt.Errorf("unknown status %q", v)}
		}
		m.Status = st
	}
	if v, ok := bm.Payload["deadline"].(string); ok {
		d, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, &fault.DataError{Err: fmt.Errorf("bad deadline: %w", err)}
		}
		m.Deadline = d
	}
	if v, ok := bm.Payload["data"].(map[string]any); ok {
		m.Data = v
	}
	return m, nil
}

// Requester issues point-to-point requests. Satisfied by the raw bus
// and by the fault handler's retrying wrapper.
type Requester interface {
	Request(ctx context.Context, targetID string, req *bus.Message, timeout time.Duration) (*bus.Message, error)
}

// Request sends req to its target and always returns a status-set
// response: the target's reply on success, or a synthesized TIMEOUT or
// ERROR message when the exchange fails. Failures never surface as
// raised errors here; callers branch on Status.
func Request(ctx context.Context, rq Requester, req *Message, timeout time.Duration) *Message {
	if req == nil {
		return &Message{
			ID:        uuid.NewString(),
			Status:    StatusError,
			Reason:    ReasonInvalidRequest,
			CreatedAt: time.Now().UTC(),
		}
	}
	if err := req.Validate(); err != nil {
		return synthesized(req, StatusError, ReasonInvalidRequest)
	}
	if req.TargetID == "" {
		return synthesized(req, StatusError, ReasonInvalidRequest)
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().UTC().Add(timeout)
	}

	resp, err := rq.Request(ctx, req.TargetID, req.Encode(), timeout)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrTimeout):
			return synthesized(req, StatusTimeout, "")
		case errors.Is(err, bus.ErrNoSuchAgent):
			return synthesized(req, StatusError, ReasonNoSuchAgent)
		case errors.Is(err, bus.ErrNoReply):
			return synthesized(req, StatusError, ReasonNoReply)
		case errors.Is(err, bus.ErrClosed):
			return synthesized(req, StatusError, ReasonBusClosed)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return synthesized(req, StatusError, ReasonCanceled)
		default:
			return synthesized(req, StatusError, "request_failed")
		}
	}
	pm, derr := Decode(resp)
	if derr != nil {
		return synthesized(req, StatusError, ReasonBadReply)
	}
	return pm
}

// synthesized builds the local response standing in for a reply that
// never arrived.
func synthesized(req *Message, status Status, reason string) *Message {
	return &Message{
		ID:            uuid.NewString(),
		Topic:         req.Topic,
		Kind:          req.Kind,
		SenderID:      req.TargetID,
		TargetID:      req.SenderID,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.CorrelationID,
		Status:        status,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
}

// RejectEnvelope builds the error reply for an envelope that could not
// be decoded. The reply reuses the envelope's correlation id so the
// requester's future still resolves.
func RejectEnvelope(bm *bus.Message, senderID, reason string) *bus.Message {
	m := &Message{
		ID:            uuid.NewString(),
		Topic:         bm.Topic,
		Kind:          KindAgentStatus,
		SenderID:      senderID,
		TargetID:      bm.SenderID,
		CorrelationID: bm.CorrelationID,
		ReplyTo:       bm.CorrelationID,
		Status:        StatusError,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	return m.Encode()
}

// Publish validates and publishes m on its topic.
func Publish(ctx context.Context, b bus.Bus, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return b.Publish(ctx, m.Encode())
}
