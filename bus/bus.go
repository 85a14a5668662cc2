package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slateworks/slate/metrics"
)

// TopicWildcard subscribes an observer to every message on the bus.
const TopicWildcard = "*"

const defaultHistoryLimit = 1000

var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrClosed           = errors.New("bus closed")
	ErrTimeout          = errors.New("request timed out")
	ErrNoSuchAgent      = errors.New("no agent registered for target")
	ErrNoReply          = errors.New("agent returned no reply")
	ErrAgentExists      = errors.New("agent already registered")
	ErrCorrelationInUse = errors.New("correlation id already waiting")
)

// FaultFunc receives topic-handler failures. The bus never returns those
// errors to publishers; it hands them here instead.
type FaultFunc func(agentID string, msg *Message, err error)

// InMemoryBus is the single-process Bus implementation. Every registered
// agent owns one mailbox goroutine, so delivery to one agent is
// serialized while distinct agents run concurrently.
type InMemoryBus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	agents  map[string]*agentEntry
	topics  map[string]map[string]topicEntry // topic -> agentID -> handler
	waiting map[string]chan *Message         // correlation id -> reply future
	history *ring
	seq     uint64 // global arrival order, assigned under mu
	subSeq  int
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc

	fault FaultFunc
	mtx   *metrics.Metrics
}

type agentEntry struct {
	mb *mailbox
	rh RequestHandler
}

type topicEntry struct {
	gen int
	h   Handler
}

// NewInMemoryBus creates a bus with the default 1000-message history ring.
func NewInMemoryBus(logger *slog.Logger) *InMemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryBus{
		logger:  logger,
		agents:  make(map[string]*agentEntry),
		topics:  make(map[string]map[string]topicEntry),
		waiting: make(map[string]chan *Message),
		history: newRing(defaultHistoryLimit),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetHistoryLimit resizes the history ring. Call before traffic starts;
// archived messages are discarded.
func (b *InMemoryBus) SetHistoryLimit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = newRing(n)
}

// SetFaultHandler installs the sink for topic-handler failures. Call
// before traffic starts.
func (b *InMemoryBus) SetFaultHandler(fn FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = fn
}

// SetMetrics attaches prometheus collectors. A nil metrics value is valid.
func (b *InMemoryBus) SetMetrics(m *metrics.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mtx = m
}

// Register creates agentID's mailbox and installs rh for point-to-point
// requests. An agent id can be registered once; Subscribe-only callers
// (observers, the engine) get a mailbox implicitly and need no Register.
func (b *InMemoryBus) Register(agentID string, rh RequestHandler) (func(), error) {
	if agentID == "" {
		return nil, fmt.Errorf("register: empty agent id")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ent := b.agents[agentID]
	if ent != nil && ent.rh != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", agentID, ErrAgentExists)
	}
	if ent == nil {
		ent = b.startAgentLocked(agentID)
	}
	ent.rh = rh
	b.mu.Unlock()

	return func() { b.unregister(agentID) }, nil
}

// startAgentLocked creates the mailbox and spawns its worker. Caller
// holds b.mu.
func (b *InMemoryBus) startAgentLocked(agentID string) *agentEntry {
	ent := &agentEntry{mb: newMailbox(agentID)}
	b.agents[agentID] = ent
	go ent.mb.run(b.baseCtx)
	return ent
}

func (b *InMemoryBus) unregister(agentID string) {
	b.mu.Lock()
	ent := b.agents[agentID]
	delete(b.agents, agentID)
	for topic, subs := range b.topics {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
	if ent != nil {
		ent.mb.close()
	}
}

// Subscribe routes topic into agentID's mailbox. Idempotent per
// (agentID, topic): the newest handler replaces any previous one. The
// returned closure removes only the subscription it created, so a stale
// unsubscribe after a resubscribe is a no-op.
func (b *InMemoryBus) Subscribe(agentID, topic string, h Handler) (func(), error) {
	if agentID == "" || topic == "" {
		return nil, fmt.Errorf("subscribe: empty agent id or topic")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %s %q: nil handler", agentID, topic)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.agents[agentID] == nil {
		b.startAgentLocked(agentID)
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]topicEntry)
	}
	b.subSeq++
	gen := b.subSeq
	b.topics[topic][agentID] = topicEntry{gen: gen, h: h}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		if ent, ok := subs[agentID]; ok && ent.gen == gen {
			delete(subs, agentID)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
	}, nil
}

// Publish archives msg and enqueues one independent copy per subscriber.
// Exact-topic subscribers and wildcard observers each receive at most one
// copy. Handler failures go to the fault handler, never to the caller.
func (b *InMemoryBus) Publish(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Topic == TopicWildcard {
		return fmt.Errorf("publish: %w: topic %q is reserved", ErrInvalidMessage, TopicWildcard)
	}

	type target struct {
		agentID string
		mb      *mailbox
		h       Handler
	}
	var targets []target

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	seq := b.seq
	b.history.append(msg)
	seen := make(map[string]bool)
	for agentID, ent := range b.topics[msg.Topic] {
		targets = append(targets, target{agentID, b.agents[agentID].mb, ent.h})
		seen[agentID] = true
	}
	for agentID, ent := range b.topics[TopicWildcard] {
		if !seen[agentID] {
			targets = append(targets, target{agentID, b.agents[agentID].mb, ent.h})
		}
	}
	mtx := b.mtx
	b.mu.Unlock()

	mtx.IncPublished(msg.Topic)
	for _, t := range targets {
		t := t
		m := msg.Clone()
		t.mb.enqueue(delivery{seq: seq, pri: msg.Priority, run: func(ctx context.Context) {
			if err := t.h(ctx, m); err != nil {
				mtx.IncHandlerFailure(m.Topic, t.agentID)
				b.routeFault(t.agentID, m, err)
				return
			}
			mtx.IncDelivered(m.Topic, t.agentID)
		}})
	}
	return nil
}

func (b *InMemoryBus) routeFault(agentID string, msg *Message, err error) {
	b.mu.RLock()
	fn := b.fault
	b.mu.RUnlock()
	if fn != nil {
		// Off the mailbox worker: the fault policy may probe or even
		// unregister the faulting agent, which needs its mailbox free.
		go fn(agentID, msg, err)
		return
	}
	b.logger.Warn("message handler failed",
		slog.String("agent", agentID),
		slog.String("topic", msg.Topic),
		slog.Any("err", err))
}

// Request sends req point-to-point to targetID's request handler and
// waits for the reply. The wait is a future keyed by correlation id: the
// reply resolves it, a racing timer resolves it to ErrTimeout, and a
// reply arriving after that is dropped on the waiting-table miss. The
// timeout never cancels the target's in-flight processing.
func (b *InMemoryBus) Request(ctx context.Context, targetID string, req *Message, timeout time.Duration) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if targetID == "" {
		return nil, fmt.Errorf("request: empty target id")
	}
	if req.CorrelationID == "" {
		c := req.Clone()
		c.CorrelationID = uuid.NewString()
		req = c
	}
	corrID := req.CorrelationID

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ent := b.agents[targetID]
	if ent == nil || ent.rh == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("request %s -> %s: %w", req.SenderID, targetID, ErrNoSuchAgent)
	}
	if _, exists := b.waiting[corrID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("request %s: %w", corrID, ErrCorrelationInUse)
	}
	future := make(chan *Message, 1)
	b.waiting[corrID] = future
	b.seq++
	seq := b.seq
	b.history.append(req)
	rh := ent.rh
	mb := ent.mb
	mtx := b.mtx
	b.mu.Unlock()

	m := req.Clone()
	if !mb.enqueue(delivery{seq: seq, pri: req.Priority, run: func(ctx context.Context) {
		b.resolve(corrID, rh(ctx, m))
	}}) {
		b.dropWaiter(corrID)
		return nil, fmt.Errorf("request %s -> %s: %w", req.SenderID, targetID, ErrNoSuchAgent)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-future:
		return b.accepted(mtx, resp)
	case <-timer.C:
		b.dropWaiter(corrID)
		// The reply may have resolved the future between the timer
		// firing and the waiter being dropped; accept it if so.
		select {
		case resp := <-future:
			return b.accepted(mtx, resp)
		default:
		}
		mtx.IncRequest("timeout")
		return nil, fmt.Errorf("request %s -> %s after %s: %w", req.SenderID, targetID, timeout, ErrTimeout)
	case <-ctx.Done():
		b.dropWaiter(corrID)
		select {
		case resp := <-future:
			return b.accepted(mtx, resp)
		default:
		}
		return nil, ctx.Err()
	}
}

func (b *InMemoryBus) accepted(mtx *metrics.Metrics, resp *Message) (*Message, error) {
	if resp == nil {
		mtx.IncRequest("no_reply")
		return nil, ErrNoReply
	}
	mtx.IncRequest("ok")
	b.mu.Lock()
	b.history.append(resp)
	b.mu.Unlock()
	return resp, nil
}

// resolve hands the reply to the waiting future, if any. A missing entry
// means the caller already timed out; the reply is dropped.
func (b *InMemoryBus) resolve(corrID string, resp *Message) {
	b.mu.Lock()
	future, ok := b.waiting[corrID]
	delete(b.waiting, corrID)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("dropping late reply", slog.String("correlation_id", corrID))
		return
	}
	future <- resp
}

func (b *InMemoryBus) dropWaiter(corrID string) {
	b.mu.Lock()
	delete(b.waiting, corrID)
	b.mu.Unlock()
}

// History returns up to limit archived messages, newest first. Empty
// topic matches everything; limit <= 0 means no limit.
func (b *InMemoryBus) History(topic string, limit int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Message
	b.history.newestFirst(func(m *Message) bool {
		if topic != "" && m.Topic != topic {
			return true
		}
		out = append(out, m)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// QueueDepth reports how many deliveries wait in agentID's mailbox.
func (b *InMemoryBus) QueueDepth(agentID string) int {
	b.mu.RLock()
	ent := b.agents[agentID]
	b.mu.RUnlock()
	if ent == nil {
		return 0
	}
	return ent.mb.depth()
}

// Close stops delivery. Outstanding Request callers are resolved with
// ErrNoReply, mailbox workers stop after their current handler, and
// queued deliveries are dropped.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for corrID, future := range b.waiting {
		delete(b.waiting, corrID)
		future <- nil
	}
	var boxes []*mailbox
	for _, ent := range b.agents {
		boxes = append(boxes, ent.mb)
	}
	b.mu.Unlock()

	b.cancel()
	for _, mb := range boxes {
		mb.close()
	}
}
