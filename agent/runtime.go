package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
	"github.com/slateworks/slate/protocol"
)

// Task is the unit of work carried by a task assignment.
type Task struct {
	ID            string
	Type          string
	Params        map[string]any
	AssignedBy    string
	CorrelationID string
}

// TaskFunc executes one assigned task and returns its output.
type TaskFunc func(ctx context.Context, t Task) (map[string]any, error)

// QueryFunc answers one data-request query.
type QueryFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Config wires a runtime to its collaborators.
type Config struct {
	ID      string
	Profile Profile
	Bus     bus.Bus
	Logger  *slog.Logger

	// Faults applies the restart and retry policies. Optional; without
	// it a failed task leaves the agent in the error state.
	Faults *fault.Handler

	// Requester issues outbound requests. Defaults to Faults (retry
	// with backoff) and then to the raw Bus.
	Requester protocol.Requester

	// RestartProbe runs during an in-place restart. A nil probe means
	// the restart always succeeds.
	RestartProbe func(ctx context.Context) error
}

// Runtime connects a Record to the bus: it dispatches incoming protocol
// messages through a handler table, executes assigned tasks, and stamps
// every send and receive into the operation log.
type Runtime struct {
	cfg    Config
	rec    *Record
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[string]TaskFunc
	queries  map[string]QueryFunc
	handlers map[protocol.Kind]protocol.Handler
	unreg    func()
	unsubs   []func()
	baseCtx  context.Context
	cancel   context.CancelFunc

	taskMu sync.Mutex
	wg     sync.WaitGroup
}

// NewRuntime creates an agent runtime in lifecycle created. Register
// and Start move it to ready and running.
func NewRuntime(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:     cfg,
		rec:     NewRecord(cfg.ID, cfg.Profile, logger),
		logger:  logger,
		tasks:   make(map[string]TaskFunc),
		queries: make(map[string]QueryFunc),
	}
	r.handlers = map[protocol.Kind]protocol.Handler{
		protocol.KindPing:           r.handlePing,
		protocol.KindTaskAssignment: r.handleTaskAssignment,
		protocol.KindDataRequest:    r.handleDataRequest,
		protocol.KindAgentStatus:    r.handleAgentStatus,
	}
	return r
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.rec.ID() }

// Info returns a point-in-time snapshot of the agent.
func (r *Runtime) Info() Info { return r.rec.Info() }

// Record exposes the agent's state record.
func (r *Runtime) Record() *Record { return r.rec }

// RegisterTask installs the executor for a task type. Assignments of
// unknown types are refused with an error status.
func (r *Runtime) RegisterTask(taskType string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskType] = fn
}

// RegisterQuery installs the resolver for a data-request query name.
func (r *Runtime) RegisterQuery(name string, fn QueryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[name] = fn
}

// Handle replaces the handler for a protocol kind.
func (r *Runtime) Handle(kind protocol.Kind, h protocol.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Register connects the agent to the bus for point-to-point requests
// and moves the lifecycle from created to ready.
func (r *Runtime) Register() error {
	if r.cfg.Bus == nil {
		return fmt.Errorf("agent %s: no bus configured", r.ID())
	}
	unreg, err := r.cfg.Bus.Register(r.ID(), r.dispatch)
	if err != nil {
		return fmt.Errorf("agent %s: register: %w", r.ID(), err)
	}
	if err := r.rec.AdvanceLifecycle(LifecycleReady); err != nil {
		unreg()
		return err
	}
	r.mu.Lock()
	r.unreg = unreg
	r.mu.Unlock()
	return nil
}

// Start moves the lifecycle from ready to running. The given context
// bounds all task execution.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.rec.AdvanceLifecycle(LifecycleRunning); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.baseCtx = ctx
	r.cancel = cancel
	r.mu.Unlock()
	return nil
}

// Stop moves the lifecycle from running to stopped, tears down bus
// wiring, and waits for in-flight tasks.
func (r *Runtime) Stop(ctx context.Context) error {
	if err := r.rec.AdvanceLifecycle(LifecycleStopped); err != nil {
		return err
	}
	r.teardown()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) teardown() {
	r.mu.Lock()
	cancel := r.cancel
	unsubs := r.unsubs
	unreg := r.unreg
	r.cancel = nil
	r.unsubs = nil
	r.unreg = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, u := range unsubs {
		u()
	}
	if unreg != nil {
		unreg()
	}
}

// Subscribe attaches a topic handler on behalf of this agent. Receipt
// of every topic message is stamped into the operation log before the
// handler runs.
func (r *Runtime) Subscribe(topic string, h bus.Handler) error {
	if r.cfg.Bus == nil {
		return fmt.Errorf("agent %s: no bus configured", r.ID())
	}
	wrapped := func(ctx context.Context, m *bus.Message) error {
		r.rec.Append(OpEntry{
			Action:        OpReceived,
			MessageID:     m.ID,
			CorrelationID: m.CorrelationID,
			Peer:          m.SenderID,
			Note:          m.Topic,
		})
		return h(ctx, m)
	}
	unsub, err := r.cfg.Bus.Subscribe(r.ID(), topic, wrapped)
	if err != nil {
		return fmt.Errorf("agent %s: subscribe %s: %w", r.ID(), topic, err)
	}
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsub)
	r.mu.Unlock()
	return nil
}

// Publish stamps this agent as sender, publishes, and logs the send.
func (r *Runtime) Publish(ctx context.Context, m *protocol.Message) error {
	if r.cfg.Bus == nil {
		return fmt.Errorf("agent %s: no bus configured", r.ID())
	}
	m.SenderID = r.ID()
	if err := protocol.Publish(ctx, r.cfg.Bus, m); err != nil {
		return err
	}
	r.rec.Append(OpEntry{
		Action:        OpSent,
		Kind:          string(m.Kind),
		MessageID:     m.ID,
		CorrelationID: m.CorrelationID,
		Peer:          m.TargetID,
	})
	return nil
}

// Request sends a point-to-point request and returns its status-set
// response. A working agent waits in state waiting for the reply; both
// the send and the response land in the operation log.
func (r *Runtime) Request(ctx context.Context, m *protocol.Message, timeout time.Duration) *protocol.Message {
	m.SenderID = r.ID()
	rq := r.requester()
	if rq == nil {
		resp := m.Respond(protocol.StatusError, nil)
		resp.Reason = protocol.ReasonBusClosed
		return resp
	}

	wasWorking := r.rec.State() == StateWorking
	if wasWorking {
		r.rec.SetState(StateWaiting)
	}
	r.rec.Append(OpEntry{
		Action:        OpSent,
		Kind:          string(m.Kind),
		MessageID:     m.ID,
		CorrelationID: m.CorrelationID,
		Peer:          m.TargetID,
	})

	resp := protocol.Request(ctx, rq, m, timeout)

	if wasWorking && r.rec.State() == StateWaiting {
		r.rec.SetState(StateWorking)
	}
	r.rec.Append(OpEntry{
		Action:        OpReceived,
		Kind:          string(resp.Kind),
		MessageID:     resp.ID,
		CorrelationID: resp.CorrelationID,
		Peer:          resp.SenderID,
		Note:          string(resp.Status),
	})
	return resp
}

func (r *Runtime) requester() protocol.Requester {
	if r.cfg.Requester != nil {
		return r.cfg.Requester
	}
	if r.cfg.Faults != nil {
		return r.cfg.Faults
	}
	if r.cfg.Bus != nil {
		return r.cfg.Bus
	}
	return nil
}

// PushStatus broadcasts the agent's current state on agent.status.
func (r *Runtime) PushStatus(ctx context.Context) error {
	info := r.rec.Info()
	m := protocol.NewStatusPush(r.ID(), map[string]any{
		"lifecycle":    string(info.Lifecycle),
		"state":        string(info.State),
		"current_task": info.CurrentTask,
	})
	return r.Publish(ctx, m)
}

// dispatch is the bus request handler: decode, log receipt, route by
// kind, and always return a status-set reply.
func (r *Runtime) dispatch(ctx context.Context, bm *bus.Message) *bus.Message {
	pm, err := protocol.Decode(bm)
	if err != nil {
		r.logger.Warn("rejecting malformed request",
			slog.String("agent", r.ID()),
			slog.String("from", bm.SenderID),
			slog.Any("err", err))
		r.rec.Append(OpEntry{
			Action:        OpReceived,
			MessageID:     bm.ID,
			CorrelationID: bm.CorrelationID,
			Peer:          bm.SenderID,
			Note:          "malformed request",
		})
		return protocol.RejectEnvelope(bm, r.ID(), protocol.ReasonInvalidRequest)
	}

	r.rec.Append(OpEntry{
		Action:        OpReceived,
		Kind:          string(pm.Kind),
		MessageID:     pm.ID,
		CorrelationID: pm.CorrelationID,
		Peer:          pm.SenderID,
	})

	r.mu.Lock()
	h := r.handlers[pm.Kind]
	r.mu.Unlock()

	var resp *protocol.Message
	if h == nil {
		resp = pm.RespondError(protocol.ReasonUnsupported, nil)
	} else {
		resp = h(ctx, pm)
	}
	if resp == nil {
		resp = pm.RespondError("empty_reply", nil)
	}
	if resp.Status == "" {
		resp.Status = protocol.StatusSuccess
	}
	if resp.SenderID == "" {
		resp.SenderID = r.ID()
	}

	r.rec.Append(OpEntry{
		Action:        OpSent,
		Kind:          string(resp.Kind),
		MessageID:     resp.ID,
		CorrelationID: resp.CorrelationID,
		Peer:          pm.SenderID,
	})
	return resp.Encode()
}

func (r *Runtime) handlePing(_ context.Context, pm *protocol.Message) *protocol.Message {
	info := r.rec.Info()
	return pm.Respond(protocol.StatusSuccess, map[string]any{
		"lifecycle":    string(info.Lifecycle),
		"state":        string(info.State),
		"current_task": info.CurrentTask,
	})
}

func (r *Runtime) handleAgentStatus(_ context.Context, pm *protocol.Message) *protocol.Message {
	return pm.Respond(protocol.StatusSuccess, nil)
}

func (r *Runtime) handleDataRequest(ctx context.Context, pm *protocol.Message) *protocol.Message {
	name, _ := pm.Data["query"].(string)
	r.mu.Lock()
	fn := r.queries[name]
	r.mu.Unlock()
	if fn == nil {
		return pm.RespondError("unknown_query", map[string]any{"query": name})
	}
	out, err := fn(ctx, pm.Data)
	if err != nil {
		return pm.RespondError("query_failed", map[string]any{
			"query": name,
			"error": err.Error(),
		})
	}
	return pm.Respond(protocol.StatusSuccess, out)
}

// handleTaskAssignment acknowledges with pending immediately and runs
// the task in the background; completion is reported as a second
// message on task.result carrying the assignment's correlation id.
func (r *Runtime) handleTaskAssignment(_ context.Context, pm *protocol.Message) *protocol.Message {
	if r.rec.Lifecycle() != LifecycleRunning {
		return pm.RespondError("not_running", nil)
	}
	taskType := pm.TaskType()
	r.mu.Lock()
	fn := r.tasks[taskType]
	taskCtx := r.baseCtx
	r.mu.Unlock()
	if fn == nil {
		return pm.RespondError(protocol.ReasonTaskUnknown, map[string]any{"task_type": taskType})
	}
	if taskCtx == nil {
		taskCtx = context.Background()
	}

	t := Task{
		ID:            pm.TaskID(),
		Type:          taskType,
		Params:        pm.Parameters(),
		AssignedBy:    pm.SenderID,
		CorrelationID: pm.CorrelationID,
	}
	r.wg.Add(1)
	go r.executeTask(taskCtx, pm, t, fn)
	return pm.Ack()
}

// executeTask runs one task at a time per agent and publishes the
// result. A failed task moves the agent to error and hands the fault
// to the restart policy.
func (r *Runtime) executeTask(ctx context.Context, pm *protocol.Message, t Task, fn TaskFunc) {
	defer r.wg.Done()
	r.taskMu.Lock()
	defer r.taskMu.Unlock()

	r.rec.SetState(StateWorking)
	r.rec.SetCurrentTask(t.ID)
	r.rec.Append(OpEntry{
		Action:        OpTaskStarted,
		MessageID:     t.ID,
		CorrelationID: t.CorrelationID,
		Peer:          t.AssignedBy,
		Note:          t.Type,
	})

	out, err := fn(ctx, t)
	if err != nil {
		r.rec.Append(OpEntry{
			Action:        OpTaskDone,
			MessageID:     t.ID,
			CorrelationID: t.CorrelationID,
			Note:          "error: " + err.Error(),
		})
		res := protocol.NewTaskResult(r.ID(), t.ID, protocol.StatusError, nil, err.Error())
		res.CorrelationID = t.CorrelationID
		res.ReplyTo = t.CorrelationID
		if perr := r.Publish(ctx, res); perr != nil {
			r.logger.Warn("publishing task failure",
				slog.String("agent", r.ID()),
				slog.String("task", t.ID),
				slog.Any("err", perr))
		}
		r.rec.SetState(StateError)
		if r.cfg.Faults != nil {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.cfg.Faults.HandleAgentFault(r.ID(), pm.Encode(), err)
			}()
		}
		return
	}

	res := protocol.NewTaskResult(r.ID(), t.ID, protocol.StatusSuccess, out, "")
	res.CorrelationID = t.CorrelationID
	res.ReplyTo = t.CorrelationID
	if perr := r.Publish(ctx, res); perr != nil {
		r.logger.Warn("publishing task result",
			slog.String("agent", r.ID()),
			slog.String("task", t.ID),
			slog.Any("err", perr))
	}
	r.rec.Append(OpEntry{
		Action:        OpTaskDone,
		MessageID:     t.ID,
		CorrelationID: t.CorrelationID,
		Note:          t.Type,
	})
	r.rec.SetCurrentTask("")
	r.rec.SetState(StateIdle)
}

// LogFault records a failure attributed to this agent.
func (r *Runtime) LogFault(msg *bus.Message, err error) {
	e := OpEntry{Action: OpFault, Note: err.Error()}
	if msg != nil {
		e.MessageID = msg.ID
		e.CorrelationID = msg.CorrelationID
		e.Peer = msg.SenderID
		e.Note = msg.Topic + ": " + err.Error()
	}
	r.rec.Append(e)
}

// Restart attempts one in-place recovery: the agent passes through
// error and, when the probe succeeds, returns to idle with its
// lifecycle still running.
func (r *Runtime) Restart(ctx context.Context) error {
	if lc := r.rec.Lifecycle(); lc != LifecycleRunning {
		return fmt.Errorf("agent %s: cannot restart while %s", r.ID(), lc)
	}
	r.rec.SetState(StateError)
	if probe := r.cfg.RestartProbe; probe != nil {
		if err := probe(ctx); err != nil {
			return fmt.Errorf("agent %s: restart probe: %w", r.ID(), err)
		}
	}
	r.rec.SetCurrentTask("")
	r.rec.SetState(StateIdle)
	r.rec.Append(OpEntry{Action: OpRestart, Note: "recovered to idle"})
	return nil
}

// ForceOffline marks the agent unrecoverable: work state offline,
// lifecycle stopped, bus wiring torn down.
func (r *Runtime) ForceOffline(reason string) {
	if r.rec.State() == StateOffline {
		return
	}
	r.rec.SetState(StateError)
	r.rec.SetState(StateOffline)
	r.rec.Append(OpEntry{Action: OpOffline, Note: reason})
	if r.rec.Lifecycle() == LifecycleRunning {
		if err := r.rec.AdvanceLifecycle(LifecycleStopped); err != nil {
			r.logger.Warn("stopping offline agent",
				slog.String("agent", r.ID()),
				slog.Any("err", err))
		}
	}
	r.teardown()
}
