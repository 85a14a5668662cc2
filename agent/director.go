package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
	"github.com/slateworks/slate/protocol"
)

const defaultAssignTimeout = 5 * time.Second

// DirectorConfig wires the coordinating agent.
type DirectorConfig struct {
	ID       string
	Bus      bus.Bus
	Registry *Registry
	Faults   *fault.Handler
	Logger   *slog.Logger

	// Validate accepts or rejects a successful task result before it
	// can win. Nil accepts every result with a success status.
	Validate func(*protocol.Message) bool

	// RequestTimeout bounds assignment acknowledgements and pings.
	RequestTimeout time.Duration
}

type claim struct {
	agentID string
	at      time.Time
}

type taskRecord struct {
	taskType  string
	params    map[string]any
	assignees map[string]bool
	winner    *claim
	output    map[string]any
	announced bool
	failures  int
}

// Director is the sole arbiter for competing task results: the first
// validated result wins, later claims lose, and exactly one
// conflict.resolved event records the decision. It also reassigns the
// open tasks of agents that go offline.
type Director struct {
	cfg    DirectorConfig
	rt     *Runtime
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskRecord
}

// NewDirector creates the director agent.
func NewDirector(cfg DirectorConfig) *Director {
	if cfg.ID == "" {
		cfg.ID = "director"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultAssignTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Director{
		cfg:    cfg,
		logger: logger,
		tasks:  make(map[string]*taskRecord),
	}
	d.rt = NewRuntime(Config{
		ID:      cfg.ID,
		Profile: Profile{Name: "Director", Role: "director"},
		Bus:     cfg.Bus,
		Logger:  logger,
		Faults:  cfg.Faults,
	})
	return d
}

// Runtime exposes the director's agent runtime.
func (d *Director) Runtime() *Runtime { return d.rt }

// Start registers the director, subscribes it to task results and
// offline notices, and moves it to running.
func (d *Director) Start(ctx context.Context) error {
	if err := d.rt.Register(); err != nil {
		return err
	}
	if err := d.rt.Subscribe(bus.TopicTaskResult, d.onTaskResult); err != nil {
		return err
	}
	if err := d.rt.Subscribe(bus.TopicAgentOffline, d.onAgentOffline); err != nil {
		return err
	}
	return d.rt.Start(ctx)
}

// Stop shuts the director down.
func (d *Director) Stop(ctx context.Context) error {
	return d.rt.Stop(ctx)
}

// Assign sends a task assignment to the target and returns its
// acknowledgement, normally a pending status. The task is tracked for
// arbitration and reassignment from the moment of sending.
func (d *Director) Assign(ctx context.Context, target, taskID, taskType string, params map[string]any) *protocol.Message {
	d.mu.Lock()
	tr := d.tasks[taskID]
	if tr == nil {
		tr = &taskRecord{
			taskType:  taskType,
			params:    params,
			assignees: make(map[string]bool),
		}
		d.tasks[taskID] = tr
	}
	tr.assignees[target] = true
	d.mu.Unlock()

	m := protocol.NewTaskAssignment(d.rt.ID(), target, taskID, taskType, params)
	ack := d.rt.Request(ctx, m, d.cfg.RequestTimeout)
	if ack.Status != protocol.StatusPending {
		d.logger.Warn("assignment not acknowledged",
			slog.String("task", taskID),
			slog.String("agent", target),
			slog.String("status", string(ack.Status)),
			slog.String("reason", ack.Reason))
	}
	return ack
}

// Ping probes an agent's liveness.
func (d *Director) Ping(ctx context.Context, agentID string) *protocol.Message {
	return d.rt.Request(ctx, protocol.NewPing(d.rt.ID(), agentID), d.cfg.RequestTimeout)
}

// Result returns the winning output for a task, if decided.
func (d *Director) Result(taskID string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := d.tasks[taskID]
	if tr == nil || tr.winner == nil {
		return nil, false
	}
	return tr.output, true
}

// Winner returns the agent whose result was accepted for a task.
func (d *Director) Winner(taskID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := d.tasks[taskID]
	if tr == nil || tr.winner == nil {
		return "", false
	}
	return tr.winner.agentID, true
}

// onTaskResult arbitrates incoming results. Claims are validated in
// arrival order; the first validated claim wins and later valid claims
// trigger a single conflict.resolved event.
func (d *Director) onTaskResult(ctx context.Context, m *bus.Message) error {
	pm, err := protocol.Decode(m)
	if err != nil {
		d.logger.Warn("malformed task result", slog.Any("err", err))
		return nil
	}
	taskID := pm.TaskID()
	if taskID == "" {
		return nil
	}

	d.mu.Lock()
	tr := d.tasks[taskID]
	if tr == nil {
		d.mu.Unlock()
		d.logger.Debug("result for untracked task", slog.String("task", taskID))
		return nil
	}

	valid := pm.Status == protocol.StatusSuccess &&
		(d.cfg.Validate == nil || d.cfg.Validate(pm))

	var announce map[string]any
	switch {
	case tr.winner == nil && valid:
		tr.winner = &claim{agentID: pm.SenderID, at: pm.CreatedAt}
		tr.output, _ = pm.Data["output"].(map[string]any)
		d.logger.Info("task result accepted",
			slog.String("task", taskID),
			slog.String("agent", pm.SenderID))
	case tr.winner == nil:
		tr.failures++
		d.logger.Warn("task result failed",
			slog.String("task", taskID),
			slog.String("agent", pm.SenderID),
			slog.String("reason", pm.Reason))
	case valid && !tr.announced:
		tr.announced = true
		announce = map[string]any{
			"task_id":   taskID,
			"winner":    tr.winner.agentID,
			"winner_at": tr.winner.at.Format(time.RFC3339Nano),
			"loser":     pm.SenderID,
			"loser_at":  pm.CreatedAt.Format(time.RFC3339Nano),
			"rule":      "first_validated",
		}
	default:
		d.logger.Debug("dropping late claim",
			slog.String("task", taskID),
			slog.String("agent", pm.SenderID))
	}
	d.mu.Unlock()

	if announce != nil {
		ev := protocol.New(protocol.KindConflict, d.rt.ID(), announce)
		ev.Status = protocol.StatusSuccess
		if perr := d.rt.Publish(ctx, ev); perr != nil {
			d.logger.Warn("publishing conflict resolution", slog.Any("err", perr))
		}
	}
	return nil
}

// onAgentOffline reassigns the undecided tasks of an offline agent to
// another agent advertising the task type as a capability.
func (d *Director) onAgentOffline(ctx context.Context, m *bus.Message) error {
	agentID, _ := m.Payload["agent_id"].(string)
	if agentID == "" || d.cfg.Registry == nil {
		return nil
	}

	type openTask struct {
		id       string
		taskType string
		params   map[string]any
	}
	var open []openTask
	d.mu.Lock()
	for id, tr := range d.tasks {
		if tr.winner == nil && tr.assignees[agentID] {
			open = append(open, openTask{id: id, taskType: tr.taskType, params: tr.params})
		}
	}
	d.mu.Unlock()

	for _, ot := range open {
		replacement, ok := d.cfg.Registry.FindByCapability(ot.taskType, agentID)
		if !ok {
			d.logger.Warn("no replacement agent",
				slog.String("task", ot.id),
				slog.String("capability", ot.taskType),
				slog.String("offline", agentID))
			continue
		}
		d.logger.Info("reassigning task",
			slog.String("task", ot.id),
			slog.String("from", agentID),
			slog.String("to", replacement.ID()))
		d.Assign(ctx, replacement.ID(), ot.id, ot.taskType, ot.params)
	}
	return nil
}
