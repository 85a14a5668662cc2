package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
	"github.com/slateworks/slate/metrics"
)

const defaultEngineID = "workflow_engine"

// EngineConfig wires an Engine's dependencies.
type EngineConfig struct {
	// Bus carries step triggers out and completion events back. Required.
	Bus bus.Bus

	// Store persists instances and checkpoints. Required.
	Store Store

	// Faults decides step retry policy. Without it every step error fails
	// the workflow immediately.
	Faults *fault.Handler

	// Pipelines maps workflow type to definition. Defaults to Builtins.
	Pipelines map[string]Pipeline

	// ID is the engine's bus identity. Defaults to "workflow_engine".
	ID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine drives workflow instances: it publishes one step trigger at a
// time, records completions arriving on the step-done topic, checkpoints
// before pausable steps, and retries failed steps per the fault policy.
type Engine struct {
	cfg    EngineConfig
	id     string
	logger *slog.Logger

	plMu      sync.RWMutex
	pipelines map[string]Pipeline

	mu    sync.Mutex
	insts map[string]*instState

	baseCtx context.Context
	cancel  context.CancelFunc
	unsub   func()
}

// instState holds the in-memory side of one instance. Its mutex is the
// single writer lock for that instance: every status flip, context merge,
// and step advancement happens under it.
type instState struct {
	mu       sync.Mutex
	pipeline Pipeline
	bound    bool
	attempts map[string]int
	started  map[string]time.Time
	held     *heldStep
}

// heldStep is a completion that arrived while the instance was paused.
// Pause lets in-flight work finish but withholds advancement; the result
// is applied when the instance resumes.
type heldStep struct {
	step   string
	output map[string]any
}

// NewEngine validates the config and builds an Engine. Call Start before
// starting workflows.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("engine: nil bus")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: nil store")
	}
	if cfg.ID == "" {
		cfg.ID = defaultEngineID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pipelines := cfg.Pipelines
	if pipelines == nil {
		pipelines = Builtins()
	}
	return &Engine{
		cfg:       cfg,
		id:        cfg.ID,
		logger:    cfg.Logger.With(slog.String("component", "workflow")),
		pipelines: pipelines,
		insts:     make(map[string]*instState),
	}, nil
}

// Start subscribes the engine to step completions. ctx bounds retry
// timers and other background work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsub != nil {
		return fmt.Errorf("engine already started")
	}
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	unsub, err := e.cfg.Bus.Subscribe(e.id, bus.TopicStepDone, e.onStepDone)
	if err != nil {
		e.cancel()
		return fmt.Errorf("subscribe %s: %w", bus.TopicStepDone, err)
	}
	e.unsub = unsub
	return nil
}

// Close detaches the engine from the bus and stops pending retry timers.
// Persisted instances are untouched.
func (e *Engine) Close() error {
	e.mu.Lock()
	unsub := e.unsub
	cancel := e.cancel
	e.unsub, e.cancel = nil, nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// SetPipelines swaps the pipeline catalog. Instances already started keep
// the definition they were bound to.
func (e *Engine) SetPipelines(pipelines map[string]Pipeline) {
	e.plMu.Lock()
	e.pipelines = pipelines
	e.plMu.Unlock()
	e.logger.Info("pipeline catalog updated", slog.Int("pipelines", len(pipelines)))
}

// Pipelines returns a copy of the current catalog.
func (e *Engine) Pipelines() map[string]Pipeline {
	e.plMu.RLock()
	defer e.plMu.RUnlock()
	out := make(map[string]Pipeline, len(e.pipelines))
	for k, v := range e.pipelines {
		out[k] = v
	}
	return out
}

// StartWorkflow creates an instance of the named pipeline and triggers
// its first step. It returns as soon as the trigger is published; step
// execution proceeds over the bus.
func (e *Engine) StartWorkflow(ctx context.Context, wfType, projectID string, initCtx map[string]any) (*Instance, error) {
	e.plMu.RLock()
	pl, ok := e.pipelines[wfType]
	e.plMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow type %q", wfType)
	}

	in := &Instance{
		Type:           wfType,
		ProjectID:      projectID,
		Status:         StatusPending,
		StepsCompleted: []string{},
		Context:        cloneContext(initCtx),
	}
	if in.Context == nil {
		in.Context = map[string]any{}
	}
	if _, err := e.cfg.Store.CreateInstance(in); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	st := e.state(in.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pipeline, st.bound = pl, true

	now := time.Now().UTC()
	in.Status = StatusRunning
	in.StartedAt = &now
	e.cfg.Metrics.WorkflowStarted()
	e.logger.Info("workflow started",
		slog.String("workflow_id", in.ID),
		slog.String("type", in.Type),
		slog.String("project_id", in.ProjectID))
	e.publishEvent(ctx, bus.TopicWorkflowStarted, map[string]any{
		"workflow_id":   in.ID,
		"workflow_type": in.Type,
		"project_id":    in.ProjectID,
	})

	if err := e.activate(ctx, in, st, ""); err != nil {
		e.quarantine(ctx, in, err)
		return nil, err
	}
	if err := e.cfg.Store.UpdateInstance(in); err != nil {
		return nil, fmt.Errorf("persist workflow: %w", err)
	}
	return in.Clone(), nil
}

// Pause checkpoints the instance and withholds further advancement.
// In-flight step work keeps running; its completion is held and applied
// on resume.
func (e *Engine) Pause(ctx context.Context, id string) (*Instance, error) {
	st := e.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	in, err := e.cfg.Store.GetInstance(id)
	if err != nil {
		return nil, err
	}
	if in.Status != StatusRunning {
		return nil, fmt.Errorf("workflow %s is %s, only running workflows pause", id, in.Status)
	}
	if err := e.checkpoint(in); err != nil {
		return nil, err
	}
	in.Status = StatusPaused
	if err := e.cfg.Store.UpdateInstance(in); err != nil {
		return nil, fmt.Errorf("persist workflow: %w", err)
	}
	e.logger.Info("workflow paused",
		slog.String("workflow_id", id),
		slog.String("step", in.CurrentStep))
	e.publishEvent(ctx, bus.TopicWorkflowPaused, map[string]any{
		"workflow_id": id,
		"step":        in.CurrentStep,
	})
	return in.Clone(), nil
}

// Resume restores the instance from its latest checkpoint and continues.
// For a workflow paused at a confirmation step, Resume is the
// confirmation: the step's trigger is published. A completion held during
// the pause is applied instead of re-running the step.
func (e *Engine) Resume(ctx context.Context, id string) (*Instance, error) {
	st := e.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	in, err := e.cfg.Store.GetInstance(id)
	if err != nil {
		return nil, err
	}
	if in.Status != StatusPaused {
		return nil, fmt.Errorf("workflow %s is %s, only paused workflows resume", id, in.Status)
	}

	cp, err := e.cfg.Store.LatestCheckpoint(id)
	switch {
	case err == nil:
		in.Context = cloneContext(cp.Context)
		in.CurrentStep = cp.Step
	case errors.Is(err, ErrNotFound):
		// Paused before any checkpoint existed; continue with stored state.
	default:
		return nil, err
	}

	in.Status = StatusRunning
	e.logger.Info("workflow resumed",
		slog.String("workflow_id", id),
		slog.String("step", in.CurrentStep))
	e.publishEvent(ctx, bus.TopicWorkflowResumed, map[string]any{
		"workflow_id": id,
		"step":        in.CurrentStep,
	})

	held := st.held
	st.held = nil
	if held != nil && held.step == in.CurrentStep && !in.Completed(held.step) {
		err = e.applyCompletion(ctx, in, st, held.step, held.output)
	} else {
		err = e.activate(ctx, in, st, in.CurrentStep)
	}
	if err != nil {
		e.quarantine(ctx, in, err)
		return nil, err
	}
	if err := e.cfg.Store.UpdateInstance(in); err != nil {
		return nil, fmt.Errorf("persist workflow: %w", err)
	}
	return in.Clone(), nil
}

// Get returns the persisted instance.
func (e *Engine) Get(id string) (*Instance, error) {
	return e.cfg.Store.GetInstance(id)
}

// List returns persisted instances matching the filter.
func (e *Engine) List(f Filter) ([]*Instance, error) {
	return e.cfg.Store.ListInstances(f)
}

// Checkpoints returns an instance's checkpoints, oldest first.
func (e *Engine) Checkpoints(id string) ([]*Checkpoint, error) {
	return e.cfg.Store.ListCheckpoints(id)
}

// state returns the in-memory state for an instance, creating it on
// first touch. Instances resumed after a process restart rebind their
// pipeline lazily.
func (e *Engine) state(id string) *instState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.insts[id]
	if !ok {
		st = &instState{
			attempts: make(map[string]int),
			started:  make(map[string]time.Time),
		}
		e.insts[id] = st
	}
	return st
}

func (e *Engine) pipelineFor(in *Instance, st *instState) (Pipeline, error) {
	if st.bound {
		return st.pipeline, nil
	}
	e.plMu.RLock()
	pl, ok := e.pipelines[in.Type]
	e.plMu.RUnlock()
	if !ok {
		return Pipeline{}, fmt.Errorf("unknown workflow type %q", in.Type)
	}
	st.pipeline, st.bound = pl, true
	return pl, nil
}

// onStepDone consumes completion events from step executors. It never
// returns an error: a malformed or stale event is logged and dropped so
// the engine itself never trips the bus fault policy.
func (e *Engine) onStepDone(ctx context.Context, m *bus.Message) error {
	wfID, _ := m.Payload["workflow_id"].(string)
	step, _ := m.Payload["step"].(string)
	status, _ := m.Payload["status"].(string)
	if wfID == "" || step == "" {
		e.logger.Warn("malformed step completion",
			slog.String("message_id", m.ID),
			slog.String("sender", m.SenderID))
		return nil
	}

	st := e.state(wfID)
	st.mu.Lock()
	defer st.mu.Unlock()

	in, err := e.cfg.Store.GetInstance(wfID)
	if err != nil {
		e.logger.Warn("step completion for unknown workflow",
			slog.String("workflow_id", wfID), slog.String("step", step))
		return nil
	}
	if in.Status.Terminal() {
		e.logger.Debug("step completion after terminal status ignored",
			slog.String("workflow_id", wfID),
			slog.String("step", step),
			slog.String("status", string(in.Status)))
		return nil
	}
	if in.Completed(step) {
		e.logger.Debug("duplicate step completion ignored",
			slog.String("workflow_id", wfID), slog.String("step", step))
		return nil
	}
	if step != in.CurrentStep {
		e.logger.Warn("completion for inactive step ignored",
			slog.String("workflow_id", wfID),
			slog.String("step", step),
			slog.String("current_step", in.CurrentStep))
		return nil
	}

	if status != "success" {
		errMsg, _ := m.Payload["error"].(string)
		if in.Status == StatusPaused {
			// Resume re-triggers the current step, so the failure needs
			// no retry bookkeeping now.
			e.logger.Warn("step failed while paused",
				slog.String("workflow_id", wfID),
				slog.String("step", step),
				slog.String("err", errMsg))
			return nil
		}
		permanent, _ := m.Payload["permanent"].(bool)
		e.failStep(ctx, in, st, step, errMsg, permanent)
		return nil
	}

	output, _ := m.Payload["output"].(map[string]any)
	if in.Status == StatusPaused {
		st.held = &heldStep{step: step, output: bus.ClonePayload(output)}
		e.logger.Info("step finished while paused, holding result",
			slog.String("workflow_id", wfID), slog.String("step", step))
		return nil
	}
	if err := e.applyCompletion(ctx, in, st, step, output); err != nil {
		e.quarantine(ctx, in, err)
		return nil
	}
	if err := e.cfg.Store.UpdateInstance(in); err != nil {
		e.logger.Error("persist workflow",
			slog.String("workflow_id", wfID), slog.Any("err", err))
	}
	return nil
}

// applyCompletion records a finished step, merges its output into the
// context, and advances. Caller holds the instance lock and persists in
// afterwards. Recording is by membership, so replays are no-ops.
func (e *Engine) applyCompletion(ctx context.Context, in *Instance, st *instState, step string, output map[string]any) error {
	if in.Completed(step) {
		return nil
	}
	in.StepsCompleted = append(in.StepsCompleted, step)
	if in.Context == nil {
		in.Context = map[string]any{}
	}
	for k, v := range output {
		in.Context[k] = v
	}
	delete(st.attempts, step)
	if t0, ok := st.started[step]; ok {
		e.cfg.Metrics.ObserveStepDuration(step, "success", time.Since(t0))
		delete(st.started, step)
	}
	e.logger.Info("step completed",
		slog.String("workflow_id", in.ID), slog.String("step", step))
	return e.activate(ctx, in, st, "")
}

// activate advances in to its next actionable point: completion when no
// steps remain, a confirmation pause when the next step requires one, and
// otherwise a published step trigger. confirmOverride names a step whose
// confirmation gate was already satisfied by Resume. Caller holds the
// instance lock and persists in afterwards.
func (e *Engine) activate(ctx context.Context, in *Instance, st *instState, confirmOverride string) error {
	pl, err := e.pipelineFor(in, st)
	if err != nil {
		return err
	}
	next, ok := pl.NextStep(in.StepsCompleted)
	if !ok {
		now := time.Now().UTC()
		in.Status = StatusCompleted
		in.CurrentStep = ""
		in.CompletedAt = &now
		e.cfg.Metrics.WorkflowFinished()
		e.logger.Info("workflow completed",
			slog.String("workflow_id", in.ID), slog.String("type", in.Type))
		e.publishEvent(ctx, bus.TopicWorkflowCompleted, map[string]any{
			"workflow_id":   in.ID,
			"workflow_type": in.Type,
			"project_id":    in.ProjectID,
		})
		return nil
	}

	in.CurrentStep = next.Name
	if next.Confirm && next.Name != confirmOverride {
		if err := e.checkpoint(in); err != nil {
			return err
		}
		in.Status = StatusPaused
		e.logger.Info("workflow awaiting confirmation",
			slog.String("workflow_id", in.ID), slog.String("step", next.Name))
		e.publishEvent(ctx, bus.TopicWorkflowAwaitingConfirm, map[string]any{
			"workflow_id": in.ID,
			"step":        next.Name,
		})
		return nil
	}

	st.started[next.Name] = time.Now()
	return e.publishTrigger(ctx, in, next)
}

// failStep runs the retry policy for a failed step. While retries remain
// the instance stays running and the trigger is republished after the
// backoff; otherwise the workflow fails with a final forensic checkpoint.
func (e *Engine) failStep(ctx context.Context, in *Instance, st *instState, step, errMsg string, permanent bool) {
	var sd Step
	if pl, err := e.pipelineFor(in, st); err == nil {
		sd, _ = pl.Step(step)
	}
	if errMsg == "" {
		errMsg = "step failed"
	}
	retriable := !sd.NonRetriable && !permanent

	var retry bool
	var delay time.Duration
	if e.cfg.Faults != nil {
		retry, delay = e.cfg.Faults.StepFailure(step, st.attempts[step], retriable, errors.New(errMsg))
	}
	if t0, ok := st.started[step]; ok {
		e.cfg.Metrics.ObserveStepDuration(step, "error", time.Since(t0))
		delete(st.started, step)
	}

	if retry {
		st.attempts[step]++
		e.cfg.Metrics.IncStepRetry(step)
		e.logger.Warn("step failed, retrying",
			slog.String("workflow_id", in.ID),
			slog.String("step", step),
			slog.Int("attempt", st.attempts[step]),
			slog.Duration("backoff", delay),
			slog.String("err", errMsg))
		e.scheduleRetry(in.ID, step, delay)
		return
	}

	if err := e.checkpoint(in); err != nil {
		e.logger.Error("final checkpoint",
			slog.String("workflow_id", in.ID), slog.Any("err", err))
	}
	now := time.Now().UTC()
	in.Status = StatusFailed
	in.Error = fmt.Sprintf("step %s: %s", step, errMsg)
	in.CompletedAt = &now
	e.cfg.Metrics.WorkflowFinished()
	e.logger.Error("workflow failed",
		slog.String("workflow_id", in.ID),
		slog.String("step", step),
		slog.String("err", errMsg))
	if err := e.cfg.Store.UpdateInstance(in); err != nil {
		e.logger.Error("persist workflow",
			slog.String("workflow_id", in.ID), slog.Any("err", err))
	}
	e.publishEvent(ctx, bus.TopicWorkflowFailed, map[string]any{
		"workflow_id": in.ID,
		"step":        step,
		"error":       errMsg,
	})
}

func (e *Engine) scheduleRetry(wfID, step string, delay time.Duration) {
	e.mu.Lock()
	ctx := e.baseCtx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		e.retryStep(ctx, wfID, step)
	})
}

func (e *Engine) retryStep(ctx context.Context, wfID, step string) {
	st := e.state(wfID)
	st.mu.Lock()
	defer st.mu.Unlock()

	in, err := e.cfg.Store.GetInstance(wfID)
	if err != nil {
		e.logger.Warn("retry for unknown workflow", slog.String("workflow_id", wfID))
		return
	}
	// Paused, failed, or advanced past the step while the timer ran.
	if in.Status != StatusRunning || in.CurrentStep != step || in.Completed(step) {
		return
	}
	pl, err := e.pipelineFor(in, st)
	if err != nil {
		e.quarantine(ctx, in, err)
		return
	}
	sd, ok := pl.Step(step)
	if !ok {
		e.quarantine(ctx, in, fmt.Errorf("step %s missing from pipeline %s", step, pl.Type))
		return
	}
	st.started[step] = time.Now()
	if err := e.publishTrigger(ctx, in, sd); err != nil {
		e.quarantine(ctx, in, err)
	}
}

// quarantine pauses an instance the engine can no longer advance safely,
// with a best-effort checkpoint, and persists the pause itself.
func (e *Engine) quarantine(ctx context.Context, in *Instance, cause error) {
	e.logger.Error("workflow engine fault, pausing instance",
		slog.String("workflow_id", in.ID), slog.Any("err", cause))
	if err := e.checkpoint(in); err != nil {
		e.logger.Error("quarantine checkpoint",
			slog.String("workflow_id", in.ID), slog.Any("err", err))
	}
	in.Status = StatusPaused
	if err := e.cfg.Store.UpdateInstance(in); err != nil {
		e.logger.Error("persist workflow",
			slog.String("workflow_id", in.ID), slog.Any("err", err))
	}
	e.publishEvent(ctx, bus.TopicWorkflowPaused, map[string]any{
		"workflow_id": in.ID,
		"step":        in.CurrentStep,
		"reason":      "engine_fault",
		"error":       cause.Error(),
	})
}

func (e *Engine) checkpoint(in *Instance) error {
	cp := &Checkpoint{
		WorkflowID: in.ID,
		Step:       in.CurrentStep,
		Context:    cloneContext(in.Context),
	}
	if _, err := e.cfg.Store.SaveCheckpoint(cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (e *Engine) publishTrigger(ctx context.Context, in *Instance, step Step) error {
	msg := bus.NewMessage(step.Topic, e.id, map[string]any{
		"workflow_id":   in.ID,
		"workflow_type": in.Type,
		"project_id":    in.ProjectID,
		"step":          step.Name,
		"context":       bus.ClonePayload(in.Context),
	})
	if err := e.cfg.Bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish step trigger %s: %w", step.Name, err)
	}
	e.logger.Debug("step triggered",
		slog.String("workflow_id", in.ID),
		slog.String("step", step.Name),
		slog.String("topic", step.Topic))
	return nil
}

func (e *Engine) publishEvent(ctx context.Context, topic string, payload map[string]any) {
	if err := e.cfg.Bus.Publish(ctx, bus.NewMessage(topic, e.id, payload)); err != nil {
		e.logger.Warn("publish workflow event",
			slog.String("topic", topic), slog.Any("err", err))
	}
}

// NewStepResult builds the completion event a step executor publishes on
// the step-done topic when it finishes a step.
func NewStepResult(senderID, workflowID, step string, output map[string]any, stepErr error) *bus.Message {
	payload := map[string]any{
		"workflow_id": workflowID,
		"step":        step,
		"status":      "success",
	}
	if len(output) > 0 {
		payload["output"] = output
	}
	if stepErr != nil {
		payload["status"] = "error"
		payload["error"] = stepErr.Error()
		if fault.IsPermanent(stepErr) {
			payload["permanent"] = true
		}
	}
	return bus.NewMessage(bus.TopicStepDone, senderID, payload)
}
