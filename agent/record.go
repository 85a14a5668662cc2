package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultOpLogLimit = 1000

// Record holds an agent's mutable state behind one lock: lifecycle,
// work state, current task, and the append-only operation log. Every
// mutation stamps LastActivity.
type Record struct {
	mu sync.RWMutex

	id        string
	profile   Profile
	lifecycle Lifecycle
	state     State
	curTask   string
	started   time.Time
	activity  time.Time

	log      []OpEntry
	logLimit int

	logger *slog.Logger
}

// NewRecord creates a record in lifecycle created, work state idle.
func NewRecord(id string, profile Profile, logger *slog.Logger) *Record {
	if logger == nil {
		logger = slog.Default()
	}
	return &Record{
		id:        id,
		profile:   profile,
		lifecycle: LifecycleCreated,
		state:     StateIdle,
		activity:  time.Now().UTC(),
		logLimit:  defaultOpLogLimit,
		logger:    logger,
	}
}

// ID returns the agent id.
func (r *Record) ID() string { return r.id }

// Profile returns the agent's profile.
func (r *Record) Profile() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile
}

// Lifecycle returns the current lifecycle state.
func (r *Record) Lifecycle() Lifecycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lifecycle
}

// State returns the current work state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Info returns a point-in-time snapshot.
func (r *Record) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		ID:           r.id,
		Name:         r.profile.Name,
		Role:         r.profile.Role,
		Lifecycle:    r.lifecycle,
		State:        r.state,
		Capabilities: append([]string(nil), r.profile.Capabilities...),
		CurrentTask:  r.curTask,
		LastActivity: r.activity,
		StartedAt:    r.started,
	}
}

// AdvanceLifecycle moves the lifecycle one step forward. Any other move
// is an error: the lifecycle never skips and never goes back.
func (r *Record) AdvanceLifecycle(to Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next, ok := lifecycleNext[r.lifecycle]; !ok || next != to {
		return fmt.Errorf("agent %s: illegal lifecycle transition %s -> %s", r.id, r.lifecycle, to)
	}
	r.lifecycle = to
	if to == LifecycleRunning {
		r.started = time.Now().UTC()
	}
	r.activity = time.Now().UTC()
	r.appendLocked(OpEntry{
		Time:   r.activity,
		Action: OpStateChange,
		Note:   "lifecycle " + string(to),
	})
	return nil
}

// SetState applies a work-state transition. An illegal transition is a
// no-op: the state keeps its value and a warning is logged. Returns
// whether the transition was applied.
func (r *Record) SetState(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == to {
		return true
	}
	if !ValidTransition(r.state, to) {
		r.logger.Warn("illegal state transition ignored",
			slog.String("agent", r.id),
			slog.String("from", string(r.state)),
			slog.String("to", string(to)))
		return false
	}
	from := r.state
	r.state = to
	r.activity = time.Now().UTC()
	r.appendLocked(OpEntry{
		Time:   r.activity,
		Action: OpStateChange,
		Note:   string(from) + " -> " + string(to),
	})
	return true
}

// CurrentTask returns the id of the task being worked, if any.
func (r *Record) CurrentTask() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.curTask
}

// SetCurrentTask records the task the agent is working on.
func (r *Record) SetCurrentTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.curTask = taskID
	r.activity = time.Now().UTC()
}

// Append adds an entry to the operation log, stamping the time if
// unset. The log is bounded; the oldest entries fall off.
func (r *Record) Append(e OpEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	r.activity = e.Time
	r.appendLocked(e)
}

func (r *Record) appendLocked(e OpEntry) {
	r.log = append(r.log, e)
	if len(r.log) > r.logLimit {
		drop := len(r.log) - r.logLimit
		r.log = append(r.log[:0:0], r.log[drop:]...)
	}
}

// OperationLog returns a copy of the log, oldest first.
func (r *Record) OperationLog() []OpEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OpEntry, len(r.log))
	copy(out, r.log)
	return out
}
