// Package workflow runs preproduction pipelines: ordered steps triggered
// over the bus, checkpointed before pausable work, with per-instance
// context that accumulates each step's output.
package workflow

import "time"

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Instance is one run of a pipeline.
type Instance struct {
	ID             string         `json:"workflow_id"`
	Type           string         `json:"workflow_type"`
	ProjectID      string         `json:"project_id,omitempty"`
	Status         Status         `json:"status"`
	CurrentStep    string         `json:"current_step,omitempty"`
	StepsCompleted []string       `json:"steps_completed"`
	Context        map[string]any `json:"context"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Completed reports whether the named step is already recorded. Steps are
// recorded at most once, so repeated completion events are no-ops.
func (in *Instance) Completed(step string) bool {
	for _, s := range in.StepsCompleted {
		if s == step {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the engine.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	c := *in
	c.StepsCompleted = append([]string(nil), in.StepsCompleted...)
	c.Context = cloneContext(in.Context)
	if in.StartedAt != nil {
		t := *in.StartedAt
		c.StartedAt = &t
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Checkpoint is a point-in-time snapshot taken before pausable work so a
// resumed instance restarts from exactly the saved step and context.
type Checkpoint struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Step       string         `json:"step"`
	Context    map[string]any `json:"context"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the checkpoint.
func (cp *Checkpoint) Clone() *Checkpoint {
	if cp == nil {
		return nil
	}
	c := *cp
	c.Context = cloneContext(cp.Context)
	return &c
}

func cloneContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneContextValue(v)
	}
	return out
}

func cloneContextValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneContext(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneContextValue(e)
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
