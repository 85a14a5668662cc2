// Package agent implements the runtime wrapper around a bus-connected
// agent: its lifecycle and work-state machines, its operation log, and
// the protocol dispatch table that turns incoming messages into typed
// replies.
package agent

import "time"

// Lifecycle is the coarse state of an agent process. It only moves
// forward: created, ready, running, stopped.
type Lifecycle string

const (
	LifecycleCreated Lifecycle = "created"
	LifecycleReady   Lifecycle = "ready"
	LifecycleRunning Lifecycle = "running"
	LifecycleStopped Lifecycle = "stopped"
)

// lifecycleNext encodes the single legal successor of each lifecycle
// state. No skipping, no going back.
var lifecycleNext = map[Lifecycle]Lifecycle{
	LifecycleCreated: LifecycleReady,
	LifecycleReady:   LifecycleRunning,
	LifecycleRunning: LifecycleStopped,
}

// State is the fine-grained work state of a running agent.
type State string

const (
	StateIdle      State = "idle"
	StateWorking   State = "working"
	StateWaiting   State = "waiting"
	StateReviewing State = "reviewing"
	StateError     State = "error"
	StateOffline   State = "offline"
)

// stateNext lists the legal work-state transitions. Any state may move
// to error; error resolves to idle on a successful restart or to
// offline when the restart fails.
var stateNext = map[State][]State{
	StateIdle:      {StateWorking},
	StateWorking:   {StateIdle, StateWaiting, StateReviewing},
	StateWaiting:   {StateWorking, StateReviewing},
	StateReviewing: {StateWorking, StateIdle},
	StateError:     {StateIdle, StateOffline},
}

// ValidTransition reports whether from -> to is a legal work-state
// move. Transitions into error are always legal except from offline,
// which is terminal.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	if from == StateOffline {
		return false
	}
	if to == StateError {
		return true
	}
	for _, s := range stateNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Profile defines an agent's identity and behavior.
type Profile struct {
	Name         string   `json:"name" yaml:"name"`
	Role         string   `json:"role" yaml:"role"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Model        string   `json:"model,omitempty" yaml:"model"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
}

// HasCapability reports whether the profile lists the given capability.
func (p Profile) HasCapability(c string) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Info is a read-only snapshot of an agent.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role,omitempty"`
	Lifecycle    Lifecycle `json:"lifecycle"`
	State        State     `json:"state"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CurrentTask  string    `json:"current_task,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	StartedAt    time.Time `json:"started_at"`
}

// Operation log actions.
const (
	OpReceived    = "received"
	OpSent        = "sent"
	OpStateChange = "state_change"
	OpTaskStarted = "task_started"
	OpTaskDone    = "task_done"
	OpFault       = "fault"
	OpRestart     = "restart"
	OpOffline     = "offline"
)

// OpEntry is one line of an agent's operation log.
type OpEntry struct {
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Kind          string    `json:"kind,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Peer          string    `json:"peer,omitempty"`
	Note          string    `json:"note,omitempty"`
}
