package agent

import (
	"fmt"
	"testing"
)

func TestRecord_LifecycleForwardOnly(t *testing.T) {
	r := NewRecord("agent-1", Profile{Name: "Scripter"}, nil)
	if got := r.Lifecycle(); got != LifecycleCreated {
		t.Fatalf("initial lifecycle = %q, want created", got)
	}

	if err := r.AdvanceLifecycle(LifecycleRunning); err == nil {
		t.Fatal("created -> running accepted, want error (skips ready)")
	}
	if err := r.AdvanceLifecycle(LifecycleReady); err != nil {
		t.Fatalf("created -> ready: %v", err)
	}
	if err := r.AdvanceLifecycle(LifecycleRunning); err != nil {
		t.Fatalf("ready -> running: %v", err)
	}
	if err := r.AdvanceLifecycle(LifecycleReady); err == nil {
		t.Fatal("running -> ready accepted, want error (goes backwards)")
	}
	if err := r.AdvanceLifecycle(LifecycleStopped); err != nil {
		t.Fatalf("running -> stopped: %v", err)
	}
	if err := r.AdvanceLifecycle(LifecycleStopped); err == nil {
		t.Fatal("stopped -> stopped accepted, want error (terminal)")
	}
}

func TestRecord_SetStateIllegalIsNoOp(t *testing.T) {
	r := NewRecord("agent-1", Profile{}, nil)

	if r.SetState(StateReviewing) {
		t.Fatal("idle -> reviewing applied, want rejected")
	}
	if got := r.State(); got != StateIdle {
		t.Fatalf("state after rejected transition = %q, want idle", got)
	}

	for _, to := range []State{StateWorking, StateWaiting, StateReviewing, StateIdle} {
		if !r.SetState(to) {
			t.Fatalf("transition to %q rejected, want applied", to)
		}
	}
}

func TestRecord_ErrorAndOfflinePaths(t *testing.T) {
	r := NewRecord("agent-1", Profile{}, nil)

	r.SetState(StateWorking)
	if !r.SetState(StateError) {
		t.Fatal("working -> error rejected")
	}
	if !r.SetState(StateIdle) {
		t.Fatal("error -> idle rejected (restart outcome)")
	}

	r.SetState(StateError)
	if !r.SetState(StateOffline) {
		t.Fatal("error -> offline rejected")
	}
	if r.SetState(StateIdle) {
		t.Fatal("offline -> idle applied, want terminal")
	}
	if r.SetState(StateError) {
		t.Fatal("offline -> error applied, want terminal")
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateWorking, true},
		{StateIdle, StateWaiting, false},
		{StateWorking, StateWaiting, true},
		{StateWorking, StateReviewing, true},
		{StateWaiting, StateWorking, true},
		{StateWaiting, StateIdle, false},
		{StateReviewing, StateIdle, true},
		{StateWaiting, StateError, true},
		{StateError, StateIdle, true},
		{StateError, StateOffline, true},
		{StateError, StateWorking, false},
		{StateOffline, StateError, false},
		{StateWorking, StateWorking, true},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRecord_OperationLogBounded(t *testing.T) {
	r := NewRecord("agent-1", Profile{}, nil)
	r.logLimit = 10
	for i := 0; i < 25; i++ {
		r.Append(OpEntry{Action: OpSent, Note: fmt.Sprintf("n%d", i)})
	}
	log := r.OperationLog()
	if len(log) != 10 {
		t.Fatalf("log length = %d, want 10", len(log))
	}
	if log[0].Note != "n15" || log[9].Note != "n24" {
		t.Errorf("log window = %q..%q, want n15..n24", log[0].Note, log[9].Note)
	}
}

func TestRecord_InfoSnapshot(t *testing.T) {
	r := NewRecord("agent-1", Profile{
		Name:         "Scripter",
		Role:         "script",
		Capabilities: []string{"scene.generate"},
	}, nil)
	info := r.Info()
	if info.ID != "agent-1" || info.Name != "Scripter" {
		t.Errorf("Info = %+v, want agent-1/Scripter", info)
	}
	if info.Lifecycle != LifecycleCreated || info.State != StateIdle {
		t.Errorf("Info lifecycle/state = %q/%q, want created/idle", info.Lifecycle, info.State)
	}

	// Mutating the snapshot's capability slice must not reach the record.
	info.Capabilities[0] = "mutated"
	if got := r.Profile().Capabilities[0]; got != "scene.generate" {
		t.Errorf("profile capability = %q, want scene.generate", got)
	}
}
