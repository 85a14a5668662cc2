package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
	"github.com/slateworks/slate/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newRunningAgent(t *testing.T, b bus.Bus, id string, profile Profile) *Runtime {
	t.Helper()
	rt := NewRuntime(Config{ID: id, Profile: profile, Bus: b})
	if err := rt.Register(); err != nil {
		t.Fatalf("Register %s: %v", id, err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start %s: %v", id, err)
	}
	return rt
}

func hasOp(rt *Runtime, action string) bool {
	for _, e := range rt.Record().OperationLog() {
		if e.Action == action {
			return true
		}
	}
	return false
}

func TestRuntime_LifecycleProgression(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	rt := NewRuntime(Config{ID: "agent-1", Bus: b})
	if err := rt.Start(ctx); err == nil {
		t.Fatal("Start before Register accepted, want error")
	}
	if err := rt.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := rt.Info().Lifecycle; got != LifecycleReady {
		t.Fatalf("lifecycle after Register = %q, want ready", got)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := rt.Info().Lifecycle; got != LifecycleRunning {
		t.Fatalf("lifecycle after Start = %q, want running", got)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := rt.Info().Lifecycle; got != LifecycleStopped {
		t.Fatalf("lifecycle after Stop = %q, want stopped", got)
	}
}

func TestRuntime_PingReply(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	worker := newRunningAgent(t, b, "script_agent", Profile{Name: "Scripter"})
	defer worker.Stop(ctx)
	caller := newRunningAgent(t, b, "coordinator", Profile{})
	defer caller.Stop(ctx)

	ping := protocol.NewPing("coordinator", "script_agent")
	resp := caller.Request(ctx, ping, time.Second)

	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("ping status = %q (reason %q), want success", resp.Status, resp.Reason)
	}
	if resp.ReplyTo != ping.CorrelationID {
		t.Errorf("ReplyTo = %q, want %q", resp.ReplyTo, ping.CorrelationID)
	}
	if got := resp.Data["state"]; got != "idle" {
		t.Errorf("reported state = %v, want idle", got)
	}
}

func TestRuntime_TaskAssignmentAckThenResult(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	worker := newRunningAgent(t, b, "script_agent", Profile{Capabilities: []string{"scene.generate"}})
	defer worker.Stop(ctx)
	worker.RegisterTask("scene.generate", func(_ context.Context, tk Task) (map[string]any, error) {
		return map[string]any{"scene": tk.Params["scene"]}, nil
	})

	var mu sync.Mutex
	var results []*bus.Message
	b.Subscribe("observer", bus.TopicTaskResult, func(_ context.Context, m *bus.Message) error {
		mu.Lock()
		results = append(results, m)
		mu.Unlock()
		return nil
	})

	caller := newRunningAgent(t, b, "coordinator", Profile{})
	defer caller.Stop(ctx)

	req := protocol.NewTaskAssignment("coordinator", "script_agent", "task-1", "scene.generate",
		map[string]any{"scene": "opening"})
	ack := caller.Request(ctx, req, time.Second)

	if ack.Status != protocol.StatusPending {
		t.Fatalf("ack status = %q (reason %q), want pending", ack.Status, ack.Reason)
	}
	if ack.ReplyTo != req.CorrelationID {
		t.Errorf("ack ReplyTo = %q, want %q", ack.ReplyTo, req.CorrelationID)
	}

	waitFor(t, 2*time.Second, "task result", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	})
	mu.Lock()
	res, err := protocol.Decode(results[0])
	mu.Unlock()
	if err != nil {
		t.Fatalf("Decode result: %v", err)
	}
	if res.Status != protocol.StatusSuccess {
		t.Errorf("result status = %q, want success", res.Status)
	}
	if res.TaskID() != "task-1" {
		t.Errorf("result task = %q, want task-1", res.TaskID())
	}
	if res.CorrelationID != req.CorrelationID {
		t.Errorf("result CorrelationID = %q, want %q", res.CorrelationID, req.CorrelationID)
	}
	out, _ := res.Data["output"].(map[string]any)
	if out["scene"] != "opening" {
		t.Errorf("result output = %v, want scene=opening", out)
	}

	waitFor(t, time.Second, "worker back to idle", func() bool {
		info := worker.Info()
		return info.State == StateIdle && info.CurrentTask == ""
	})
}

func TestRuntime_UnknownTaskTypeRefused(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	worker := newRunningAgent(t, b, "script_agent", Profile{})
	defer worker.Stop(ctx)
	caller := newRunningAgent(t, b, "coordinator", Profile{})
	defer caller.Stop(ctx)

	req := protocol.NewTaskAssignment("coordinator", "script_agent", "task-1", "teleport", nil)
	ack := caller.Request(ctx, req, time.Second)

	if ack.Status != protocol.StatusError {
		t.Fatalf("ack status = %q, want error", ack.Status)
	}
	if ack.Reason != protocol.ReasonTaskUnknown {
		t.Errorf("ack reason = %q, want %q", ack.Reason, protocol.ReasonTaskUnknown)
	}
	time.Sleep(50 * time.Millisecond)
	if hist := b.History(bus.TopicTaskResult, 10); len(hist) != 0 {
		t.Errorf("task.result history = %d messages, want 0", len(hist))
	}
}

func TestRuntime_DataRequestQuery(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	worker := newRunningAgent(t, b, "dam_agent", Profile{})
	defer worker.Stop(ctx)
	worker.RegisterQuery("asset_count", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"count": 42, "tag": params["tag"]}, nil
	})

	caller := newRunningAgent(t, b, "board_agent", Profile{})
	defer caller.Stop(ctx)

	req := protocol.NewDataRequest("board_agent", "dam_agent",
		map[string]any{"query": "asset_count", "tag": "warehouse"})
	resp := caller.Request(ctx, req, time.Second)

	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %q (reason %q), want success", resp.Status, resp.Reason)
	}
	if resp.Data["count"] != 42 || resp.Data["tag"] != "warehouse" {
		t.Errorf("data = %v, want count=42 tag=warehouse", resp.Data)
	}

	unknown := protocol.NewDataRequest("board_agent", "dam_agent",
		map[string]any{"query": "asset_median"})
	resp = caller.Request(ctx, unknown, time.Second)
	if resp.Status != protocol.StatusError || resp.Reason != "unknown_query" {
		t.Errorf("unknown query: status %q reason %q, want error/unknown_query", resp.Status, resp.Reason)
	}
}

func TestRuntime_OperationLogRecordsExchange(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	worker := newRunningAgent(t, b, "script_agent", Profile{})
	defer worker.Stop(ctx)
	worker.RegisterTask("scene.generate", func(_ context.Context, _ Task) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	caller := newRunningAgent(t, b, "coordinator", Profile{})
	defer caller.Stop(ctx)

	req := protocol.NewTaskAssignment("coordinator", "script_agent", "task-1", "scene.generate", nil)
	caller.Request(ctx, req, time.Second)

	waitFor(t, 2*time.Second, "worker task completion", func() bool {
		return hasOp(worker, OpTaskDone)
	})

	count := func(rt *Runtime, action, kind string) int {
		n := 0
		for _, e := range rt.Record().OperationLog() {
			if e.Action == action && (kind == "" || e.Kind == kind) {
				n++
			}
		}
		return n
	}

	// Caller side: the assignment send and the acknowledgement receipt.
	if got := count(caller, OpSent, string(protocol.KindTaskAssignment)); got != 1 {
		t.Errorf("caller sent assignments logged = %d, want 1", got)
	}
	if got := count(caller, OpReceived, string(protocol.KindTaskAssignment)); got != 1 {
		t.Errorf("caller received acks logged = %d, want 1", got)
	}

	// Worker side: assignment receipt, ack send, task lifecycle, and
	// the result send.
	if got := count(worker, OpReceived, string(protocol.KindTaskAssignment)); got != 1 {
		t.Errorf("worker received assignments logged = %d, want 1", got)
	}
	if got := count(worker, OpSent, string(protocol.KindTaskAssignment)); got != 1 {
		t.Errorf("worker sent acks logged = %d, want 1", got)
	}
	if got := count(worker, OpSent, string(protocol.KindTaskResult)); got != 1 {
		t.Errorf("worker sent results logged = %d, want 1", got)
	}
	if got := count(worker, OpTaskStarted, ""); got != 1 {
		t.Errorf("worker task_started entries = %d, want 1", got)
	}
}

func TestRuntime_TaskFailureSetsError(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	worker := newRunningAgent(t, b, "script_agent", Profile{})
	worker.RegisterTask("scene.generate", func(_ context.Context, _ Task) (map[string]any, error) {
		return nil, errors.New("model refused")
	})
	caller := newRunningAgent(t, b, "coordinator", Profile{})
	defer caller.Stop(ctx)

	req := protocol.NewTaskAssignment("coordinator", "script_agent", "task-1", "scene.generate", nil)
	ack := caller.Request(ctx, req, time.Second)
	if ack.Status != protocol.StatusPending {
		t.Fatalf("ack status = %q, want pending", ack.Status)
	}

	waitFor(t, 2*time.Second, "worker error state", func() bool {
		return worker.Info().State == StateError
	})

	hist := b.History(bus.TopicTaskResult, 10)
	if len(hist) != 1 {
		t.Fatalf("task.result history = %d messages, want 1", len(hist))
	}
	res, err := protocol.Decode(hist[0])
	if err != nil {
		t.Fatalf("Decode result: %v", err)
	}
	if res.Status != protocol.StatusError || res.Reason != "model refused" {
		t.Errorf("result = %q/%q, want error/model refused", res.Status, res.Reason)
	}
}

func TestRuntime_RestartRecoversToIdle(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	worker := newRunningAgent(t, b, "script_agent", Profile{})
	defer worker.Stop(ctx)
	worker.Record().SetState(StateError)

	if err := worker.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	info := worker.Info()
	if info.State != StateIdle || info.Lifecycle != LifecycleRunning {
		t.Errorf("after restart: state %q lifecycle %q, want idle/running", info.State, info.Lifecycle)
	}
	if !hasOp(worker, OpRestart) {
		t.Error("restart not recorded in operation log")
	}
}

func TestRuntime_FailedRestartGoesOffline(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	rt := NewRuntime(Config{
		ID:  "script_agent",
		Bus: b,
		RestartProbe: func(context.Context) error {
			return errors.New("still broken")
		},
	})
	if err := rt.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := rt.Restart(ctx); err == nil {
		t.Fatal("Restart succeeded, want probe failure")
	}
	rt.ForceOffline("restart failed")

	info := rt.Info()
	if info.State != StateOffline {
		t.Errorf("state = %q, want offline", info.State)
	}
	if info.Lifecycle != LifecycleStopped {
		t.Errorf("lifecycle = %q, want stopped", info.Lifecycle)
	}
	// Registration is gone: later requests see no such agent.
	resp := protocol.Request(ctx, b, protocol.NewPing("coordinator", "script_agent"), 100*time.Millisecond)
	if resp.Reason != protocol.ReasonNoSuchAgent {
		t.Errorf("post-offline ping reason = %q, want %q", resp.Reason, protocol.ReasonNoSuchAgent)
	}
}

func TestRuntime_FaultPolicyRestartsAgent(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	reg := NewRegistry()
	fh := fault.New(nil, b, fault.RetryConfig{
		MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
	})
	fh.SetDirectory(reg)
	b.SetFaultHandler(fh.HandleAgentFault)

	agentA := newRunningAgent(t, b, "agent-a", Profile{})
	agentB := newRunningAgent(t, b, "agent-b", Profile{})
	defer agentB.Stop(ctx)
	reg.Add(agentA)
	reg.Add(agentB)

	var aCalls, bCalls int32
	agentA.Subscribe("scene.generate", func(_ context.Context, _ *bus.Message) error {
		if atomic.AddInt32(&aCalls, 1) == 1 {
			return errors.New("bad frame")
		}
		return nil
	})
	agentB.Subscribe("scene.generate", func(_ context.Context, _ *bus.Message) error {
		atomic.AddInt32(&bCalls, 1)
		return nil
	})

	if err := b.Publish(ctx, bus.NewMessage("scene.generate", "director", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The failure never reaches agent-b.
	waitFor(t, 2*time.Second, "agent-b delivery", func() bool {
		return atomic.LoadInt32(&bCalls) == 1
	})
	// The policy logs the fault and restarts agent-a back to idle.
	waitFor(t, 2*time.Second, "agent-a restart", func() bool {
		return hasOp(agentA, OpFault) && hasOp(agentA, OpRestart)
	})
	if got := agentA.Info().State; got != StateIdle {
		t.Fatalf("agent-a state = %q, want idle", got)
	}

	// A recovered agent keeps receiving.
	if err := b.Publish(ctx, bus.NewMessage("scene.generate", "director", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 2*time.Second, "agent-a second delivery", func() bool {
		return atomic.LoadInt32(&aCalls) == 2
	})
}

func TestRuntime_FaultPolicyForcesOfflineAndPublishes(t *testing.T) {
	b := bus.NewInMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	reg := NewRegistry()
	fh := fault.New(nil, b, fault.DefaultRetryConfig())
	fh.SetDirectory(reg)
	b.SetFaultHandler(fh.HandleAgentFault)

	rt := NewRuntime(Config{
		ID:  "agent-a",
		Bus: b,
		RestartProbe: func(context.Context) error {
			return errors.New("still broken")
		},
	})
	if err := rt.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	reg.Add(rt)

	rt.Subscribe("scene.generate", func(_ context.Context, _ *bus.Message) error {
		return errors.New("bad frame")
	})
	if err := b.Publish(ctx, bus.NewMessage("scene.generate", "director", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 2*time.Second, "agent-a offline", func() bool {
		return rt.Info().State == StateOffline
	})
	if got := rt.Info().Lifecycle; got != LifecycleStopped {
		t.Errorf("lifecycle = %q, want stopped", got)
	}
	waitFor(t, 2*time.Second, "offline notice", func() bool {
		return len(b.History(bus.TopicAgentOffline, 5)) == 1
	})
	notice := b.History(bus.TopicAgentOffline, 5)[0]
	if got := notice.Payload["agent_id"]; got != "agent-a" {
		t.Errorf("offline notice agent_id = %v, want agent-a", got)
	}
}
