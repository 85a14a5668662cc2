package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
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

func newTestEngine(t *testing.T, pipelines map[string]Pipeline) (*Engine, *bus.InMemoryBus, *MemoryStore) {
	t.Helper()
	b := bus.NewInMemoryBus(nil)
	t.Cleanup(b.Close)
	store := NewMemoryStore()
	fh := fault.New(nil, b, fault.RetryConfig{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	e, err := NewEngine(EngineConfig{Bus: b, Store: store, Faults: fh, Pipelines: pipelines})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, b, store
}

// serveStep subscribes a worker that answers every trigger on topic with
// a completion for step. It returns the trigger counter.
func serveStep(t *testing.T, b *bus.InMemoryBus, id, topic, step string, delay time.Duration, output map[string]any, stepErr error) *atomic.Int32 {
	t.Helper()
	var count atomic.Int32
	_, err := b.Subscribe(id, topic, func(ctx context.Context, m *bus.Message) error {
		count.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		wfID, _ := m.Payload["workflow_id"].(string)
		_ = b.Publish(ctx, NewStepResult(id, wfID, step, output, stepErr))
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return &count
}

// watchTopic counts triggers on a topic and records each trigger's
// context payload, without completing anything.
func watchTopic(t *testing.T, b *bus.InMemoryBus, id, topic string) (*atomic.Int32, func() []map[string]any) {
	t.Helper()
	var count atomic.Int32
	var mu sync.Mutex
	var contexts []map[string]any
	_, err := b.Subscribe(id, topic, func(ctx context.Context, m *bus.Message) error {
		count.Add(1)
		c, _ := m.Payload["context"].(map[string]any)
		mu.Lock()
		contexts = append(contexts, c)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return &count, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), contexts...)
	}
}

func TestEngine_BeatboardRunsToCompletion(t *testing.T) {
	e, b, store := newTestEngine(t, nil)
	ctx := context.Background()

	splits := serveStep(t, b, "script-1", "scene.generate", "split_scenes", 0, map[string]any{"scenes": []any{"opening", "reveal"}}, nil)
	matches := serveStep(t, b, "dam-1", "asset.match", "match_assets", 0, map[string]any{"assets": []any{"a-7"}}, nil)
	boards := serveStep(t, b, "board-1", "board.assemble", "assemble_board", 0, map[string]any{"board": "bb-1"}, nil)

	in, err := e.StartWorkflow(ctx, "beatboard", "proj-1", map[string]any{"script": "draft-1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if in.Status != StatusRunning {
		t.Fatalf("Status = %s, want %s", in.Status, StatusRunning)
	}
	if in.CurrentStep != "split_scenes" {
		t.Fatalf("CurrentStep = %q, want split_scenes", in.CurrentStep)
	}

	// The third step needs confirmation, so the run parks there.
	waitFor(t, 2*time.Second, "pause before assemble_board", func() bool {
		got, err := store.GetInstance(in.ID)
		return err == nil && got.Status == StatusPaused
	})
	got, err := e.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentStep != "assemble_board" {
		t.Errorf("CurrentStep = %q, want assemble_board", got.CurrentStep)
	}
	if len(got.StepsCompleted) != 2 || got.StepsCompleted[0] != "split_scenes" || got.StepsCompleted[1] != "match_assets" {
		t.Errorf("StepsCompleted = %v, want [split_scenes match_assets]", got.StepsCompleted)
	}
	if len(b.History(bus.TopicWorkflowAwaitingConfirm, 0)) != 1 {
		t.Error("want one awaiting-confirm event")
	}

	if _, err := e.Resume(ctx, in.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, 2*time.Second, "workflow completion", func() bool {
		got, err := store.GetInstance(in.ID)
		return err == nil && got.Status == StatusCompleted
	})

	final, err := e.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []string{"split_scenes", "match_assets", "assemble_board"}
	if len(final.StepsCompleted) != len(want) {
		t.Fatalf("StepsCompleted = %v, want %v", final.StepsCompleted, want)
	}
	for i, s := range want {
		if final.StepsCompleted[i] != s {
			t.Errorf("StepsCompleted[%d] = %q, want %q", i, final.StepsCompleted[i], s)
		}
	}
	if final.CurrentStep != "" {
		t.Errorf("CurrentStep = %q, want empty", final.CurrentStep)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if final.Context["script"] != "draft-1" || final.Context["board"] != "bb-1" {
		t.Errorf("Context = %v, missing accumulated outputs", final.Context)
	}
	if _, ok := final.Context["assets"]; !ok {
		t.Errorf("Context = %v, missing match_assets output", final.Context)
	}

	if n := splits.Load(); n != 1 {
		t.Errorf("split_scenes ran %d times, want 1", n)
	}
	if n := matches.Load(); n != 1 {
		t.Errorf("match_assets ran %d times, want 1", n)
	}
	if n := boards.Load(); n != 1 {
		t.Errorf("assemble_board ran %d times, want 1", n)
	}
	if len(b.History(bus.TopicWorkflowCompleted, 0)) != 1 {
		t.Error("want one workflow.completed event")
	}
}

func TestEngine_StartUnknownType(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	if _, err := e.StartWorkflow(context.Background(), "render_farm", "", nil); err == nil {
		t.Fatal("unknown workflow type accepted")
	}
}

func TestEngine_DuplicateCompletionIgnored(t *testing.T) {
	e, b, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// The worker reports the same completion twice.
	_, err := b.Subscribe("script-1", "scene.generate", func(ctx context.Context, m *bus.Message) error {
		wfID, _ := m.Payload["workflow_id"].(string)
		res := NewStepResult("script-1", wfID, "split_scenes", map[string]any{"scenes": 2.0}, nil)
		_ = b.Publish(ctx, res)
		_ = b.Publish(ctx, NewStepResult("script-1", wfID, "split_scenes", map[string]any{"scenes": 99.0}, nil))
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	in, err := e.StartWorkflow(ctx, "beatboard", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitFor(t, 2*time.Second, "advancement past split_scenes", func() bool {
		got, _ := e.Get(in.ID)
		return got != nil && got.CurrentStep == "match_assets"
	})
	time.Sleep(50 * time.Millisecond)

	got, err := e.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.StepsCompleted) != 1 || got.StepsCompleted[0] != "split_scenes" {
		t.Errorf("StepsCompleted = %v, want [split_scenes]", got.StepsCompleted)
	}
	if got.Context["scenes"] != 2.0 {
		t.Errorf("Context[scenes] = %v, want 2 from the first completion", got.Context["scenes"])
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %s, want %s", got.Status, StatusRunning)
	}
}

func TestEngine_CompletionForInactiveStepIgnored(t *testing.T) {
	e, b, _ := newTestEngine(t, nil)
	ctx := context.Background()

	in, err := e.StartWorkflow(ctx, "beatboard", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// A completion for a later step while split_scenes is current.
	_ = b.Publish(ctx, NewStepResult("rogue-1", in.ID, "match_assets", map[string]any{"assets": 1}, nil))
	// And one for a workflow that does not exist.
	_ = b.Publish(ctx, NewStepResult("rogue-1", "wf-missing", "split_scenes", nil, nil))
	time.Sleep(50 * time.Millisecond)

	got, err := e.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.StepsCompleted) != 0 {
		t.Errorf("StepsCompleted = %v, want empty", got.StepsCompleted)
	}
	if got.CurrentStep != "split_scenes" {
		t.Errorf("CurrentStep = %q, want split_scenes", got.CurrentStep)
	}
}

func TestEngine_PauseHoldsInFlightResult(t *testing.T) {
	e, b, store := newTestEngine(t, nil)
	ctx := context.Background()

	splits := serveStep(t, b, "script-1", "scene.generate", "split_scenes", 150*time.Millisecond, map[string]any{"scenes": 4.0}, nil)
	matchTriggers, _ := watchTopic(t, b, "probe-1", "asset.match")

	in, err := e.StartWorkflow(ctx, "beatboard", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	paused, err := e.Pause(ctx, in.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != StatusPaused {
		t.Fatalf("Status = %s, want %s", paused.Status, StatusPaused)
	}

	// The in-flight step finishes during the pause; its result is held
	// and the instance does not advance.
	time.Sleep(250 * time.Millisecond)
	got, err := e.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPaused {
		t.Fatalf("Status = %s, want still %s", got.Status, StatusPaused)
	}
	if len(got.StepsCompleted) != 0 {
		t.Fatalf("StepsCompleted = %v, want none while paused", got.StepsCompleted)
	}
	if got.CurrentStep != "split_scenes" {
		t.Errorf("CurrentStep = %q, want split_scenes", got.CurrentStep)
	}

	// Resume applies the held result instead of re-running the step.
	resumed, err := e.Resume(ctx, in.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed.Completed("split_scenes") {
		t.Errorf("StepsCompleted = %v, want split_scenes recorded", resumed.StepsCompleted)
	}
	if resumed.Context["scenes"] != 4.0 {
		t.Errorf("Context[scenes] = %v, want held output applied", resumed.Context["scenes"])
	}
	if resumed.CurrentStep != "match_assets" {
		t.Errorf("CurrentStep = %q, want match_assets", resumed.CurrentStep)
	}
	if n := splits.Load(); n != 1 {
		t.Errorf("split_scenes ran %d times, want 1", n)
	}
	waitFor(t, time.Second, "match_assets trigger", func() bool { return matchTriggers.Load() == 1 })

	cps, err := store.ListCheckpoints(in.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Step != "split_scenes" {
		t.Errorf("checkpoints = %+v, want one at split_scenes", cps)
	}
}

func TestEngine_ResumeRestoresCheckpoint(t *testing.T) {
	e, b, store := newTestEngine(t, nil)
	ctx := context.Background()

	serveStep(t, b, "script-1", "scene.generate", "split_scenes", 0, map[string]any{"scenes": 3.0}, nil)
	matchTriggers, matchContexts := watchTopic(t, b, "probe-1", "asset.match")

	in, err := e.StartWorkflow(ctx, "beatboard", "proj-9", map[string]any{"script": "cut-2"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitFor(t, 2*time.Second, "advancement to match_assets", func() bool {
		got, _ := e.Get(in.ID)
		return got != nil && got.CurrentStep == "match_assets"
	})

	if _, err := e.Pause(ctx, in.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	cp, err := store.LatestCheckpoint(in.ID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.Step != "match_assets" {
		t.Fatalf("checkpoint step = %q, want match_assets", cp.Step)
	}
	if cp.Context["script"] != "cut-2" || cp.Context["scenes"] != 3.0 {
		t.Fatalf("checkpoint context = %v, want script and scenes", cp.Context)
	}

	resumed, err := e.Resume(ctx, in.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusRunning {
		t.Errorf("Status = %s, want %s", resumed.Status, StatusRunning)
	}
	if resumed.CurrentStep != cp.Step {
		t.Errorf("CurrentStep = %q, want checkpoint step %q", resumed.CurrentStep, cp.Step)
	}
	if resumed.Context["script"] != "cut-2" || resumed.Context["scenes"] != 3.0 {
		t.Errorf("Context = %v, want checkpoint context restored", resumed.Context)
	}

	// One trigger before the pause, one re-published by resume, and the
	// resumed trigger carries the restored context.
	waitFor(t, time.Second, "re-published trigger", func() bool { return matchTriggers.Load() == 2 })
	ctxs := matchContexts()
	if len(ctxs) != 2 {
		t.Fatalf("trigger contexts = %d, want 2", len(ctxs))
	}
	if ctxs[1]["script"] != "cut-2" || ctxs[1]["scenes"] != 3.0 {
		t.Errorf("resumed trigger context = %v, want restored checkpoint context", ctxs[1])
	}
}

func TestEngine_RetriesThenFails(t *testing.T) {
	e, b, store := newTestEngine(t, nil)
	ctx := context.Background()

	parses := serveStep(t, b, "brief-1", "brief.parse", "parse_brief", 0, nil, errors.New("parser crashed"))

	in, err := e.StartWorkflow(ctx, "intake", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitFor(t, 2*time.Second, "workflow failure", func() bool {
		got, _ := e.Get(in.ID)
		return got != nil && got.Status == StatusFailed
	})

	got, err := e.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Initial run plus two retries from the policy.
	if n := parses.Load(); n != 3 {
		t.Errorf("parse_brief ran %d times, want 3", n)
	}
	if got.Error == "" {
		t.Error("Error not recorded")
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on failure")
	}
	if len(b.History(bus.TopicWorkflowFailed, 0)) != 1 {
		t.Error("want one workflow.failed event")
	}
	if _, err := store.LatestCheckpoint(in.ID); err != nil {
		t.Errorf("want a final checkpoint, got %v", err)
	}
}

func TestEngine_NonRetriableStepFailsImmediately(t *testing.T) {
	e, b, _ := newTestEngine(t, nil)
	ctx := context.Background()

	renders := serveStep(t, b, "render-1", "preview.render", "render_manifest", 0, nil, errors.New("codec missing"))

	in, err := e.StartWorkflow(ctx, "preview_export", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitFor(t, 2*time.Second, "workflow failure", func() bool {
		got, _ := e.Get(in.ID)
		return got != nil && got.Status == StatusFailed
	})
	if n := renders.Load(); n != 1 {
		t.Errorf("render_manifest ran %d times, want 1", n)
	}
}

func TestEngine_PermanentErrorSkipsRetry(t *testing.T) {
	e, b, _ := newTestEngine(t, nil)
	ctx := context.Background()

	parses := serveStep(t, b, "brief-1", "brief.parse", "parse_brief", 0, nil, fault.Permanent(errors.New("brief is empty")))

	in, err := e.StartWorkflow(ctx, "intake", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitFor(t, 2*time.Second, "workflow failure", func() bool {
		got, _ := e.Get(in.ID)
		return got != nil && got.Status == StatusFailed
	})
	if n := parses.Load(); n != 1 {
		t.Errorf("parse_brief ran %d times, want 1", n)
	}
}

func TestEngine_ConfirmFirstStepPausesAtStart(t *testing.T) {
	catalog := map[string]Pipeline{
		"signoff": {
			Type: "signoff",
			Steps: []Step{
				{Name: "approve_budget", Topic: "budget.approve", Confirm: true},
				{Name: "book_crew", Topic: "crew.book"},
			},
		},
	}
	e, b, store := newTestEngine(t, catalog)
	ctx := context.Background()

	approvals, _ := watchTopic(t, b, "probe-1", "budget.approve")

	in, err := e.StartWorkflow(ctx, "signoff", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if in.Status != StatusPaused {
		t.Fatalf("Status = %s, want %s at a confirmation step", in.Status, StatusPaused)
	}
	if in.CurrentStep != "approve_budget" {
		t.Errorf("CurrentStep = %q, want approve_budget", in.CurrentStep)
	}
	if n := approvals.Load(); n != 0 {
		t.Errorf("trigger published %d times before confirmation, want 0", n)
	}
	if _, err := store.LatestCheckpoint(in.ID); err != nil {
		t.Errorf("want checkpoint before confirmation step, got %v", err)
	}

	if _, err := e.Resume(ctx, in.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, time.Second, "trigger after confirmation", func() bool { return approvals.Load() == 1 })
}

func TestEngine_PauseAndResumeStatusGates(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	in, err := e.StartWorkflow(ctx, "beatboard", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if _, err := e.Resume(ctx, in.ID); err == nil {
		t.Error("Resume on a running workflow accepted")
	}
	if _, err := e.Pause(ctx, in.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := e.Pause(ctx, in.ID); err == nil {
		t.Error("Pause on a paused workflow accepted")
	}
	if _, err := e.Pause(ctx, "wf-missing"); err == nil {
		t.Error("Pause on unknown workflow accepted")
	}
}

func TestEngine_SetPipelinesAffectsNewInstancesOnly(t *testing.T) {
	catalog := map[string]Pipeline{
		"short": {
			Type:  "short",
			Steps: []Step{{Name: "only", Topic: "only.run"}},
		},
	}
	e, b, _ := newTestEngine(t, catalog)
	ctx := context.Background()

	release := make(chan struct{})
	_, err := b.Subscribe("worker-1", "only.run", func(ctx context.Context, m *bus.Message) error {
		<-release
		wfID, _ := m.Payload["workflow_id"].(string)
		_ = b.Publish(ctx, NewStepResult("worker-1", wfID, "only", nil, nil))
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	in, err := e.StartWorkflow(ctx, "short", "", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Swap the catalog while the instance is mid-step. The bound
	// definition still applies, so one completion finishes the run.
	e.SetPipelines(map[string]Pipeline{
		"short": {
			Type: "short",
			Steps: []Step{
				{Name: "only", Topic: "only.run"},
				{Name: "extra", Topic: "extra.run"},
			},
		},
	})
	close(release)

	waitFor(t, 2*time.Second, "completion under the bound definition", func() bool {
		got, _ := e.Get(in.ID)
		return got != nil && got.Status == StatusCompleted
	})
}
