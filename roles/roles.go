// Package roles provides the concrete preproduction agents: the script
// agent turns briefs into scenes and beats, the dam agent matches catalog
// assets to scenes, and the board agent assembles beatboards and preview
// manifests. Each role wraps an agent.Runtime, serves its workflow step
// topics, and accepts the same work as task assignments so the director
// can reassign it.
package roles

import (
	"context"
	"fmt"

	"github.com/slateworks/slate/agent"
	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/workflow"
)

// Trigger is one workflow step dispatch decoded from a trigger message.
type Trigger struct {
	WorkflowID string
	Type       string
	ProjectID  string
	Step       string
	Context    map[string]any
}

func decodeTrigger(m *bus.Message) (Trigger, bool) {
	wf, _ := m.Payload["workflow_id"].(string)
	step, _ := m.Payload["step"].(string)
	if wf == "" || step == "" {
		return Trigger{}, false
	}
	t := Trigger{WorkflowID: wf, Step: step}
	t.Type, _ = m.Payload["workflow_type"].(string)
	t.ProjectID, _ = m.Payload["project_id"].(string)
	t.Context, _ = m.Payload["context"].(map[string]any)
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	return t, true
}

// stepFunc performs one step's work from the workflow context.
type stepFunc func(ctx context.Context, t Trigger) (map[string]any, error)

// bindStep subscribes the agent to a step topic and reports every outcome,
// success or failure, on workflow.step.done. A failed step is the engine's
// business (retry or fail the workflow), so the handler only returns an
// error for faults of its own: malformed triggers or a failed publish.
func bindStep(rt *agent.Runtime, b bus.Bus, topic string, fn stepFunc) error {
	return rt.Subscribe(topic, func(ctx context.Context, m *bus.Message) error {
		t, ok := decodeTrigger(m)
		if !ok {
			return fmt.Errorf("step trigger on %s: missing workflow_id or step", topic)
		}
		out, err := fn(ctx, t)
		res := workflow.NewStepResult(rt.ID(), t.WorkflowID, t.Step, out, err)
		if perr := b.Publish(ctx, res); perr != nil {
			return fmt.Errorf("publish result for step %s: %w", t.Step, perr)
		}
		rt.Record().Append(agent.OpEntry{
			Action:        agent.OpSent,
			MessageID:     res.ID,
			CorrelationID: m.CorrelationID,
			Note:          bus.TopicStepDone + " " + t.Step,
		})
		return nil
	})
}

// stepTask adapts a step function into a task executor so the same work
// can arrive as a direct assignment, typically a reassignment after the
// original agent went offline. Workflow-tagged assignments also publish a
// step completion so the engine still advances.
func stepTask(rt *agent.Runtime, b bus.Bus, fn stepFunc) agent.TaskFunc {
	return func(ctx context.Context, task agent.Task) (map[string]any, error) {
		t := Trigger{Step: task.Type, Context: task.Params}
		t.WorkflowID, _ = task.Params["workflow_id"].(string)
		if step, _ := task.Params["step"].(string); step != "" {
			t.Step = step
		}
		if tc, _ := task.Params["context"].(map[string]any); tc != nil {
			t.Context = tc
		}

		out, err := fn(ctx, t)
		if t.WorkflowID != "" {
			res := workflow.NewStepResult(rt.ID(), t.WorkflowID, t.Step, out, err)
			if perr := b.Publish(ctx, res); perr != nil {
				return nil, fmt.Errorf("publish result for step %s: %w", t.Step, perr)
			}
		}
		return out, err
	}
}

// stringParam returns the first non-empty string under any of the keys.
func stringParam(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// anySlice normalizes a context value into a []any, accepting the typed
// slices that survive payload cloning.
func anySlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

// intField reads a numeric map field, tolerating the float64 that JSON
// decoding produces.
func intField(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
