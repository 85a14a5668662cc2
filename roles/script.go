package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slateworks/slate/agent"
	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
	"github.com/slateworks/slate/provider"
)

const defaultScriptID = "script_agent"

const scriptSystemPrompt = "You are a screenwriting assistant for video preproduction. " +
	"Answer with plain lines only, no commentary."

// ScriptConfig wires the script agent.
type ScriptConfig struct {
	ID       string
	Bus      bus.Bus
	Provider provider.Provider
	Logger   *slog.Logger
	Faults   *fault.Handler

	// Name and SystemPrompt override the profile defaults.
	Name         string
	SystemPrompt string
}

// Script is the writing agent: it splits scripts into scenes, summarizes
// briefs, and extracts story beats, all through the model provider.
type Script struct {
	cfg    ScriptConfig
	rt     *agent.Runtime
	logger *slog.Logger
	prompt string

	mu     sync.Mutex
	scenes map[string][]any // by workflow id
	latest []any
}

// NewScript creates the script agent in lifecycle created.
func NewScript(cfg ScriptConfig) (*Script, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("script agent: bus is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("script agent: provider is required")
	}
	if cfg.ID == "" {
		cfg.ID = defaultScriptID
	}
	if cfg.Name == "" {
		cfg.Name = "Script"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = scriptSystemPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Script{
		cfg:    cfg,
		logger: logger,
		prompt: cfg.SystemPrompt,
		scenes: make(map[string][]any),
	}
	s.rt = agent.NewRuntime(agent.Config{
		ID: cfg.ID,
		Profile: agent.Profile{
			Name:         cfg.Name,
			Role:         "script",
			SystemPrompt: cfg.SystemPrompt,
			Capabilities: []string{"split_scenes", "parse_brief", "extract_beats"},
		},
		Bus:    cfg.Bus,
		Logger: logger,
		Faults: cfg.Faults,
	})
	s.rt.RegisterTask("split_scenes", stepTask(s.rt, cfg.Bus, s.splitScenes))
	s.rt.RegisterTask("parse_brief", stepTask(s.rt, cfg.Bus, s.parseBrief))
	s.rt.RegisterTask("extract_beats", stepTask(s.rt, cfg.Bus, s.extractBeats))
	s.rt.RegisterQuery("scenes", s.queryScenes)
	return s, nil
}

// Runtime exposes the underlying agent runtime.
func (s *Script) Runtime() *agent.Runtime { return s.rt }

// Start registers the agent, binds its step topics, and moves it to
// running.
func (s *Script) Start(ctx context.Context) error {
	if err := s.rt.Register(); err != nil {
		return err
	}
	steps := map[string]stepFunc{
		"scene.generate": s.splitScenes,
		"brief.parse":    s.parseBrief,
		"brief.beats":    s.extractBeats,
	}
	for topic, fn := range steps {
		if err := bindStep(s.rt, s.cfg.Bus, topic, fn); err != nil {
			return err
		}
	}
	return s.rt.Start(ctx)
}

// Stop shuts the agent down.
func (s *Script) Stop(ctx context.Context) error {
	return s.rt.Stop(ctx)
}

func (s *Script) generate(ctx context.Context, instruction, text string) (string, error) {
	resp, err := s.cfg.Provider.Generate(ctx, provider.Request{
		System: s.prompt,
		Prompt: instruction + "\n\n" + text,
	})
	if err != nil {
		return "", &fault.ExternalServiceError{Service: s.cfg.Provider.Name(), Err: err}
	}
	return resp.Content, nil
}

// splitScenes turns the script (or brief) in the workflow context into
// numbered scenes.
func (s *Script) splitScenes(ctx context.Context, t Trigger) (map[string]any, error) {
	text := stringParam(t.Context, "script", "brief", "text")
	if text == "" {
		return nil, fault.Permanent(errors.New("split_scenes: no script text in context"))
	}
	content, err := s.generate(ctx,
		"Split this script into scenes. One scene per line, keep INT/EXT headings.", text)
	if err != nil {
		return nil, err
	}
	scenes := parseScenes(content)
	if len(scenes) == 0 {
		return nil, fmt.Errorf("split_scenes: model output contained no scenes")
	}

	s.mu.Lock()
	s.latest = scenes
	if t.WorkflowID != "" {
		s.scenes[t.WorkflowID] = scenes
	}
	s.mu.Unlock()

	s.logger.Info("script split into scenes",
		slog.String("workflow", t.WorkflowID),
		slog.Int("scenes", len(scenes)))
	return map[string]any{"scenes": scenes, "scene_count": len(scenes)}, nil
}

// parseBrief condenses a production brief into a working summary.
func (s *Script) parseBrief(ctx context.Context, t Trigger) (map[string]any, error) {
	text := stringParam(t.Context, "brief", "text")
	if text == "" {
		return nil, fault.Permanent(errors.New("parse_brief: no brief text in context"))
	}
	content, err := s.generate(ctx,
		"Summarize this production brief in a few plain sentences.", text)
	if err != nil {
		return nil, err
	}
	summary := strings.TrimSpace(content)
	if summary == "" {
		return nil, fmt.Errorf("parse_brief: model returned an empty summary")
	}
	return map[string]any{"summary": summary}, nil
}

// extractBeats lists the story beats of a summarized brief.
func (s *Script) extractBeats(ctx context.Context, t Trigger) (map[string]any, error) {
	text := stringParam(t.Context, "summary", "brief", "text")
	if text == "" {
		return nil, fault.Permanent(errors.New("extract_beats: nothing to extract from"))
	}
	content, err := s.generate(ctx, "List the story beats, one per line.", text)
	if err != nil {
		return nil, err
	}
	var beats []any
	for _, line := range splitLines(content) {
		beats = append(beats, map[string]any{
			"number": len(beats) + 1,
			"beat":   line,
		})
	}
	if len(beats) == 0 {
		return nil, fmt.Errorf("extract_beats: model output contained no beats")
	}
	return map[string]any{"beats": beats, "beat_count": len(beats)}, nil
}

// queryScenes answers the "scenes" data request with the scene list of a
// workflow, or the most recent split when none is named.
func (s *Script) queryScenes(_ context.Context, params map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf, _ := params["workflow_id"].(string); wf != "" {
		scenes, ok := s.scenes[wf]
		if !ok {
			return nil, fmt.Errorf("no scenes recorded for workflow %s", wf)
		}
		return map[string]any{"workflow_id": wf, "scenes": scenes}, nil
	}
	return map[string]any{"scenes": s.latest}, nil
}

// parseScenes turns model output into scene entries: one per non-empty
// line, numbered in order, with list markers stripped.
func parseScenes(content string) []any {
	var scenes []any
	for _, line := range splitLines(content) {
		scenes = append(scenes, map[string]any{
			"number":  len(scenes) + 1,
			"heading": line,
		})
	}
	return scenes
}

// splitLines yields the trimmed non-empty lines of model output with
// leading bullet and number markers removed.
func splitLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• \t")
		line = trimListNumber(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// trimListNumber strips "3." and "3)" style prefixes.
func trimListNumber(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	if s[i] == '.' || s[i] == ')' {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
