package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/slateworks/slate/agent"
	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/fault"
)

const defaultBoardID = "board_agent"

// BoardConfig wires the board agent.
type BoardConfig struct {
	ID     string
	Bus    bus.Bus
	Logger *slog.Logger
	Faults *fault.Handler

	// Name overrides the profile default.
	Name string
}

// Board is the assembly agent: it composes the beatboard from scenes and
// asset matches, derives the render manifest, and packages previews. Pure
// assembly from workflow context, no model calls.
type Board struct {
	cfg    BoardConfig
	rt     *agent.Runtime
	logger *slog.Logger

	mu     sync.Mutex
	boards map[string]map[string]any // by workflow id
	latest map[string]any
}

// NewBoard creates the board agent in lifecycle created.
func NewBoard(cfg BoardConfig) (*Board, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("board agent: bus is required")
	}
	if cfg.ID == "" {
		cfg.ID = defaultBoardID
	}
	if cfg.Name == "" {
		cfg.Name = "Board"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Board{
		cfg:    cfg,
		logger: logger,
		boards: make(map[string]map[string]any),
	}
	b.rt = agent.NewRuntime(agent.Config{
		ID: cfg.ID,
		Profile: agent.Profile{
			Name:         cfg.Name,
			Role:         "board",
			Capabilities: []string{"assemble_board", "render_manifest", "package_preview"},
		},
		Bus:    cfg.Bus,
		Logger: logger,
		Faults: cfg.Faults,
	})
	b.rt.RegisterTask("assemble_board", stepTask(b.rt, cfg.Bus, b.assembleBoard))
	b.rt.RegisterTask("render_manifest", stepTask(b.rt, cfg.Bus, b.renderManifest))
	b.rt.RegisterTask("package_preview", stepTask(b.rt, cfg.Bus, b.packagePreview))
	b.rt.RegisterQuery("board", b.queryBoard)
	return b, nil
}

// Runtime exposes the underlying agent runtime.
func (b *Board) Runtime() *agent.Runtime { return b.rt }

// Start registers the agent, binds its step topics, and moves it to
// running.
func (b *Board) Start(ctx context.Context) error {
	if err := b.rt.Register(); err != nil {
		return err
	}
	steps := map[string]stepFunc{
		"board.assemble":  b.assembleBoard,
		"preview.render":  b.renderManifest,
		"preview.package": b.packagePreview,
	}
	for topic, fn := range steps {
		if err := bindStep(b.rt, b.cfg.Bus, topic, fn); err != nil {
			return err
		}
	}
	return b.rt.Start(ctx)
}

// Stop shuts the agent down.
func (b *Board) Stop(ctx context.Context) error {
	return b.rt.Stop(ctx)
}

// assembleBoard composes the beatboard: one panel per scene, each panel
// carrying the assets matched to it.
func (b *Board) assembleBoard(_ context.Context, t Trigger) (map[string]any, error) {
	scenes := anySlice(t.Context["scenes"])
	if len(scenes) == 0 {
		return nil, fault.Permanent(errors.New("assemble_board: no scenes in context"))
	}

	matchByScene := make(map[int]map[string]any)
	for _, raw := range anySlice(t.Context["matches"]) {
		if m, _ := raw.(map[string]any); m != nil {
			matchByScene[intField(m, "scene")] = m
		}
	}

	title := stringParam(t.Context, "title", "project")
	if title == "" {
		title = t.ProjectID
	}
	if title == "" {
		title = "untitled"
	}

	var panels []any
	for _, raw := range scenes {
		scene, _ := raw.(map[string]any)
		if scene == nil {
			continue
		}
		num := intField(scene, "number")
		heading, _ := scene["heading"].(string)
		panel := map[string]any{
			"number":  num,
			"title":   titleCase(heading),
			"heading": heading,
		}
		if m := matchByScene[num]; m != nil {
			panel["asset_ids"] = anySlice(m["asset_ids"])
			panel["asset_names"] = anySlice(m["asset_names"])
		}
		panels = append(panels, panel)
	}
	if len(panels) == 0 {
		return nil, fault.Permanent(errors.New("assemble_board: no usable scenes"))
	}

	board := map[string]any{
		"title":       titleCase(title),
		"workflow_id": t.WorkflowID,
		"panels":      panels,
		"panel_count": len(panels),
	}

	b.mu.Lock()
	b.latest = board
	if t.WorkflowID != "" {
		b.boards[t.WorkflowID] = board
	}
	b.mu.Unlock()

	b.logger.Info("beatboard assembled",
		slog.String("workflow", t.WorkflowID),
		slog.Int("panels", len(panels)))
	return map[string]any{"board": board, "panel_count": len(panels)}, nil
}

// renderManifest derives the preview render manifest from the assembled
// board.
func (b *Board) renderManifest(_ context.Context, t Trigger) (map[string]any, error) {
	board, _ := t.Context["board"].(map[string]any)
	if board == nil {
		return nil, fault.Permanent(errors.New("render_manifest: no board in context"))
	}
	panels := anySlice(board["panels"])
	if len(panels) == 0 {
		return nil, fault.Permanent(errors.New("render_manifest: board has no panels"))
	}

	var entries []any
	for _, raw := range panels {
		panel, _ := raw.(map[string]any)
		if panel == nil {
			continue
		}
		entries = append(entries, map[string]any{
			"panel":   intField(panel, "number"),
			"title":   panel["title"],
			"assets":  anySlice(panel["asset_ids"]),
			"seconds": 3,
		})
	}
	manifest := map[string]any{
		"format":      "h264",
		"fps":         24,
		"entries":     entries,
		"entry_count": len(entries),
	}
	return map[string]any{"manifest": manifest}, nil
}

// packagePreview names the preview bundle built from a render manifest.
func (b *Board) packagePreview(_ context.Context, t Trigger) (map[string]any, error) {
	manifest, _ := t.Context["manifest"].(map[string]any)
	if manifest == nil {
		return nil, fault.Permanent(errors.New("package_preview: no manifest in context"))
	}
	pkg := map[string]any{
		"path":    fmt.Sprintf("previews/%s.tar", t.WorkflowID),
		"entries": intField(manifest, "entry_count"),
		"format":  manifest["format"],
	}
	return map[string]any{"package": pkg}, nil
}

// queryBoard answers the "board" data request with the assembled board of
// a workflow, or the most recent one when none is named.
func (b *Board) queryBoard(_ context.Context, params map[string]any) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wf, _ := params["workflow_id"].(string); wf != "" {
		board, ok := b.boards[wf]
		if !ok {
			return nil, fmt.Errorf("no board assembled for workflow %s", wf)
		}
		return map[string]any{"workflow_id": wf, "board": board}, nil
	}
	if b.latest == nil {
		return nil, errors.New("no board assembled yet")
	}
	return map[string]any{"board": b.latest}, nil
}

// titleCase renders a display title. Casers are stateful, so each call
// builds its own.
func titleCase(s string) string {
	return cases.Title(language.English).String(strings.ToLower(s))
}
