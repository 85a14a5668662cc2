package roles

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/protocol"
)

func newTestBoard(t *testing.T) (*Board, *bus.InMemoryBus) {
	t.Helper()
	b := bus.NewInMemoryBus(nil)
	t.Cleanup(b.Close)

	board, err := NewBoard(BoardConfig{Bus: b})
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	if err := board.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = board.Stop(context.Background()) })
	return board, b
}

func boardContext() map[string]any {
	return map[string]any{
		"title": "launch film",
		"scenes": []any{
			map[string]any{"number": 1, "heading": "INT. OFFICE - DAY"},
			map[string]any{"number": 2, "heading": "EXT. ROOFTOP - SUNSET"},
		},
		"matches": []any{
			map[string]any{
				"scene":       1,
				"asset_ids":   []any{"a-1"},
				"asset_names": []any{"Office b-roll"},
			},
		},
	}
}

func TestBoard_AssembleStep(t *testing.T) {
	_, b := newTestBoard(t)
	done := watchDone(t, b, "observer")

	if err := b.Publish(context.Background(), trigger("board.assemble", "wf-1", "assemble_board", boardContext())); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}
	waitFor(t, 2*time.Second, "assemble completion", func() bool { return len(done()) == 1 })

	res := done()[0]
	if res["status"] != "success" {
		t.Fatalf("assemble failed: %v", res)
	}
	out, _ := res["output"].(map[string]any)
	board, _ := out["board"].(map[string]any)
	if board == nil {
		t.Fatalf("no board in output: %v", out)
	}
	if board["title"] != "Launch Film" {
		t.Errorf("title = %v, want Launch Film", board["title"])
	}

	panels := anySlice(board["panels"])
	if len(panels) != 2 {
		t.Fatalf("expected 2 panels, got %v", panels)
	}
	first, _ := panels[0].(map[string]any)
	if first["title"] != "Int. Office - Day" {
		t.Errorf("panel title = %v", first["title"])
	}
	if names := anySlice(first["asset_names"]); len(names) != 1 || names[0] != "Office b-roll" {
		t.Errorf("panel assets = %v", first["asset_names"])
	}
	second, _ := panels[1].(map[string]any)
	if _, ok := second["asset_ids"]; ok {
		t.Error("unmatched scene should carry no assets")
	}
}

func TestBoard_AssembleWithoutScenes(t *testing.T) {
	_, b := newTestBoard(t)
	done := watchDone(t, b, "observer")

	if err := b.Publish(context.Background(), trigger("board.assemble", "wf-2", "assemble_board", nil)); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}
	waitFor(t, 2*time.Second, "assemble failure", func() bool { return len(done()) == 1 })

	res := done()[0]
	if res["status"] != "error" || res["permanent"] != true {
		t.Fatalf("expected permanent failure, got %v", res)
	}
}

func TestBoard_RenderAndPackage(t *testing.T) {
	_, b := newTestBoard(t)
	done := watchDone(t, b, "observer")
	ctx := context.Background()

	if err := b.Publish(ctx, trigger("board.assemble", "wf-3", "assemble_board", boardContext())); err != nil {
		t.Fatalf("publish assemble: %v", err)
	}
	waitFor(t, 2*time.Second, "assemble", func() bool { return len(done()) == 1 })
	out, _ := done()[0]["output"].(map[string]any)

	// Feed the board forward the way the engine's context merge would.
	renderCtx := map[string]any{"board": out["board"]}
	if err := b.Publish(ctx, trigger("preview.render", "wf-3", "render_manifest", renderCtx)); err != nil {
		t.Fatalf("publish render: %v", err)
	}
	waitFor(t, 2*time.Second, "render", func() bool { return len(done()) == 2 })

	rres := done()[1]
	if rres["status"] != "success" {
		t.Fatalf("render failed: %v", rres)
	}
	rout, _ := rres["output"].(map[string]any)
	manifest, _ := rout["manifest"].(map[string]any)
	if manifest == nil || intField(manifest, "entry_count") != 2 {
		t.Fatalf("manifest = %v", rout)
	}

	pkgCtx := map[string]any{"manifest": manifest}
	if err := b.Publish(ctx, trigger("preview.package", "wf-3", "package_preview", pkgCtx)); err != nil {
		t.Fatalf("publish package: %v", err)
	}
	waitFor(t, 2*time.Second, "package", func() bool { return len(done()) == 3 })

	pres := done()[2]
	if pres["status"] != "success" {
		t.Fatalf("package failed: %v", pres)
	}
	pout, _ := pres["output"].(map[string]any)
	pkg, _ := pout["package"].(map[string]any)
	path, _ := pkg["path"].(string)
	if !strings.Contains(path, "wf-3") {
		t.Errorf("package path = %q, want workflow id inside", path)
	}
	if intField(pkg, "entries") != 2 {
		t.Errorf("package entries = %v", pkg["entries"])
	}
}

func TestBoard_Query(t *testing.T) {
	_, b := newTestBoard(t)
	done := watchDone(t, b, "observer")
	ctx := context.Background()

	if err := b.Publish(ctx, trigger("board.assemble", "wf-4", "assemble_board", boardContext())); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}
	waitFor(t, 2*time.Second, "assemble", func() bool { return len(done()) == 1 })

	req := protocol.NewDataRequest("tester", defaultBoardID, map[string]any{
		"query":       "board",
		"workflow_id": "wf-4",
	})
	resp := protocol.Request(ctx, b, req, time.Second)
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("query failed: %s %s", resp.Status, resp.Reason)
	}
	board, _ := resp.Data["board"].(map[string]any)
	if board == nil || board["title"] != "Launch Film" {
		t.Errorf("queried board = %v", resp.Data)
	}
}
