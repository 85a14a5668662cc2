package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/slateworks/slate/agent"
	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/catalog"
	"github.com/slateworks/slate/fault"
)

const (
	defaultDamID      = "dam_agent"
	defaultAssetLimit = 3
)

// DamConfig wires the digital asset management agent.
type DamConfig struct {
	ID      string
	Bus     bus.Bus
	Catalog *catalog.Catalog
	Logger  *slog.Logger
	Faults  *fault.Handler

	// Name overrides the profile default.
	Name string

	// AssetLimit caps the assets matched per scene. Zero means 3.
	AssetLimit int
}

// Dam is the asset librarian: it matches catalog assets against scenes
// and serves asset lookups.
type Dam struct {
	cfg    DamConfig
	rt     *agent.Runtime
	logger *slog.Logger
}

// NewDam creates the dam agent in lifecycle created.
func NewDam(cfg DamConfig) (*Dam, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("dam agent: bus is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("dam agent: catalog is required")
	}
	if cfg.ID == "" {
		cfg.ID = defaultDamID
	}
	if cfg.AssetLimit <= 0 {
		cfg.AssetLimit = defaultAssetLimit
	}
	if cfg.Name == "" {
		cfg.Name = "DAM"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dam{cfg: cfg, logger: logger}
	d.rt = agent.NewRuntime(agent.Config{
		ID: cfg.ID,
		Profile: agent.Profile{
			Name:         cfg.Name,
			Role:         "dam",
			Capabilities: []string{"match_assets"},
		},
		Bus:    cfg.Bus,
		Logger: logger,
		Faults: cfg.Faults,
	})
	d.rt.RegisterTask("match_assets", stepTask(d.rt, cfg.Bus, d.matchAssets))
	d.rt.RegisterQuery("assets", d.queryAssets)
	return d, nil
}

// Runtime exposes the underlying agent runtime.
func (d *Dam) Runtime() *agent.Runtime { return d.rt }

// Start registers the agent, binds the asset matching step, and moves it
// to running.
func (d *Dam) Start(ctx context.Context) error {
	if err := d.rt.Register(); err != nil {
		return err
	}
	if err := bindStep(d.rt, d.cfg.Bus, "asset.match", d.matchAssets); err != nil {
		return err
	}
	return d.rt.Start(ctx)
}

// Stop shuts the agent down.
func (d *Dam) Stop(ctx context.Context) error {
	return d.rt.Stop(ctx)
}

// matchAssets looks up catalog assets for every scene in the workflow
// context, ranked by tag overlap.
func (d *Dam) matchAssets(_ context.Context, t Trigger) (map[string]any, error) {
	scenes := anySlice(t.Context["scenes"])
	if len(scenes) == 0 {
		return nil, fault.Permanent(errors.New("match_assets: no scenes in context"))
	}

	var matches []any
	total := 0
	for _, raw := range scenes {
		scene, _ := raw.(map[string]any)
		if scene == nil {
			continue
		}
		heading, _ := scene["heading"].(string)
		tags := sceneTags(heading)

		assets, err := d.cfg.Catalog.Search(catalog.Query{Tags: tags})
		if err != nil {
			return nil, fmt.Errorf("match_assets: %w", err)
		}
		best := rankAssets(assets, tags, d.cfg.AssetLimit)

		ids := make([]any, 0, len(best))
		names := make([]any, 0, len(best))
		for _, a := range best {
			ids = append(ids, a.ID)
			names = append(names, a.Name)
		}
		total += len(best)
		matches = append(matches, map[string]any{
			"scene":       intField(scene, "number"),
			"heading":     heading,
			"asset_ids":   ids,
			"asset_names": names,
		})
	}

	d.logger.Info("assets matched",
		slog.String("workflow", t.WorkflowID),
		slog.Int("scenes", len(matches)),
		slog.Int("assets", total))
	return map[string]any{"matches": matches, "match_count": total}, nil
}

// queryAssets answers the "assets" data request with a catalog search.
func (d *Dam) queryAssets(_ context.Context, params map[string]any) (map[string]any, error) {
	q := catalog.Query{Limit: 50}
	q.Kind, _ = params["kind"].(string)
	q.Text, _ = params["text"].(string)
	for _, v := range anySlice(params["tags"]) {
		if tag, ok := v.(string); ok {
			q.Tags = append(q.Tags, tag)
		}
	}

	assets, err := d.cfg.Catalog.Search(q)
	if err != nil {
		return nil, fmt.Errorf("asset search: %w", err)
	}
	out := make([]any, 0, len(assets))
	for _, a := range assets {
		out = append(out, map[string]any{
			"id":   a.ID,
			"name": a.Name,
			"kind": a.Kind,
			"path": a.Path,
			"tags": append([]string(nil), a.Tags...),
		})
	}
	return map[string]any{"assets": out, "count": len(out)}, nil
}

// sceneTags derives search tags from a scene heading: INT/EXT map to
// interior/exterior, the remaining words become tags.
func sceneTags(heading string) []string {
	h := strings.ToLower(heading)
	seen := make(map[string]bool)
	var tags []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	if strings.HasPrefix(h, "int") {
		add("interior")
	}
	if strings.HasPrefix(h, "ext") {
		add("exterior")
	}
	words := strings.FieldsFunc(h, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		if len(w) < 3 || w == "int" || w == "ext" {
			continue
		}
		add(w)
	}
	return tags
}

// rankAssets orders assets by how many wanted tags they carry and keeps
// the top limit.
func rankAssets(assets []*catalog.Asset, wanted []string, limit int) []*catalog.Asset {
	want := make(map[string]bool, len(wanted))
	for _, t := range wanted {
		want[t] = true
	}
	overlap := func(a *catalog.Asset) int {
		n := 0
		for _, t := range a.Tags {
			if want[t] {
				n++
			}
		}
		return n
	}
	sort.SliceStable(assets, func(i, j int) bool {
		oi, oj := overlap(assets[i]), overlap(assets[j])
		if oi != oj {
			return oi > oj
		}
		return assets[i].Name < assets[j].Name
	})
	if len(assets) > limit {
		assets = assets[:limit]
	}
	return assets
}
