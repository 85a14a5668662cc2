package workflow

import "testing"

func TestBuiltins_AreValid(t *testing.T) {
	for name, pl := range Builtins() {
		if name != pl.Type {
			t.Errorf("catalog key %q != pipeline type %q", name, pl.Type)
		}
		if err := pl.Validate(); err != nil {
			t.Errorf("builtin %s invalid: %v", name, err)
		}
		for _, s := range pl.Steps {
			if s.Topic == "" {
				t.Errorf("builtin %s step %s has no topic", name, s.Name)
			}
		}
	}
}

func TestPipeline_NextStep(t *testing.T) {
	pl := Builtins()["beatboard"]

	s, ok := pl.NextStep(nil)
	if !ok || s.Name != "split_scenes" {
		t.Fatalf("NextStep(nil) = %q, %v; want split_scenes", s.Name, ok)
	}
	s, ok = pl.NextStep([]string{"split_scenes"})
	if !ok || s.Name != "match_assets" {
		t.Fatalf("NextStep = %q, %v; want match_assets", s.Name, ok)
	}
	// Completion order does not matter, only membership.
	s, ok = pl.NextStep([]string{"match_assets", "split_scenes"})
	if !ok || s.Name != "assemble_board" {
		t.Fatalf("NextStep = %q, %v; want assemble_board", s.Name, ok)
	}
	if _, ok := pl.NextStep([]string{"split_scenes", "match_assets", "assemble_board"}); ok {
		t.Fatal("NextStep on a finished pipeline returned a step")
	}
}

func TestPipeline_Validate(t *testing.T) {
	cases := []struct {
		name string
		pl   Pipeline
		ok   bool
	}{
		{"valid", Pipeline{Type: "x", Steps: []Step{{Name: "a"}}}, true},
		{"no type", Pipeline{Steps: []Step{{Name: "a"}}}, false},
		{"no steps", Pipeline{Type: "x"}, false},
		{"unnamed step", Pipeline{Type: "x", Steps: []Step{{Topic: "t"}}}, false},
		{"duplicate step", Pipeline{Type: "x", Steps: []Step{{Name: "a"}, {Name: "a"}}}, false},
	}
	for _, tc := range cases {
		err := tc.pl.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: Validate = %v, want nil", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: Validate = nil, want error", tc.name)
		}
	}
}

func TestParsePipelines_MergesOverBuiltins(t *testing.T) {
	data := []byte(`
pipelines:
  - type: beatboard
    steps:
      - name: split_scenes
      - name: assemble_board
        confirm: true
  - type: dailies
    steps:
      - name: collect_takes
        topic: takes.collect
      - name: publish_reel
`)
	got, err := ParsePipelines(data)
	if err != nil {
		t.Fatalf("ParsePipelines: %v", err)
	}

	bb, ok := got["beatboard"]
	if !ok {
		t.Fatal("beatboard missing after merge")
	}
	if len(bb.Steps) != 2 {
		t.Errorf("beatboard steps = %d, want the file's 2", len(bb.Steps))
	}
	if bb.Steps[0].Topic != "step.split_scenes" {
		t.Errorf("default topic = %q, want step.split_scenes", bb.Steps[0].Topic)
	}

	dl, ok := got["dailies"]
	if !ok {
		t.Fatal("dailies missing")
	}
	if dl.Steps[0].Topic != "takes.collect" {
		t.Errorf("explicit topic = %q, want takes.collect", dl.Steps[0].Topic)
	}
	if dl.Steps[1].Topic != "step.publish_reel" {
		t.Errorf("default topic = %q, want step.publish_reel", dl.Steps[1].Topic)
	}

	// Untouched builtins survive the merge.
	if _, ok := got["intake"]; !ok {
		t.Error("intake builtin lost in merge")
	}
}

func TestParsePipelines_RejectsInvalid(t *testing.T) {
	if _, err := ParsePipelines([]byte("pipelines:\n  - type: broken\n")); err == nil {
		t.Error("pipeline without steps accepted")
	}
	if _, err := ParsePipelines([]byte(":\tnot yaml")); err == nil {
		t.Error("malformed yaml accepted")
	}
}
