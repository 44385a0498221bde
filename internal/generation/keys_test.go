package generation

import (
	"testing"

	"github.com/fpang/mj-relay/internal/jobsource"
)

func TestKeyFormat(t *testing.T) {
	if got := PreviewKey("style_a", "prompt_id", 1); got != "style_a/prompt_id_preview_1" {
		t.Errorf("PreviewKey = %s", got)
	}
	if got := UpscaleKey("style_a", "prompt_id", 1, 3); got != "style_a/prompt_id_upscale_1_3" {
		t.Errorf("UpscaleKey = %s", got)
	}
}

func TestKeysAreInjective(t *testing.T) {
	// Ids and styles chosen to look like each other's key suffixes.
	ids := []string{"a", "a_preview_0", "a_upscale_0", "a_upscale_0_1", "1", "a_1"}
	styles := []string{"s", "s/t", "s_preview_0"}

	seen := map[string]string{}
	check := func(key, tuple string) {
		if prev, dup := seen[key]; dup {
			t.Errorf("key %q produced by both %s and %s", key, prev, tuple)
		}
		seen[key] = tuple
	}

	for _, style := range styles {
		for _, id := range ids {
			for r := 0; r < 3; r++ {
				check(PreviewKey(style, id, r), style+"|"+id+"|preview|"+string(rune('0'+r)))
				for v := 0; v < 4; v++ {
					check(UpscaleKey(style, id, r, v), style+"|"+id+"|"+string(rune('0'+r))+"|"+string(rune('0'+v)))
				}
			}
		}
	}
}

func TestTargetsOrder(t *testing.T) {
	rec := jobsource.Record{ID: "p1", Style: "ink"}
	result := &Result{PreviewURL: "P", VariantURLs: []string{"U1", "U3", "U4"}}

	targets := Targets(rec, 2, result)
	want := []Target{
		{"ink/p1_preview_2", "P"},
		{"ink/p1_upscale_2_0", "U1"},
		{"ink/p1_upscale_2_1", "U3"},
		{"ink/p1_upscale_2_2", "U4"},
	}
	if len(targets) != len(want) {
		t.Fatalf("got %v", targets)
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Errorf("target %d = %+v, want %+v", i, targets[i], want[i])
		}
	}

	if Targets(rec, 0, nil) != nil {
		t.Error("nil result must yield no targets")
	}
	if Targets(rec, 0, &Result{}) != nil {
		t.Error("empty result must yield no targets")
	}
}
