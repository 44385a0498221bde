package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/fpang/mj-relay/internal/jobsource"
)

func seed(v int) *int { return &v }

func TestGenerateCollectsAllVariants(t *testing.T) {
	session := &fakeSession{}
	rec := jobsource.Record{ID: "p1", Style: "ink", Prompt: "cat", Seed: seed(7)}

	result, err := Generate(context.Background(), session, 1, rec, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.prompts[0] != "cat --seed 7" {
		t.Errorf("prompt = %q", session.prompts[0])
	}
	if result.PreviewURL != "https://cdn/cat --seed 7/grid.png" {
		t.Errorf("preview = %q", result.PreviewURL)
	}
	if len(result.VariantURLs) != 4 {
		t.Fatalf("expected 4 variants, got %d", len(result.VariantURLs))
	}
	for i, idx := range []int{1, 2, 3, 4} {
		if session.upscaleCalls[i] != idx {
			t.Errorf("upscale call %d used index %d", i, session.upscaleCalls[i])
		}
	}
}

func TestGenerateDropsFailedUpscaleKeepingOrder(t *testing.T) {
	session := &fakeSession{failUpscale: map[int]bool{2: true}}
	rec := jobsource.Record{ID: "p1", Style: "ink", Prompt: "cat"}

	result, err := Generate(context.Background(), session, 1, rec, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"https://cdn/cat/U1.png", "https://cdn/cat/U3.png", "https://cdn/cat/U4.png"}
	if len(result.VariantURLs) != len(want) {
		t.Fatalf("got %v", result.VariantURLs)
	}
	for i := range want {
		if result.VariantURLs[i] != want[i] {
			t.Errorf("variant %d = %s, want %s", i, result.VariantURLs[i], want[i])
		}
	}
}

func TestGenerateNoMessage(t *testing.T) {
	session := &fakeSession{noMessage: true}
	result, err := Generate(context.Background(), session, 1, jobsource.Record{ID: "a", Style: "s"}, 0)
	if err != nil || result != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", result, err)
	}
	if len(session.upscaleCalls) != 0 {
		t.Errorf("no upscales expected, got %v", session.upscaleCalls)
	}
}

func TestGenerateImagineError(t *testing.T) {
	boom := errors.New("websocket closed")
	session := &fakeSession{imagineErr: boom}
	_, err := Generate(context.Background(), session, 9, jobsource.Record{ID: "a", Style: "s"}, 0)

	var ge *GenerationError
	if !errors.As(err, &ge) || ge.Line != 9 || !errors.Is(err, boom) {
		t.Fatalf("expected GenerationError wrapping cause, got %v", err)
	}
}
