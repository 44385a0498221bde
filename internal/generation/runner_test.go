package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/fpang/mj-relay/internal/jobsource"
)

func TestRunRelaysPreviewThenVariants(t *testing.T) {
	session := &fakeSession{failUpscale: map[int]bool{2: true}}
	relayer := &fakeRelayer{}
	r := &Runner{Session: session, Relayer: relayer, Repeat: 1}

	out := r.Run(context.Background(), jobsource.Line{Number: 4, Text: `{"id":"p1","style":"ink","prompt":"cat"}`})

	if out.Status != StatusOK || out.Uploaded != 4 || len(out.Failures) != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	wantKeys := []string{"ink/p1_preview_0", "ink/p1_upscale_0_0", "ink/p1_upscale_0_1", "ink/p1_upscale_0_2"}
	wantURLs := []string{"https://cdn/cat/grid.png", "https://cdn/cat/U1.png", "https://cdn/cat/U3.png", "https://cdn/cat/U4.png"}
	for i := range wantKeys {
		if relayer.relayed[i].Key != wantKeys[i] || relayer.relayed[i].SourceURL != wantURLs[i] {
			t.Errorf("relay %d = %+v", i, relayer.relayed[i])
		}
	}
}

func TestRunRepeatsProduceSeparateKeySets(t *testing.T) {
	relayer := &fakeRelayer{}
	r := &Runner{Session: &fakeSession{}, Relayer: relayer, Repeat: 2}

	out := r.Run(context.Background(), jobsource.Line{Number: 1, Text: `{"id":"p1","style":"ink","prompt":"cat"}`})
	if out.Uploaded != 10 {
		t.Fatalf("expected 10 uploads across 2 repeats, got %d", out.Uploaded)
	}
	if relayer.relayed[5].Key != "ink/p1_preview_1" {
		t.Errorf("second repeat should start with its preview, got %s", relayer.relayed[5].Key)
	}
}

func TestRunParseFailure(t *testing.T) {
	session := &fakeSession{}
	relayer := &fakeRelayer{}
	r := &Runner{Session: session, Relayer: relayer, Repeat: 1}

	out := r.Run(context.Background(), jobsource.Line{Number: 2, Text: `{not json`})
	if out.Status != StatusFailed || !out.IsParseFailure() {
		t.Fatalf("expected parse failure, got %+v", out)
	}
	if len(session.prompts) != 0 || len(relayer.relayed) != 0 {
		t.Error("malformed line must not reach the session or storage")
	}
}

func TestRunNoMessageIsSkipped(t *testing.T) {
	relayer := &fakeRelayer{}
	r := &Runner{Session: &fakeSession{noMessage: true}, Relayer: relayer, Repeat: 1}

	out := r.Run(context.Background(), jobsource.Line{Number: 1, Text: `{"id":"p1","style":"ink","prompt":"cat"}`})
	if out.Status != StatusSkipped || len(out.Failures) != 0 {
		t.Fatalf("expected skipped outcome, got %+v", out)
	}
	if len(relayer.relayed) != 0 {
		t.Errorf("expected zero uploads, got %d", len(relayer.relayed))
	}
}

func TestRunRelayFailureContinues(t *testing.T) {
	relayer := &fakeRelayer{fail: map[string]bool{"ink/p1_preview_0": true}}
	r := &Runner{Session: &fakeSession{}, Relayer: relayer, Repeat: 1}

	out := r.Run(context.Background(), jobsource.Line{Number: 3, Text: `{"id":"p1","style":"ink","prompt":"cat"}`})
	if out.Status != StatusOK || out.Uploaded != 4 {
		t.Fatalf("remaining uploads should still run, got %+v", out)
	}
	if len(out.Failures) != 1 || out.Failures[0].Key != "ink/p1_preview_0" || out.Failures[0].Stage != StageRelay {
		t.Errorf("unexpected failures: %+v", out.Failures)
	}
}

func TestRunGenerationFailure(t *testing.T) {
	r := &Runner{Session: &fakeSession{imagineErr: errors.New("down")}, Relayer: &fakeRelayer{}, Repeat: 2}

	out := r.Run(context.Background(), jobsource.Line{Number: 3, Text: `{"id":"p1","style":"ink","prompt":"cat"}`})
	if out.Status != StatusFailed || len(out.Failures) != 2 {
		t.Fatalf("expected a failure per repeat, got %+v", out)
	}
	for _, f := range out.Failures {
		if f.Stage != StageGenerate || f.RecordID != "p1" {
			t.Errorf("unexpected failure: %+v", f)
		}
	}
}
