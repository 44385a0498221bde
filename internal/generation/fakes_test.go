package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fpang/mj-relay/internal/imagine"
)

// fakeSession scripts the generation service.
type fakeSession struct {
	mu           sync.Mutex
	imagineErr   error
	noMessage    bool
	failUpscale  map[int]bool
	prompts      []string
	upscaleCalls []int
}

func (f *fakeSession) Imagine(_ context.Context, prompt string, onProgress imagine.ProgressFunc) (*imagine.Message, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if onProgress != nil {
		onProgress("", "50%")
	}
	if f.imagineErr != nil {
		return nil, f.imagineErr
	}
	if f.noMessage {
		return nil, nil
	}
	return &imagine.Message{URI: "https://cdn/" + prompt + "/grid.png", Content: prompt, ID: "m", Hash: "h"}, nil
}

func (f *fakeSession) Upscale(_ context.Context, content string, index int, msgID, hash string, _ imagine.ProgressFunc) (*imagine.Message, error) {
	f.mu.Lock()
	f.upscaleCalls = append(f.upscaleCalls, index)
	f.mu.Unlock()
	if msgID != "m" || hash != "h" {
		return nil, fmt.Errorf("unexpected handles %s/%s", msgID, hash)
	}
	if f.failUpscale[index] {
		return nil, errors.New("upscale timeout")
	}
	return &imagine.Message{URI: fmt.Sprintf("https://cdn/%s/U%d.png", content, index)}, nil
}

// fakeRelayer records relays and fails selected keys.
type fakeRelayer struct {
	mu      sync.Mutex
	fail    map[string]bool
	relayed []Target
}

func (f *fakeRelayer) Relay(_ context.Context, key, sourceURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[key] {
		return errors.New("injected relay failure")
	}
	f.relayed = append(f.relayed, Target{Key: key, SourceURL: sourceURL})
	return nil
}
