// Package generation runs one job: generate artwork for a record through the
// shared session, then relay the preview grid and every upscaled variant
// into storage under deterministic keys.
package generation

import (
	"context"
	"fmt"

	"github.com/fpang/mj-relay/internal/imagine"
	"github.com/fpang/mj-relay/internal/jobsource"
	"github.com/rs/zerolog/log"
)

// VariantIndices are the grid cells requested as upscales, in order.
var VariantIndices = [4]int{1, 2, 3, 4}

// Session is the generation service. The session is shared by every job in
// a run and is never closed here.
type Session interface {
	Imagine(ctx context.Context, prompt string, onProgress imagine.ProgressFunc) (*imagine.Message, error)
	Upscale(ctx context.Context, content string, index int, msgID, hash string, onProgress imagine.ProgressFunc) (*imagine.Message, error)
}

// Compile-time interface check.
var _ Session = (*imagine.Client)(nil)

// Result holds the image URLs produced by one generation attempt.
// VariantURLs keeps ascending grid order with failed cells left out.
type Result struct {
	PreviewURL  string
	VariantURLs []string
}

// Empty reports whether the attempt produced nothing to relay.
func (r *Result) Empty() bool {
	return r == nil || (r.PreviewURL == "" && len(r.VariantURLs) == 0)
}

// GenerationError is a failed imagine submission.
type GenerationError struct {
	Line int
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("line %d: generation failed: %v", e.Line, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generate submits rec's prompt and collects the preview and its upscales.
// It returns (nil, nil) when the service produced no usable message. A
// failed upscale only drops that variant.
func Generate(ctx context.Context, session Session, line int, rec jobsource.Record, repeat int) (*Result, error) {
	logger := log.With().Int("line", line).Str("id", rec.ID).Int("repeat", repeat).Logger()
	progress := func(_, p string) {
		logger.Debug().Str("progress", p).Msg("Loading progress")
	}

	msg, err := session.Imagine(ctx, rec.PromptText(), progress)
	if err != nil {
		return nil, &GenerationError{Line: line, Err: err}
	}
	if msg == nil {
		logger.Warn().Msg("Generation returned no message")
		return nil, nil
	}

	result := &Result{PreviewURL: msg.URI}
	for _, idx := range VariantIndices {
		up, err := session.Upscale(ctx, msg.Content, idx, msg.ID, msg.Hash, progress)
		if err != nil {
			logger.Warn().Err(err).Int("variant", idx).Msg("Upscale failed, dropping variant")
			continue
		}
		if up == nil || up.URI == "" {
			logger.Warn().Int("variant", idx).Msg("Upscale returned no image, dropping variant")
			continue
		}
		result.VariantURLs = append(result.VariantURLs, up.URI)
	}

	logger.Debug().Int("variants", len(result.VariantURLs)).Msg("Generation complete")
	return result, nil
}
