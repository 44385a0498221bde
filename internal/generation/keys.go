package generation

import (
	"fmt"

	"github.com/fpang/mj-relay/internal/jobsource"
)

// Target pairs a storage key with the URL to relay into it.
type Target struct {
	Key       string
	SourceURL string
}

// PreviewKey is the key of the preview grid for one repeat of a record:
// <style>/<id>_preview_<repeat>.
func PreviewKey(style, id string, repeat int) string {
	return fmt.Sprintf("%s/%s_preview_%d", style, id, repeat)
}

// UpscaleKey is the key of a variant: <style>/<id>_upscale_<repeat>_<variant>,
// where variant is the position in Result.VariantURLs, not the grid cell.
func UpscaleKey(style, id string, repeat, variant int) string {
	return fmt.Sprintf("%s/%s_upscale_%d_%d", style, id, repeat, variant)
}

// Targets lists the uploads for a result: preview first, then variants in order.
func Targets(rec jobsource.Record, repeat int, result *Result) []Target {
	if result.Empty() {
		return nil
	}
	targets := make([]Target, 0, 1+len(result.VariantURLs))
	if result.PreviewURL != "" {
		targets = append(targets, Target{Key: PreviewKey(rec.Style, rec.ID, repeat), SourceURL: result.PreviewURL})
	}
	for i, u := range result.VariantURLs {
		targets = append(targets, Target{Key: UpscaleKey(rec.Style, rec.ID, repeat, i), SourceURL: u})
	}
	return targets
}
