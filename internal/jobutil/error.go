// Package jobutil reports isolated job failures.
//
// ReportFailures unifies the "log it with enough context to retry by hand,
// then persist it if a ledger is configured" pattern for every failure a job
// hands back to the scheduler.
package jobutil

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fpang/mj-relay/internal/generation"
	"github.com/fpang/mj-relay/internal/store"
)

// ErrorWriter persists one failure record. A nil writer only logs.
type ErrorWriter func(ctx context.Context, rec *store.FailureRecord) error

// ReportFailures logs each failure in out and hands it to write. Write
// errors are logged and otherwise ignored; they never affect the batch.
func ReportFailures(ctx context.Context, runID string, out generation.Outcome, write ErrorWriter) {
	for _, f := range out.Failures {
		evt := log.Warn().
			Str("runId", runID).
			Int("line", f.Line).
			Str("stage", f.Stage)
		if f.RecordID != "" {
			evt = evt.Str("id", f.RecordID)
		}
		if f.Key != "" {
			evt = evt.Str("key", f.Key)
		}
		evt.Err(f.Err).Msg("Job failure recorded for manual retry")

		if write == nil {
			continue
		}
		rec := &store.FailureRecord{
			RunID:    runID,
			Line:     f.Line,
			Stage:    f.Stage,
			RecordID: f.RecordID,
			Key:      f.Key,
			Error:    errString(f.Err),
		}
		if err := write(ctx, rec); err != nil {
			log.Error().Err(err).Str("runId", runID).Int("line", f.Line).Msg("Failed to persist job failure")
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
