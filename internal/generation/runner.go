package generation

import (
	"context"
	"errors"

	"github.com/fpang/mj-relay/internal/jobsource"
	"github.com/rs/zerolog/log"
)

// Relayer copies a remote resource into storage under key.
type Relayer interface {
	Relay(ctx context.Context, key, sourceURL string) error
}

// Status is the overall result of a job.
type Status int

const (
	// StatusOK means at least one object was stored.
	StatusOK Status = iota
	// StatusSkipped means generation produced nothing, which is not an error.
	StatusSkipped
	// StatusFailed means the job stored nothing and hit at least one failure.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Failure stages.
const (
	StageParse    = "parse"
	StageGenerate = "generate"
	StageRelay    = "relay"
)

// Failure is one isolated problem inside a job, with enough context to retry
// it by hand.
type Failure struct {
	Line     int
	RecordID string
	Stage    string
	Key      string // set for relay failures
	Err      error
}

// Outcome is what a job hands back to the scheduler. Jobs never return
// errors; every problem is captured here.
type Outcome struct {
	Line     int
	RecordID string
	Status   Status
	Uploaded int
	Failures []Failure
}

// Runner executes jobs against a shared session and relayer.
type Runner struct {
	Session Session
	Relayer Relayer
	Repeat  int
}

// Run parses line and performs Repeat independent generation attempts,
// relaying each attempt's outputs. Relays within an attempt run in order,
// preview first. A failed relay does not stop the remaining ones.
func (r *Runner) Run(ctx context.Context, line jobsource.Line) Outcome {
	out := Outcome{Line: line.Number}

	rec, err := jobsource.ParseRecord(line)
	if err != nil {
		out.Failures = append(out.Failures, Failure{Line: line.Number, Stage: StageParse, Err: err})
		out.Status = StatusFailed
		log.Error().Err(err).Int("line", line.Number).Msg("Skipping malformed record")
		return out
	}
	out.RecordID = rec.ID

	repeat := r.Repeat
	if repeat < 1 {
		repeat = 1
	}
	for i := 0; i < repeat; i++ {
		result, err := Generate(ctx, r.Session, line.Number, rec, i)
		if err != nil {
			out.Failures = append(out.Failures, Failure{Line: line.Number, RecordID: rec.ID, Stage: StageGenerate, Err: err})
			log.Error().Err(err).Int("line", line.Number).Str("id", rec.ID).Int("repeat", i).Msg("Generation failed")
			continue
		}
		if result.Empty() {
			continue
		}

		for _, target := range Targets(rec, i, result) {
			if err := r.Relayer.Relay(ctx, target.Key, target.SourceURL); err != nil {
				out.Failures = append(out.Failures, Failure{Line: line.Number, RecordID: rec.ID, Stage: StageRelay, Key: target.Key, Err: err})
				log.Error().Err(err).Int("line", line.Number).Str("key", target.Key).Msg("Relay failed")
				continue
			}
			out.Uploaded++
		}
	}

	switch {
	case out.Uploaded > 0:
		out.Status = StatusOK
	case len(out.Failures) > 0:
		out.Status = StatusFailed
	default:
		out.Status = StatusSkipped
	}
	return out
}

// IsParseFailure reports whether the outcome failed because the line was malformed.
func (o Outcome) IsParseFailure() bool {
	for _, f := range o.Failures {
		var pe *jobsource.ParseError
		if f.Stage == StageParse && errors.As(f.Err, &pe) {
			return true
		}
	}
	return false
}
