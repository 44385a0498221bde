package jobsource

import (
	"errors"
	"fmt"
)

// ErrLineTooLong marks a line longer than the per-record limit.
var ErrLineTooLong = errors.New("line exceeds 1 MiB limit")

// SourceError is a failure reading the job file itself. It ends the batch.
type SourceError struct {
	Line int // last line read before the failure
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("job source failed after line %d: %v", e.Line, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ParseError is a malformed record. Only the affected job is skipped.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: invalid record: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
