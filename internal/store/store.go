// Package store records job failures so they can be retried by hand.
//
// Every isolated failure in a run (a malformed line, a generation error, a
// relay that did not complete) becomes one item in a DynamoDB table. Items
// for a run share a partition key (RUN#{runId}); the sort key orders them by
// line (LINE#{line}#{stage}#{key}). A TTL attribute (expiresAt) removes them
// after FailureTTL.
//
// This is a report, not a checkpoint: nothing reads it back to resume a run.
package store

import (
	"context"
	"time"
)

// FailureTTL is how long failure records are kept.
const FailureTTL = 30 * 24 * time.Hour

// FailureRecord is one isolated failure.
type FailureRecord struct {
	RunID     string `dynamodbav:"-"`
	Line      int    `dynamodbav:"line"`
	Stage     string `dynamodbav:"stage"`
	RecordID  string `dynamodbav:"recordId,omitempty"`
	Key       string `dynamodbav:"key,omitempty"`
	Error     string `dynamodbav:"error"`
	CreatedAt string `dynamodbav:"createdAt"`
}

// FailureLedger persists failure records.
type FailureLedger interface {
	PutFailure(ctx context.Context, rec *FailureRecord) error
}
