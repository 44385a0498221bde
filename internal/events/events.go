// Package events publishes batch lifecycle events to EventBridge so that
// downstream automation (alerts, a follow-up run from the resume line) can
// react to a run finishing.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

const (
	Source = "mj-relay"

	DetailBatchCompleted = "batch.completed"
	DetailBatchFailed    = "batch.failed"
)

// BatchFinished is the event detail for both completed and failed runs.
type BatchFinished struct {
	RunID      string `json:"runId"`
	State      string `json:"state"`
	SourcePath string `json:"sourcePath"`
	LineCount  int    `json:"lineCount"`
	ResumeLine int    `json:"resumeLine,omitempty"`
	Admitted   int    `json:"admitted"`
	Succeeded  int    `json:"succeeded"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Uploaded   int    `json:"uploaded"`
	Error      string `json:"error,omitempty"`
}

// PutEventsAPI is the subset of *eventbridge.Client used by Publisher.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

var _ PutEventsAPI = (*eventbridge.Client)(nil)

// Publisher sends events to one bus.
type Publisher struct {
	client PutEventsAPI
	bus    string
}

// NewPublisher creates a Publisher for the named bus.
func NewPublisher(client PutEventsAPI, bus string) *Publisher {
	return &Publisher{client: client, bus: bus}
}

// BatchFinished publishes ev as batch.completed, or batch.failed when ev
// carries an error.
func (p *Publisher) BatchFinished(ctx context.Context, ev BatchFinished) error {
	detail, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal BatchFinished: %w", err)
	}

	detailType := DetailBatchCompleted
	if ev.Error != "" {
		detailType = DetailBatchFailed
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{
			{
				EventBusName: aws.String(p.bus),
				Source:       aws.String(Source),
				DetailType:   aws.String(detailType),
				Detail:       aws.String(string(detail)),
			},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("runId", ev.RunID).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Str("runId", ev.RunID).Str("detailType", detailType).Msg("Batch event emitted to EventBridge")
	return nil
}
