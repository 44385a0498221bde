package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

type fakeBus struct {
	inputs []*eventbridge.PutEventsInput
	out    *eventbridge.PutEventsOutput
}

func (f *fakeBus) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.out != nil {
		return f.out, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestBatchFinishedDetailType(t *testing.T) {
	tests := []struct {
		name string
		ev   BatchFinished
		want string
	}{
		{"completed", BatchFinished{RunID: "r1", State: "done", LineCount: 3}, DetailBatchCompleted},
		{"failed", BatchFinished{RunID: "r1", State: "failed", ResumeLine: 120, Error: "disk"}, DetailBatchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{}
			if err := NewPublisher(bus, "default").BatchFinished(context.Background(), tt.ev); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			entry := bus.inputs[0].Entries[0]
			if aws.ToString(entry.DetailType) != tt.want || aws.ToString(entry.Source) != Source || aws.ToString(entry.EventBusName) != "default" {
				t.Errorf("unexpected entry: %+v", entry)
			}
			var detail BatchFinished
			if err := json.Unmarshal([]byte(aws.ToString(entry.Detail)), &detail); err != nil {
				t.Fatalf("detail JSON: %v", err)
			}
			if detail != tt.ev {
				t.Errorf("detail = %+v, want %+v", detail, tt.ev)
			}
		})
	}
}

func TestBatchFinishedFailedEntry(t *testing.T) {
	bus := &fakeBus{out: &eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries: []eventbridgetypes.PutEventsResultEntry{
			{ErrorCode: aws.String("AccessDenied"), ErrorMessage: aws.String("no")},
		},
	}}
	err := NewPublisher(bus, "b").BatchFinished(context.Background(), BatchFinished{RunID: "r"})
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("expected entry failure, got %v", err)
	}
}
