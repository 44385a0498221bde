package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeDynamo struct {
	inputs []*dynamodb.PutItemInput
	err    error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func str(t *testing.T, av types.AttributeValue) string {
	t.Helper()
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("expected string attribute, got %T", av)
	}
	return s.Value
}

func TestPutFailureItemShape(t *testing.T) {
	client := &fakeDynamo{}
	ledger := NewDynamoLedger(client, "mj-failures")
	ledger.now = func() time.Time { return time.Unix(1000, 0) }

	err := ledger.PutFailure(context.Background(), &FailureRecord{
		RunID:    "run-1",
		Line:     42,
		Stage:    "relay",
		RecordID: "p1",
		Key:      "ink/p1_preview_0",
		Error:    "part 3 failed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := client.inputs[0]
	if *in.TableName != "mj-failures" {
		t.Errorf("table = %s", *in.TableName)
	}
	if got := str(t, in.Item["PK"]); got != "RUN#run-1" {
		t.Errorf("PK = %s", got)
	}
	if got := str(t, in.Item["SK"]); got != "LINE#000000042#relay#ink/p1_preview_0" {
		t.Errorf("SK = %s", got)
	}
	if got := str(t, in.Item["createdAt"]); got != "1970-01-01T00:16:40Z" {
		t.Errorf("createdAt = %s", got)
	}
	ttl := in.Item["expiresAt"].(*types.AttributeValueMemberN).Value
	if ttl != "2593000" {
		t.Errorf("expiresAt = %s", ttl)
	}
	if _, ok := in.Item["RunID"]; ok {
		t.Error("run id belongs in PK only")
	}
}

func TestPutFailureError(t *testing.T) {
	ledger := NewDynamoLedger(&fakeDynamo{err: errors.New("throttled")}, "t")
	err := ledger.PutFailure(context.Background(), &FailureRecord{RunID: "r", Line: 1, Stage: "parse"})
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}
