package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the ledger table.
const (
	pkPrefix = "RUN#"
	skPrefix = "LINE#"
)

// PutItemAPI is the subset of *dynamodb.Client used by DynamoLedger.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoLedger implements FailureLedger on a DynamoDB table.
type DynamoLedger struct {
	client    PutItemAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface checks.
var (
	_ FailureLedger = (*DynamoLedger)(nil)
	_ PutItemAPI    = (*dynamodb.Client)(nil)
)

// NewDynamoLedger creates a ledger writing to tableName.
func NewDynamoLedger(client PutItemAPI, tableName string) *DynamoLedger {
	return &DynamoLedger{client: client, tableName: tableName, now: time.Now}
}

// runPK returns the partition key for a run.
func runPK(runID string) string {
	return pkPrefix + runID
}

// failureSK orders failures by line. Lines are zero-padded so the string
// order matches the numeric order.
func failureSK(rec *FailureRecord) string {
	return fmt.Sprintf("%s%09d#%s#%s", skPrefix, rec.Line, rec.Stage, rec.Key)
}

// PutFailure writes rec with PK, SK, and TTL.
func (s *DynamoLedger) PutFailure(ctx context.Context, rec *FailureRecord) error {
	if rec.CreatedAt == "" {
		rec.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	pk, sk := runPK(rec.RunID), failureSK(rec)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(FailureTTL).Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	log.Debug().Str("pk", pk).Str("sk", sk).Msg("Failure recorded")
	return nil
}
