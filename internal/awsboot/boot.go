// Package awsboot wires the AWS clients a batch run needs.
//
// Every run needs AWS config and S3. The generation-service token may come
// from SSM Parameter Store, and the failure ledger (DynamoDB) and lifecycle
// events (EventBridge) are optional. This package keeps main a short
// composition of these helpers.
package awsboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mj-relay/internal/events"
	"github.com/fpang/mj-relay/internal/store"
)

// Clients holds the AWS config and the clients built from it.
type Clients struct {
	Config aws.Config
	S3     *s3.Client
	SSM    *ssm.Client
}

// Init loads the default AWS config (environment, shared profile, or
// instance role) and creates the S3 and SSM clients.
func Init(ctx context.Context) (Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return Clients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return Clients{
		Config: cfg,
		S3:     s3.NewFromConfig(cfg),
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// GetParameterAPI is the subset of *ssm.Client used for token lookup.
type GetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

var _ GetParameterAPI = (*ssm.Client)(nil)

// ResolveToken returns token if set, otherwise reads the SecureString
// parameter paramName. An empty result with no parameter is allowed: some
// proxies run without auth.
func ResolveToken(ctx context.Context, client GetParameterAPI, token, paramName string) (string, error) {
	if token != "" || paramName == "" {
		return token, nil
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read token from SSM %s: %w", paramName, err)
	}
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(start)).Msg("Generation service token loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}

// InitLedger creates the DynamoDB failure ledger, or returns nil when no
// table is configured.
func InitLedger(cfg aws.Config, tableName string) *store.DynamoLedger {
	if tableName == "" {
		log.Debug().Msg("Failure table not set, failures are only logged")
		return nil
	}
	return store.NewDynamoLedger(dynamodb.NewFromConfig(cfg), tableName)
}

// InitPublisher creates the EventBridge publisher, or returns nil when no
// bus is configured.
func InitPublisher(cfg aws.Config, bus string) *events.Publisher {
	if bus == "" {
		return nil
	}
	return events.NewPublisher(eventbridge.NewFromConfig(cfg), bus)
}
