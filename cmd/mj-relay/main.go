package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/mj-relay/internal/config"
)

// CLI flags. A flag only overrides the config file and environment when it
// was set explicitly.
var (
	configFlag          string
	sourceFlag          string
	concurrencyFlag     int
	repeatFlag          int
	startLineFlag       int
	policyFlag          string
	jitterFlag          time.Duration
	bucketFlag          string
	keyPrefixFlag       string
	taggingFlag         string
	partSizeFlag        int
	partConcurrencyFlag int
	serviceURLFlag      string
	serverIDFlag        string
	channelIDFlag       string
	tokenParamFlag      string
	submitRateFlag      float64
	failureTableFlag    string
	eventBusFlag        string
	emfFlag             bool
	logLevelFlag        string
)

var rootCmd = &cobra.Command{
	Use:   "mj-relay",
	Short: "Generate artwork for a JSONL job file and relay it into S3",
	Long: `mj-relay reads a JSON-lines job file, submits every record's prompt to the
generation service, and streams the preview grid and each upscaled variant
into an S3 bucket under deterministic keys.

Each line is a JSON object with "id", "style", "prompt" and an optional
"seed". The id is the last segment of every object key, so a record whose id
contains "/" is rejected as malformed, as is any line over 1 MiB.

Jobs run with bounded concurrency. Failed jobs are logged (and recorded in
DynamoDB when --failure-table is set) without stopping the batch. If the job
file cannot be read, or the run is interrupted, the line to resume from is
printed; pass it back with --start-line.

Examples:
  mj-relay -s prompts.jsonl --service-url http://localhost:8080
  mj-relay -s prompts.jsonl.zst -c 8 -r 2 --policy slots
  mj-relay --config batch.yaml --start-line 4200`,
	SilenceUsage: true,
	RunE:         runMain,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configFlag, "config", "", "YAML config file")
	f.StringVarP(&sourceFlag, "source", "s", "", "Job file (JSONL, optionally .gz or .zst); records need id and style, and an id containing \"/\" is rejected")
	f.IntVarP(&concurrencyFlag, "concurrency", "c", 0, "Maximum jobs in flight (window size)")
	f.IntVarP(&repeatFlag, "repeat", "r", 0, "Generation attempts per record")
	f.IntVar(&startLineFlag, "start-line", 0, "First line to process; earlier lines are skipped")
	f.StringVar(&policyFlag, "policy", "", "Admission policy: window or slots")
	f.DurationVar(&jitterFlag, "jitter", 0, "Per-position start delay step")
	f.StringVar(&bucketFlag, "bucket", "", "Destination S3 bucket")
	f.StringVar(&keyPrefixFlag, "key-prefix", "", "Prefix for every object key")
	f.StringVar(&taggingFlag, "tagging", "", "URL-encoded S3 tag set for every object, e.g. Project=pipencil")
	f.IntVar(&partSizeFlag, "part-size-mb", 0, "Multipart part size in MB (5 to 512)")
	f.IntVar(&partConcurrencyFlag, "part-concurrency", 0, "Parts uploaded in parallel per object")
	f.StringVar(&serviceURLFlag, "service-url", "", "Generation service base URL")
	f.StringVar(&serverIDFlag, "server-id", "", "Generation server id")
	f.StringVar(&channelIDFlag, "channel-id", "", "Generation channel id")
	f.StringVar(&tokenParamFlag, "token-param", "", "SSM parameter holding the service token (when MJ_TOKEN is unset)")
	f.Float64Var(&submitRateFlag, "submit-rate", 0, "Submissions per second to the generation service (0 = unlimited)")
	f.StringVar(&failureTableFlag, "failure-table", "", "DynamoDB table for failure records")
	f.StringVar(&eventBusFlag, "event-bus", "", "EventBridge bus for batch lifecycle events")
	f.BoolVar(&emfFlag, "emf", false, "Print a CloudWatch EMF metrics line when the run ends")
	f.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return cfg, err
	}

	set := cmd.Flags().Changed
	if set("source") {
		cfg.SourcePath = sourceFlag
	}
	if set("concurrency") {
		cfg.Concurrency = concurrencyFlag
	}
	if set("repeat") {
		cfg.Repeat = repeatFlag
	}
	if set("start-line") {
		cfg.StartLine = startLineFlag
	}
	if set("policy") {
		cfg.Policy = policyFlag
	}
	if set("jitter") {
		cfg.Jitter = jitterFlag
	}
	if set("bucket") {
		cfg.Bucket = bucketFlag
	}
	if set("key-prefix") {
		cfg.KeyPrefix = keyPrefixFlag
	}
	if set("tagging") {
		cfg.Tagging = taggingFlag
	}
	if set("part-size-mb") {
		cfg.PartSizeMB = partSizeFlag
	}
	if set("part-concurrency") {
		cfg.PartConcurrency = partConcurrencyFlag
	}
	if set("service-url") {
		cfg.ServiceURL = serviceURLFlag
	}
	if set("server-id") {
		cfg.ServerID = serverIDFlag
	}
	if set("channel-id") {
		cfg.ChannelID = channelIDFlag
	}
	if set("token-param") {
		cfg.TokenParam = tokenParamFlag
	}
	if set("submit-rate") {
		cfg.SubmitRate = submitRateFlag
	}
	if set("failure-table") {
		cfg.FailureTable = failureTableFlag
	}
	if set("event-bus") {
		cfg.EventBus = eventBusFlag
	}
	if set("emf") {
		cfg.EmitMetrics = emfFlag
	}
	if set("log-level") {
		cfg.LogLevel = logLevelFlag
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
