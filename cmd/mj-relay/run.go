package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/mj-relay/internal/awsboot"
	"github.com/fpang/mj-relay/internal/batch"
	"github.com/fpang/mj-relay/internal/config"
	"github.com/fpang/mj-relay/internal/events"
	"github.com/fpang/mj-relay/internal/generation"
	"github.com/fpang/mj-relay/internal/imagine"
	"github.com/fpang/mj-relay/internal/jobsource"
	"github.com/fpang/mj-relay/internal/jobutil"
	"github.com/fpang/mj-relay/internal/logging"
	"github.com/fpang/mj-relay/internal/metrics"
	"github.com/fpang/mj-relay/internal/relay"
)

const metricsNamespace = "MjRelay"

// runMain wires the run and drives it to completion. An interrupt stops
// admission; jobs already in flight still settle before it returns.
func runMain(cmd *cobra.Command, args []string) error {
	initStart := time.Now()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)
	runID := uuid.NewString()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := awsboot.Init(ctx)
	if err != nil {
		return err
	}
	token, err := awsboot.ResolveToken(ctx, clients.SSM, cfg.Token, cfg.TokenParam)
	if err != nil {
		return err
	}
	ledger := awsboot.InitLedger(clients.Config, cfg.FailureTable)
	publisher := awsboot.InitPublisher(clients.Config, cfg.EventBus)

	session := imagine.NewClient(imagine.Options{
		BaseURL:    cfg.ServiceURL,
		Token:      token,
		ServerID:   cfg.ServerID,
		ChannelID:  cfg.ChannelID,
		SubmitRate: cfg.SubmitRate,
	})
	if err := session.Init(ctx); err != nil {
		return fmt.Errorf("init generation session: %w", err)
	}
	defer session.Close()

	var bytesUploaded atomic.Int64
	uploader := relay.NewUploader(clients.S3, relay.Options{
		Bucket:          cfg.Bucket,
		KeyPrefix:       cfg.KeyPrefix,
		CacheControl:    cfg.CacheControl,
		ContentType:     cfg.ContentType,
		Tagging:         cfg.Tagging,
		PartSize:        cfg.PartSize(),
		PartConcurrency: cfg.PartConcurrency,
		OnStored: func(_ string, size int64) {
			bytesUploaded.Add(size)
		},
	})

	src, closer, err := jobsource.Open(cfg.SourcePath, cfg.StartLine)
	if err != nil {
		return err
	}
	defer closer.Close()

	var writeFailure jobutil.ErrorWriter
	if ledger != nil {
		writeFailure = ledger.PutFailure
	}
	policy, err := batch.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}
	sched := batch.New(src, &generation.Runner{
		Session: session,
		Relayer: uploader,
		Repeat:  cfg.Repeat,
	}, batch.Options{
		Concurrency: cfg.Concurrency,
		Policy:      policy,
		Jitter:      cfg.Jitter,
		OnOutcome: func(ctx context.Context, out generation.Outcome) {
			jobutil.ReportFailures(ctx, runID, out, writeFailure)
		},
	})

	logStartup(cfg, runID, time.Since(initStart), ledger != nil, publisher != nil)

	report, runErr := sched.Run(ctx)

	summary := log.Info()
	if runErr != nil {
		summary = log.Error().Err(runErr).Int("resumeLine", report.ResumeLine)
	}
	summary.
		Str("runId", runID).
		Str("state", string(report.State)).
		Int("lineCount", report.LineCount).
		Int("admitted", report.Admitted).
		Int("succeeded", report.Succeeded).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("uploaded", report.Uploaded).
		Int("windows", report.Windows).
		Int64("bytes", bytesUploaded.Load()).
		Dur("duration", report.Duration).
		Msg("Batch finished")

	// The run context may already be cancelled by an interrupt.
	finishCtx := context.WithoutCancel(ctx)
	if publisher != nil {
		if err := publisher.BatchFinished(finishCtx, finishedEvent(cfg, runID, report, runErr)); err != nil {
			log.Warn().Err(err).Msg("Failed to publish batch event")
		}
	}
	if cfg.EmitMetrics {
		if err := emitMetrics(cfg, runID, report, bytesUploaded.Load()); err != nil {
			log.Warn().Err(err).Msg("Failed to emit metrics")
		}
	}

	if runErr != nil {
		var abort *batch.AbortError
		if errors.As(runErr, &abort) {
			fmt.Printf("stop at line: %d\n", abort.ResumeLine)
		}
		return runErr
	}
	fmt.Println("Done!")
	return nil
}

func logStartup(cfg config.Config, runID string, initDur time.Duration, ledgerOn, eventsOn bool) {
	logging.NewStartupLogger("mj-relay").
		RunID(runID).
		Version(commitHash, buildTime).
		Resource("source", cfg.SourcePath).
		Resource("bucket", cfg.Bucket).
		Resource("service", cfg.ServiceURL).
		Resource("failureTable", cfg.FailureTable).
		Resource("eventBus", cfg.EventBus).
		Feature("failureLedger", ledgerOn).
		Feature("events", eventsOn).
		Feature("metrics", cfg.EmitMetrics).
		Config("policy", cfg.Policy).
		Config("concurrency", strconv.Itoa(cfg.Concurrency)).
		Config("repeat", strconv.Itoa(cfg.Repeat)).
		Config("startLine", strconv.Itoa(cfg.StartLine)).
		Config("jitter", cfg.Jitter.String()).
		Config("keyPrefix", cfg.KeyPrefix).
		InitDuration(initDur).
		Log()
}

func finishedEvent(cfg config.Config, runID string, report batch.Report, runErr error) events.BatchFinished {
	ev := events.BatchFinished{
		RunID:      runID,
		State:      string(report.State),
		SourcePath: cfg.SourcePath,
		LineCount:  report.LineCount,
		ResumeLine: report.ResumeLine,
		Admitted:   report.Admitted,
		Succeeded:  report.Succeeded,
		Skipped:    report.Skipped,
		Failed:     report.Failed,
		Uploaded:   report.Uploaded,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	return ev
}

func emitMetrics(cfg config.Config, runID string, report batch.Report, bytes int64) error {
	return metrics.New(metricsNamespace, os.Stdout).
		Dimension("Policy", cfg.Policy).
		Count("JobsAdmitted", report.Admitted).
		Count("JobsSucceeded", report.Succeeded).
		Count("JobsSkipped", report.Skipped).
		Count("JobsFailed", report.Failed).
		Count("ObjectsUploaded", report.Uploaded).
		Count("Windows", report.Windows).
		Count("MaxInFlight", report.MaxInFlight).
		Metric("BytesUploaded", float64(bytes), metrics.UnitBytes).
		Duration("RunDuration", report.Duration).
		Property("runId", runID).
		Property("state", string(report.State)).
		Property("lineCount", report.LineCount).
		Flush()
}
