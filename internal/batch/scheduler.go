// Package batch turns a job file into bounded-concurrency execution.
//
// The scheduler reads one line at a time and admits each line as a job, never
// holding more than Concurrency jobs in flight. Two admission policies are
// supported:
//
//   - window: admit Concurrency jobs, then wait for all of them to settle
//     before admitting the next window. A slow job holds up its window.
//   - slots: admit a new job as soon as any in-flight job settles.
//
// Jobs report an Outcome and never fail the batch. Only a failure to read the
// job file (or cancellation of the run) stops the scheduler, and the last
// line read is reported as the point to resume from.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/fpang/mj-relay/internal/generation"
	"github.com/fpang/mj-relay/internal/jobsource"
	"github.com/rs/zerolog/log"
)

// Policy selects how jobs are admitted.
type Policy string

const (
	PolicyWindow Policy = "window"
	PolicySlots  Policy = "slots"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyWindow, PolicySlots:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown admission policy %q (want %q or %q)", s, PolicyWindow, PolicySlots)
}

// State is the scheduler's position in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateReading   State = "reading"
	StateAdmitting State = "admitting"
	StateDraining  State = "draining"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// LineSource yields raw job lines. *jobsource.Source implements it.
type LineSource interface {
	Next() (jobsource.Line, error)
	LineCount() int
}

// JobRunner executes one job. *generation.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, line jobsource.Line) generation.Outcome
}

// Compile-time interface checks.
var (
	_ LineSource = (*jobsource.Source)(nil)
	_ JobRunner  = (*generation.Runner)(nil)
)

// OutcomeFunc observes every settled job. It may be called from several
// goroutines at once.
type OutcomeFunc func(ctx context.Context, out generation.Outcome)

// Options configures a Scheduler.
type Options struct {
	// Concurrency is the most jobs in flight at once, and the window size
	// under PolicyWindow.
	Concurrency int
	Policy      Policy

	// Jitter delays each job's start by a random amount that grows with its
	// position in the window, so a window does not hit the generation
	// service in one burst. Zero disables it.
	Jitter time.Duration

	OnOutcome OutcomeFunc
}

// Report summarises a run.
type Report struct {
	State State

	// LineCount is the ordinal of the last line read from the source.
	LineCount int
	// ResumeLine is set when the run failed: pass it as the start line of
	// the next run.
	ResumeLine int

	Admitted    int
	Succeeded   int
	Skipped     int
	Failed      int
	Uploaded    int
	Windows     int
	MaxInFlight int
	Duration    time.Duration
}

// AbortError is returned when the run stopped before the source was exhausted.
type AbortError struct {
	ResumeLine int
	Err        error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("batch stopped at line %d: %v", e.ResumeLine, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Scheduler drives a LineSource through a JobRunner.
type Scheduler struct {
	src    LineSource
	runner JobRunner
	opts   Options

	mu       sync.Mutex
	state    State
	inFlight int
	report   Report
}

// New creates a scheduler. Concurrency below 1 is treated as 1 and an empty
// policy as PolicyWindow.
func New(src LineSource, runner JobRunner, opts Options) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyWindow
	}
	return &Scheduler{src: src, runner: runner, opts: opts, state: StateIdle}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run processes the source until it is exhausted, it fails, or ctx is
// cancelled. Cancellation stops admission only: jobs already admitted run to
// completion before Run returns. On failure the error is an *AbortError.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	log.Info().
		Int("concurrency", s.opts.Concurrency).
		Str("policy", string(s.opts.Policy)).
		Dur("jitter", s.opts.Jitter).
		Msg("Batch started")

	var err error
	switch s.opts.Policy {
	case PolicyWindow:
		err = s.runWindows(ctx)
	case PolicySlots:
		err = s.runSlots(ctx)
	default:
		err = fmt.Errorf("unknown admission policy %q", s.opts.Policy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.LineCount = s.src.LineCount()
	s.report.Duration = time.Since(start)
	if err != nil {
		s.state = StateFailed
		s.report.State = StateFailed
		s.report.ResumeLine = s.report.LineCount
		return s.report, &AbortError{ResumeLine: s.report.ResumeLine, Err: err}
	}
	s.state = StateDone
	s.report.State = StateDone
	return s.report, nil
}

// runWindows admits jobs in windows of Concurrency and waits for each window
// to settle before reading further.
func (s *Scheduler) runWindows(ctx context.Context) error {
	var wg sync.WaitGroup
	size := 0
	first := 0

	drain := func() {
		if size == 0 {
			return
		}
		s.setState(StateDraining)
		started := time.Now()
		wg.Wait()
		s.mu.Lock()
		s.report.Windows++
		s.mu.Unlock()
		log.Info().Int("firstLine", first).Int("jobs", size).Dur("duration", time.Since(started)).Msg("Window drained")
		size = 0
	}

	for {
		if size == s.opts.Concurrency {
			drain()
		}
		if err := ctx.Err(); err != nil {
			drain()
			return err
		}

		s.setState(StateReading)
		line, err := s.src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			drain()
			return err
		}

		if size == 0 {
			first = line.Number
		}
		s.setState(StateAdmitting)
		s.launch(ctx, &wg, line, size)
		size++
	}

	drain()
	return nil
}

// runSlots keeps up to Concurrency jobs in flight and replaces each settled
// job with the next line.
func (s *Scheduler) runSlots(ctx context.Context) error {
	var wg sync.WaitGroup
	slots := make(chan struct{}, s.opts.Concurrency)
	admitted := 0

	wait := func() {
		s.setState(StateDraining)
		wg.Wait()
	}

	for {
		if err := ctx.Err(); err != nil {
			wait()
			return err
		}

		s.setState(StateReading)
		line, err := s.src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			wait()
			return err
		}

		s.setState(StateAdmitting)
		select {
		case slots <- struct{}{}: // Acquire slot
		case <-ctx.Done():
			wait()
			return ctx.Err()
		}
		// Only the initial fill is staggered; later jobs start as slots free up.
		position := 0
		if admitted < s.opts.Concurrency {
			position = admitted
		}
		s.launchThen(ctx, &wg, line, position, func() { <-slots })
		admitted++
	}

	wait()
	return nil
}

func (s *Scheduler) launch(ctx context.Context, wg *sync.WaitGroup, line jobsource.Line, position int) {
	s.launchThen(ctx, wg, line, position, nil)
}

// launchThen starts a job in its own goroutine. Jobs run on a context that
// is not cancelled with ctx, so an interrupted run still lets them settle.
func (s *Scheduler) launchThen(ctx context.Context, wg *sync.WaitGroup, line jobsource.Line, position int, release func()) {
	s.mu.Lock()
	s.report.Admitted++
	s.inFlight++
	if s.inFlight > s.report.MaxInFlight {
		s.report.MaxInFlight = s.inFlight
	}
	s.mu.Unlock()

	log.Debug().Int("line", line.Number).Int("position", position).Msg("Job admitted")

	jobCtx := context.WithoutCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if release != nil {
			defer release()
		}
		s.sleepJitter(position)
		out := s.runJob(jobCtx, line)
		s.settle(jobCtx, out)
	}()
}

// runJob runs one job, turning a panic into a failed outcome.
func (s *Scheduler) runJob(ctx context.Context, line jobsource.Line) (out generation.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("line", line.Number).Interface("panic", r).Msg("Job panicked")
			out = generation.Outcome{
				Line:   line.Number,
				Status: generation.StatusFailed,
				Failures: []generation.Failure{{
					Line:  line.Number,
					Stage: generation.StageGenerate,
					Err:   fmt.Errorf("panic: %v", r),
				}},
			}
		}
	}()
	return s.runner.Run(ctx, line)
}

func (s *Scheduler) settle(ctx context.Context, out generation.Outcome) {
	s.mu.Lock()
	s.inFlight--
	s.report.Uploaded += out.Uploaded
	switch out.Status {
	case generation.StatusOK:
		s.report.Succeeded++
	case generation.StatusSkipped:
		s.report.Skipped++
	default:
		s.report.Failed++
	}
	s.mu.Unlock()

	log.Info().
		Int("line", out.Line).
		Str("id", out.RecordID).
		Str("status", out.Status.String()).
		Int("uploaded", out.Uploaded).
		Int("failures", len(out.Failures)).
		Msg("Job settled")

	if s.opts.OnOutcome != nil {
		s.opts.OnOutcome(ctx, out)
	}
}

func (s *Scheduler) sleepJitter(position int) {
	if s.opts.Jitter <= 0 {
		return
	}
	delay := time.Duration(position)*s.opts.Jitter + time.Duration(rand.Int63n(int64(s.opts.Jitter)))
	time.Sleep(delay)
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
