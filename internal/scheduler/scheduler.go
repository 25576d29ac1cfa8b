// Package scheduler re-submits transfers that were deferred on connectivity
// failures. Jobs are deduplicated by their deterministic ID and retried with
// exponential backoff until the remote answers again or attempts run out.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/telemetry"
)

const (
	defaultInitialInterval = 15 * time.Second
	defaultMaxInterval     = 5 * time.Minute
	defaultMaxTries        = 8

	// queueSize bounds jobs accepted before Run picks them up.
	queueSize = 64
)

// SubmitFunc re-enqueues a transfer with the engine.
type SubmitFunc func(ctx context.Context, owner, remotePath string) error

// ProbeFunc reports whether the remote endpoint is reachable. Optional: when
// unset, jobs go straight to submission and back off on its errors alone.
type ProbeFunc func(ctx context.Context) error

// Job is one deferred re-submission waiting for connectivity.
type Job struct {
	ID          string
	Owner       string
	RemotePath  string
	ScheduledAt time.Time
}

type Config struct {
	Submit          SubmitFunc
	Probe           ProbeFunc
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
	Telemetry       *telemetry.Telemetry
}

type Scheduler struct {
	submit          SubmitFunc
	probe           ProbeFunc
	initialInterval time.Duration
	maxInterval     time.Duration
	maxTries        uint
	tel             *telemetry.Telemetry

	mu      sync.Mutex
	pending map[string]Job

	queue chan Job
}

var _ downloader.RetryRequester = (*Scheduler)(nil)

func New(cfg Config) *Scheduler {
	initialInterval := cfg.InitialInterval
	if initialInterval <= 0 {
		initialInterval = defaultInitialInterval
	}

	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}

	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = defaultMaxTries
	}

	tel := cfg.Telemetry
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Scheduler{
		submit:          cfg.Submit,
		probe:           cfg.Probe,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		maxTries:        maxTries,
		tel:             tel,
		pending:         make(map[string]Job),
		queue:           make(chan Job, queueSize),
	}
}

// SetSubmit installs the re-submission hook. The engine and the scheduler
// reference each other, so the hook is wired after both exist; it must be set
// before Run starts consuming jobs.
func (s *Scheduler) SetSubmit(fn SubmitFunc) {
	s.submit = fn
}

// ScheduleRetry registers a deferred re-submission. Jobs are deduplicated by
// ID, so repeated connectivity failures for the same file collapse into the
// one job already waiting.
func (s *Scheduler) ScheduleRetry(jobID, owner, remotePath string) {
	s.mu.Lock()

	if _, ok := s.pending[jobID]; ok {
		s.mu.Unlock()

		return
	}

	j := Job{ID: jobID, Owner: owner, RemotePath: remotePath, ScheduledAt: time.Now()}
	s.pending[jobID] = j
	s.mu.Unlock()

	select {
	case s.queue <- j:
	default:
		// Saturated queue: drop the dedupe entry so a later failure for this
		// file can schedule again.
		s.forget(jobID)
		s.tel.RecordSystemError("scheduler", "queue_full")
	}
}

// Jobs returns a snapshot of the deferred transfers still waiting, oldest
// first.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.pending))
	for _, j := range s.pending {
		jobs = append(jobs, j)
	}

	slices.SortFunc(jobs, func(a, b Job) int {
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Compare(b.ScheduledAt)
		}

		return strings.Compare(a.ID, b.ID)
	})

	return jobs
}

// Run consumes scheduled jobs until ctx is cancelled. Each job retries in its
// own goroutine, so one file's long backoff never delays another's.
func (s *Scheduler) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("retry scheduler started")

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down retry scheduler")
			wg.Wait()

			return
		case j := <-s.queue:
			wg.Add(1)

			go func() {
				defer wg.Done()

				s.runJob(ctx, j)
			}()
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	logger := logctx.LoggerFromContext(ctx).With("retry_job_id", j.ID, "account", j.Owner, "remote_path", j.RemotePath)

	defer s.forget(j.ID)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.initialInterval
	expo.MaxInterval = s.maxInterval

	operation := func() (struct{}, error) {
		if s.probe != nil {
			if err := s.probe(ctx); err != nil {
				return struct{}{}, fmt.Errorf("remote still unreachable: %w", err)
			}
		}

		if err := s.submit(ctx, j.Owner, j.RemotePath); err != nil {
			return struct{}{}, fmt.Errorf("failed to resubmit transfer: %w", err)
		}

		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(s.maxTries),
	); err != nil {
		logger.ErrorContext(ctx, "giving up on deferred transfer", "err", err)

		s.tel.RecordSystemError("scheduler", "retry_exhausted")

		return
	}

	logger.Info("deferred transfer resubmitted")
}

func (s *Scheduler) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, jobID)
}
