package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/data"
	"github.com/target/graph-relay/internal/domain/checkpoint"
	"github.com/target/graph-relay/internal/domain/model"
	"golang.org/x/sync/errgroup"
)

// lastRunVariable is the variable every query receives; it defaults to the
// executor's checkpoint when the caller does not supply it.
const lastRunVariable = "lastRun"

// ErrBatchRetriesExhausted is returned when a batch keeps producing
// result-level errors past the configured retry budget.
var ErrBatchRetriesExhausted = errors.New("batch retries exhausted")

// RetryPolicy controls the whole-batch retry loop entered when any query
// result carries errors. The zero value retries indefinitely every 5 seconds.
type RetryPolicy struct {
	// Delay is the wait between attempts.
	Delay time.Duration
	// MaxRetries caps retry attempts; 0 retries indefinitely.
	MaxRetries uint64
}

const defaultRetryDelay = 5 * time.Second

func (p RetryPolicy) newBackOff() backoff.BackOff {
	delay := p.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(delay)
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return b
}

// ProbePolicy controls schema readiness probing at executor construction.
type ProbePolicy struct {
	// Attempts is the total number of probe attempts before the executor is
	// failed permanently.
	Attempts uint64
	// Delay is the initial wait between attempts; subsequent waits back off
	// exponentially.
	Delay time.Duration
}

func (p ProbePolicy) newBackOff() backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, attempts-1)
}

// ExecutorServiceOptions groups dependencies for ExecutorService.
type ExecutorServiceOptions struct {
	Job         model.JobDefinition // Required: validated job definition
	Backend     core.QueryBackend   // Required: backend bound to the job's schema
	Queries     core.QuerySource    // Required: query document source
	Retry       RetryPolicy         // Optional: batch retry policy
	Probe       ProbePolicy         // Optional: schema probe policy
	Concurrency int                 // Optional: per-batch query concurrency, default 4
	Logger      *slog.Logger        // Optional: structured logger
	Clock       data.TimeProvider   // Optional: time source, real time by default
}

// ExecutorService runs one job's query batch. One instance exists per job
// name for the process lifetime; all schedules of the job share it, so the
// schema probe and query discovery happen once and the lastRun checkpoint is
// common to every trigger kind.
type ExecutorService struct {
	job         model.JobDefinition
	backend     core.QueryBackend
	queries     core.QuerySource
	retry       RetryPolicy
	probe       ProbePolicy
	concurrency int
	logger      *slog.Logger
	clock       data.TimeProvider

	ready      chan struct{}
	loadErr    error
	queryNames []string

	checkpoint *checkpoint.Checkpoint
}

const defaultQueryConcurrency = 4

// NewExecutorService constructs an executor. Call Load to perform the schema
// probe and query discovery before the first Execute; Execute blocks until
// loading settles.
func NewExecutorService(opts ExecutorServiceOptions) (*ExecutorService, error) {
	if opts.Job.Name == "" {
		return nil, errors.New("job definition is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("QueryBackend is required")
	}
	if opts.Queries == nil {
		return nil, errors.New("QuerySource is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = &data.RealTimeProvider{}
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = defaultQueryConcurrency
	}

	return &ExecutorService{
		job:         opts.Job,
		backend:     opts.Backend,
		queries:     opts.Queries,
		retry:       opts.Retry,
		probe:       opts.Probe,
		concurrency: concurrency,
		logger:      logger.With("component", "executor", "job", opts.Job.Name),
		clock:       clock,
		ready:       make(chan struct{}),
		checkpoint:  checkpoint.New(clock.Now()),
	}, nil
}

// Load probes the schema endpoint and discovers the job's query documents.
// It must be called exactly once, normally on a fresh goroutine right after
// construction. A schema that stays unreachable past the probe budget fails
// the executor permanently: every subsequent Execute returns
// core.ErrSchemaUnavailable instead of hanging.
func (s *ExecutorService) Load(ctx context.Context) {
	defer close(s.ready)

	s.logger.Debug("loading schema", "schema", s.job.Schema)
	if err := s.probeSchema(ctx); err != nil {
		s.loadErr = fmt.Errorf("%w: %s: %s", core.ErrSchemaUnavailable, s.job.Schema, err)
		s.logger.Error("schema load failed; executor disabled", "schema", s.job.Schema, "error", err)
		return
	}
	s.logger.Debug("schema loaded", "schema", s.job.Schema)

	names, err := s.queries.List(s.job.Name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Warn("no queries defined")
	case err != nil:
		s.logger.Warn("query discovery failed; proceeding with empty set", "error", err)
	default:
		s.queryNames = names
		s.logger.Debug("discovered queries", "count", len(names))
	}
}

func (s *ExecutorService) probeSchema(ctx context.Context) error {
	bo := s.probe.newBackOff()
	for {
		err := s.backend.Probe(ctx)
		if err == nil {
			return nil
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			return err
		}
		s.logger.Warn("schema probe failed; retrying", "error", err, "delay", next)
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *ExecutorService) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.loadErr
}

// Checkpoint returns the current lastRun value in seconds since the epoch.
func (s *ExecutorService) Checkpoint() int64 {
	return s.checkpoint.Seconds()
}

// Execute runs every discovered query concurrently with the given variables
// and returns the surviving data payloads in settlement order.
//
// The variable mapping is copied and lastRun is filled in from the checkpoint
// when absent. Per-query transport failures are logged and excluded without
// failing the batch. If any surviving result carries result-level errors the
// whole batch is retried with the original variables, lastRun included, under
// the configured retry policy. The checkpoint advances only after a batch
// settles with zero result-level errors.
func (s *ExecutorService) Execute(
	ctx context.Context,
	variables map[string]any,
) ([]model.ResultRecord, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(variables)+1)
	for k, v := range variables {
		vars[k] = v
	}
	if _, ok := vars[lastRunVariable]; !ok {
		vars[lastRunVariable] = s.checkpoint.Seconds()
	}

	bo := s.retry.newBackOff()
	for attempt := 1; ; attempt++ {
		results := s.runBatch(ctx, vars)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		failing := resultErrors(results)
		if len(failing) == 0 {
			s.checkpoint.Advance(s.clock.Now())
			records := make([]model.ResultRecord, 0, len(results))
			for _, r := range results {
				records = append(records, r.Data)
			}
			return records, nil
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("batch still failing after %d attempts: %w", attempt, ErrBatchRetriesExhausted)
		}
		s.logger.Warn("batch returned errors; retrying",
			"attempt", attempt,
			"delay", next,
			"errors", strings.Join(failing, "; "),
		)
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// runBatch issues all discovered queries concurrently. Failed executions are
// logged and dropped; the returned slice preserves settlement order.
func (s *ExecutorService) runBatch(ctx context.Context, vars map[string]any) []model.QueryResult {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var mu sync.Mutex
	results := make([]model.QueryResult, 0, len(s.queryNames))

	for _, name := range s.queryNames {
		name := name
		g.Go(func() error {
			s.logger.Debug("executing query", "query", name)

			doc, err := s.queries.Read(s.job.Name, name)
			if err != nil {
				s.logger.Error("failed reading query document", "query", name, "error", err)
				return nil
			}

			dataPayload, resultErrs, err := s.backend.Exec(gctx, doc, vars)
			if err != nil {
				s.logger.Error("failed executing query", "query", name, "error", err)
				return nil
			}
			s.logger.Debug("query executed", "query", name)

			mu.Lock()
			results = append(results, model.QueryResult{
				Query:  name,
				Data:   dataPayload,
				Errors: resultErrs,
			})
			mu.Unlock()
			return nil
		})
	}

	// Workers never return errors; failures are per-query and logged above.
	_ = g.Wait()
	return results
}

func resultErrors(results []model.QueryResult) []string {
	var msgs []string
	for _, r := range results {
		if r.HasErrors() {
			msgs = append(msgs, r.Query+": "+strings.Join(r.Errors, "; "))
		}
	}
	return msgs
}

var _ core.BatchExecutor = (*ExecutorService)(nil)
