package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/data"
	"github.com/target/graph-relay/internal/domain/model"
	"github.com/target/graph-relay/internal/observability/metrics"
	"github.com/target/graph-relay/internal/observability/statsd"
)

// Trigger kinds used in logs and metric tags.
const (
	triggerInterval = "interval"
	triggerBlock    = "block"
)

// blockNumberVariable carries the triggering block height into the query
// variables for block-driven schedules.
const blockNumberVariable = "blocknumber"

// DispatcherServiceOptions groups dependencies for DispatcherService.
type DispatcherServiceOptions struct {
	Jobs        map[string]model.JobDefinition // Required: job definitions keyed by name
	Sink        core.ResultSink                // Required: downstream publish pipeline
	Backends    core.QueryBackendFactory       // Required: per-schema backend factory
	Queries     core.QuerySource               // Required: query document source
	Blocks      core.BlockStreamProvider       // Optional: needed only for network schedules
	Retry       RetryPolicy                    // Optional: batch retry policy
	Probe       ProbePolicy                    // Optional: schema probe policy
	Concurrency int                            // Optional: per-batch query concurrency
	Logger      *slog.Logger                   // Optional: structured logger
	Metrics     statsd.Sink                    // Optional: metric sink
	Clock       data.TimeProvider              // Optional: time source

	// NewExecutor overrides executor construction. The returned executor must
	// already be loading or loaded. Nil uses NewExecutorService.
	NewExecutor func(ctx context.Context, job model.JobDefinition) (core.BatchExecutor, error)
}

// DispatcherService arms every schedule of every valid job and forwards
// executor output to the publish pipeline. Firings are independent tasks:
// nothing serializes overlapping runs of the same job.
type DispatcherService struct {
	jobs        map[string]model.JobDefinition
	sink        core.ResultSink
	backends    core.QueryBackendFactory
	queries     core.QuerySource
	blocks      core.BlockStreamProvider
	retry       RetryPolicy
	probe       ProbePolicy
	concurrency int
	logger      *slog.Logger
	metrics     statsd.Sink
	clock       data.TimeProvider
	newExecutor func(ctx context.Context, job model.JobDefinition) (core.BatchExecutor, error)

	mu        sync.Mutex
	executors map[string]core.BatchExecutor
}

// NewDispatcherService constructs the trigger dispatcher.
func NewDispatcherService(opts DispatcherServiceOptions) (*DispatcherService, error) {
	if opts.Sink == nil {
		return nil, errors.New("ResultSink is required")
	}
	if opts.Backends == nil && opts.NewExecutor == nil {
		return nil, errors.New("QueryBackendFactory is required")
	}
	if opts.Queries == nil && opts.NewExecutor == nil {
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

	s := &DispatcherService{
		jobs:        opts.Jobs,
		sink:        opts.Sink,
		backends:    opts.Backends,
		queries:     opts.Queries,
		blocks:      opts.Blocks,
		retry:       opts.Retry,
		probe:       opts.Probe,
		concurrency: opts.Concurrency,
		logger:      logger.With("component", "dispatcher"),
		metrics:     opts.Metrics,
		clock:       clock,
		newExecutor: opts.NewExecutor,
		executors:   make(map[string]core.BatchExecutor),
	}
	if s.newExecutor == nil {
		s.newExecutor = s.buildExecutor
	}
	return s, nil
}

// Run arms all schedules and blocks until the context ends. Invalid job
// definitions are skipped with a diagnostic; a single bad entry never takes
// the dispatcher down.
func (s *DispatcherService) Run(ctx context.Context) error {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	var wg sync.WaitGroup
	armed := 0
	for _, name := range names {
		job := s.jobs[name]
		job.Name = name
		if err := job.Validate(); err != nil {
			s.logger.Warn("skipping invalid job", "job", name, "reason", err)
			continue
		}

		for i := range job.Schedules {
			sched := job.Schedules[i]
			if interval := sched.Interval(); interval > 0 {
				s.logger.Info("arming interval schedule", "job", name, "interval", interval)
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.runInterval(ctx, job, sched)
				}()
				armed++
			}
			if sched.Network != "" {
				if err := s.armBlockSchedule(ctx, &wg, job, sched); err != nil {
					s.logger.Warn("skipping block schedule",
						"job", name, "network", sched.Network, "reason", err)
					continue
				}
				armed++
			}
		}
	}

	if armed == 0 {
		s.logger.Warn("no schedules armed")
	} else {
		s.logger.Info("dispatcher running", "schedules", armed)
	}

	<-ctx.Done()
	wg.Wait()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (s *DispatcherService) armBlockSchedule(
	ctx context.Context,
	wg *sync.WaitGroup,
	job model.JobDefinition,
	sched model.ScheduleEntry,
) error {
	if s.blocks == nil {
		return errors.New("no block stream provider configured")
	}
	stream, err := s.blocks.Stream(ctx, sched.Network)
	if err != nil {
		return err
	}
	s.logger.Info("subscribing to block events", "job", job.Name, "network", sched.Network)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runBlockTrigger(ctx, job, sched, stream)
	}()
	return nil
}

// runInterval fires the job once immediately, then on every tick. Each firing
// runs on its own goroutine so a slow or retrying batch never delays the
// timer.
func (s *DispatcherService) runInterval(ctx context.Context, job model.JobDefinition, sched model.ScheduleEntry) {
	go s.fire(ctx, job, sched, triggerInterval, nil)

	ticker := time.NewTicker(sched.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go s.fire(ctx, job, sched, triggerInterval, nil)
		}
	}
}

func (s *DispatcherService) runBlockTrigger(
	ctx context.Context,
	job model.JobDefinition,
	sched model.ScheduleEntry,
	stream core.BlockStream,
) {
	heights := stream.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case height, ok := <-heights:
			if !ok {
				s.logger.Warn("block stream closed", "job", job.Name, "network", sched.Network)
				return
			}
			go s.fire(ctx, job, sched, triggerBlock, map[string]any{blockNumberVariable: height})
		}
	}
}

// fire runs one batch for the job and hands the surviving records to the
// sink. Errors end the firing; the schedule stays armed.
func (s *DispatcherService) fire(
	ctx context.Context,
	job model.JobDefinition,
	sched model.ScheduleEntry,
	trigger string,
	variables map[string]any,
) {
	runID := uuid.NewString()
	logger := s.logger.With("job", job.Name, "trigger", trigger, "run_id", runID)
	start := time.Now()

	exec, err := s.executorFor(ctx, job)
	if err != nil {
		logger.Error("executor unavailable", "error", err)
		metrics.EmitBatch(s.metrics, metrics.BatchMetric{
			Job: job.Name, Trigger: trigger, Result: metrics.ResultError, Err: err,
		})
		return
	}

	records, err := exec.Execute(ctx, variables)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("batch failed", "error", err)
		metrics.EmitBatch(s.metrics, metrics.BatchMetric{
			Job: job.Name, Trigger: trigger, Result: metrics.ResultError,
			Duration: time.Since(start), Err: err,
		})
		return
	}

	logger.Debug("batch complete", "records", len(records), "duration", time.Since(start))
	metrics.EmitBatch(s.metrics, metrics.BatchMetric{
		Job: job.Name, Trigger: trigger, Result: metrics.ResultSuccess,
		Queries: len(records), Duration: time.Since(start),
	})

	s.sink.PublishBatch(ctx, job.Name, records, sched.Metadata)
}

// executorFor returns the job's shared executor, constructing it on first
// use. All schedules of a job share one executor and therefore one schema
// probe, one query discovery, and one lastRun checkpoint.
func (s *DispatcherService) executorFor(ctx context.Context, job model.JobDefinition) (core.BatchExecutor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec, ok := s.executors[job.Name]; ok {
		return exec, nil
	}
	exec, err := s.newExecutor(ctx, job)
	if err != nil {
		return nil, err
	}
	s.executors[job.Name] = exec
	return exec, nil
}

func (s *DispatcherService) buildExecutor(ctx context.Context, job model.JobDefinition) (core.BatchExecutor, error) {
	exec, err := NewExecutorService(ExecutorServiceOptions{
		Job:         job,
		Backend:     s.backends(job.Schema),
		Queries:     s.queries,
		Retry:       s.retry,
		Probe:       s.probe,
		Concurrency: s.concurrency,
		Logger:      s.logger,
		Clock:       s.clock,
	})
	if err != nil {
		return nil, err
	}
	go exec.Load(ctx)
	return exec, nil
}
