package service

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/data"
	"github.com/target/graph-relay/internal/domain/model"
)

// fakeBackend scripts per-query responses and records the variables each
// execution received.
type fakeBackend struct {
	mu         sync.Mutex
	probeErr   error
	probeCalls int
	execCalls  int
	seenVars   []map[string]any
	exec       func(query string, call int) (model.ResultRecord, []string, error)
}

func (b *fakeBackend) Exec(
	_ context.Context,
	query string,
	variables map[string]any,
) (model.ResultRecord, []string, error) {
	b.mu.Lock()
	b.execCalls++
	call := b.execCalls
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	b.seenVars = append(b.seenVars, vars)
	b.mu.Unlock()

	if b.exec != nil {
		return b.exec(query, call)
	}
	return model.ResultRecord(`{"ok":true}`), nil, nil
}

func (b *fakeBackend) Probe(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeCalls++
	return b.probeErr
}

// fakeQuerySource serves documents from an in-memory map keyed by job name.
type fakeQuerySource struct {
	docs    map[string]map[string]string
	listErr error
}

func (s *fakeQuerySource) List(job string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	byJob, ok := s.docs[job]
	if !ok {
		return nil, fs.ErrNotExist
	}
	names := make([]string, 0, len(byJob))
	for name := range byJob {
		names = append(names, name)
	}
	return names, nil
}

func (s *fakeQuerySource) Read(job, name string) (string, error) {
	doc, ok := s.docs[job][name]
	if !ok {
		return "", fs.ErrNotExist
	}
	return doc, nil
}

func testJob() model.JobDefinition {
	return model.JobDefinition{
		Name:   "pairs",
		Schema: "https://example.com/graphql",
		Schedules: []model.ScheduleEntry{
			{IntervalMS: 60000},
		},
	}
}

func newTestExecutor(t *testing.T, backend *fakeBackend, source core.QuerySource, opts ExecutorServiceOptions) *ExecutorService {
	t.Helper()
	opts.Job = testJob()
	opts.Backend = backend
	opts.Queries = source
	if opts.Retry.Delay == 0 {
		opts.Retry.Delay = 5 * time.Millisecond
	}
	opts.Probe.Delay = time.Millisecond
	svc, err := NewExecutorService(opts)
	require.NoError(t, err)
	svc.Load(context.Background())
	return svc
}

func singleQuerySource() *fakeQuerySource {
	return &fakeQuerySource{docs: map[string]map[string]string{
		"pairs": {"recent.graphql": `query { pairs }`},
	}}
}

func TestNewExecutorService(t *testing.T) {
	t.Run("returns error when backend is nil", func(t *testing.T) {
		_, err := NewExecutorService(ExecutorServiceOptions{
			Job:     testJob(),
			Queries: singleQuerySource(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QueryBackend is required")
	})

	t.Run("returns error when query source is nil", func(t *testing.T) {
		_, err := NewExecutorService(ExecutorServiceOptions{
			Job:     testJob(),
			Backend: &fakeBackend{},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QuerySource is required")
	})
}

func TestExecutorService_Execute(t *testing.T) {
	t.Run("injects lastRun from checkpoint when absent", func(t *testing.T) {
		start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		clock := data.NewFixedTimeProvider(start)
		backend := &fakeBackend{}
		svc := newTestExecutor(t, backend, singleQuerySource(), ExecutorServiceOptions{Clock: clock})

		_, err := svc.Execute(context.Background(), nil)

		require.NoError(t, err)
		require.Len(t, backend.seenVars, 1)
		assert.Equal(t, start.Unix(), backend.seenVars[0]["lastRun"])
	})

	t.Run("preserves caller variables", func(t *testing.T) {
		backend := &fakeBackend{}
		svc := newTestExecutor(t, backend, singleQuerySource(), ExecutorServiceOptions{})

		_, err := svc.Execute(context.Background(), map[string]any{
			"blocknumber": uint64(19000000),
			"lastRun":     int64(42),
		})

		require.NoError(t, err)
		require.Len(t, backend.seenVars, 1)
		assert.Equal(t, uint64(19000000), backend.seenVars[0]["blocknumber"])
		assert.Equal(t, int64(42), backend.seenVars[0]["lastRun"])
	})

	t.Run("excludes transport failures without failing the batch", func(t *testing.T) {
		backend := &fakeBackend{
			exec: func(query string, _ int) (model.ResultRecord, []string, error) {
				if query == `query { broken }` {
					return nil, nil, errors.New("connection refused")
				}
				return model.ResultRecord(`{"ok":true}`), nil, nil
			},
		}
		source := &fakeQuerySource{docs: map[string]map[string]string{
			"pairs": {
				"a.graphql": `query { a }`,
				"b.graphql": `query { broken }`,
				"c.graphql": `query { c }`,
			},
		}}
		svc := newTestExecutor(t, backend, source, ExecutorServiceOptions{})

		records, err := svc.Execute(context.Background(), nil)

		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("retries whole batch on result-level errors with same variables", func(t *testing.T) {
		backend := &fakeBackend{
			exec: func(_ string, call int) (model.ResultRecord, []string, error) {
				if call == 1 {
					return model.ResultRecord(`null`), []string{"rate limited"}, nil
				}
				return model.ResultRecord(`{"ok":true}`), nil, nil
			},
		}
		svc := newTestExecutor(t, backend, singleQuerySource(), ExecutorServiceOptions{
			Retry: RetryPolicy{Delay: time.Millisecond, MaxRetries: 3},
		})

		records, err := svc.Execute(context.Background(), nil)

		require.NoError(t, err)
		assert.Len(t, records, 1)
		require.Len(t, backend.seenVars, 2)
		// The retry reuses the original lastRun, not a refreshed one.
		assert.Equal(t, backend.seenVars[0]["lastRun"], backend.seenVars[1]["lastRun"])
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		backend := &fakeBackend{
			exec: func(string, int) (model.ResultRecord, []string, error) {
				return model.ResultRecord(`null`), []string{"persistent failure"}, nil
			},
		}
		svc := newTestExecutor(t, backend, singleQuerySource(), ExecutorServiceOptions{
			Retry: RetryPolicy{Delay: time.Millisecond, MaxRetries: 2},
		})

		_, err := svc.Execute(context.Background(), nil)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBatchRetriesExhausted)
		// Initial attempt plus two retries.
		assert.Equal(t, 3, backend.execCalls)
	})

	t.Run("returns empty batch when job has no queries", func(t *testing.T) {
		backend := &fakeBackend{}
		source := &fakeQuerySource{docs: map[string]map[string]string{}}
		svc := newTestExecutor(t, backend, source, ExecutorServiceOptions{})

		records, err := svc.Execute(context.Background(), nil)

		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Zero(t, backend.execCalls)
	})
}

func TestExecutorService_Checkpoint(t *testing.T) {
	t.Run("advances only after a clean batch", func(t *testing.T) {
		start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		clock := data.NewFixedTimeProvider(start)
		fail := true
		backend := &fakeBackend{
			exec: func(string, int) (model.ResultRecord, []string, error) {
				if fail {
					return model.ResultRecord(`null`), []string{"transient"}, nil
				}
				return model.ResultRecord(`{"ok":true}`), nil, nil
			},
		}
		svc := newTestExecutor(t, backend, singleQuerySource(), ExecutorServiceOptions{
			Clock: clock,
			Retry: RetryPolicy{Delay: time.Millisecond, MaxRetries: 1},
		})

		clock.AddTime(30 * time.Second)
		_, err := svc.Execute(context.Background(), nil)
		require.Error(t, err)
		assert.Equal(t, start.Unix(), svc.Checkpoint())

		fail = false
		clock.AddTime(30 * time.Second)
		_, err = svc.Execute(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, start.Add(time.Minute).Unix(), svc.Checkpoint())
	})
}

func TestExecutorService_Load(t *testing.T) {
	t.Run("fails executor permanently when schema stays unreachable", func(t *testing.T) {
		backend := &fakeBackend{probeErr: errors.New("dial tcp: connection refused")}
		svc, err := NewExecutorService(ExecutorServiceOptions{
			Job:     testJob(),
			Backend: backend,
			Queries: singleQuerySource(),
			Probe:   ProbePolicy{Attempts: 3, Delay: time.Millisecond},
		})
		require.NoError(t, err)

		svc.Load(context.Background())

		_, execErr := svc.Execute(context.Background(), nil)
		require.Error(t, execErr)
		assert.ErrorIs(t, execErr, core.ErrSchemaUnavailable)
		assert.Equal(t, 3, backend.probeCalls)
	})

	t.Run("proceeds with empty set when discovery fails", func(t *testing.T) {
		backend := &fakeBackend{}
		svc, err := NewExecutorService(ExecutorServiceOptions{
			Job:     testJob(),
			Backend: backend,
			Queries: &fakeQuerySource{listErr: errors.New("permission denied")},
			Probe:   ProbePolicy{Attempts: 1, Delay: time.Millisecond},
		})
		require.NoError(t, err)

		svc.Load(context.Background())

		records, execErr := svc.Execute(context.Background(), nil)
		require.NoError(t, execErr)
		assert.Empty(t, records)
	})
}
