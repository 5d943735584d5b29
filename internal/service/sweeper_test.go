package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/graph-relay/config"
	"github.com/target/graph-relay/internal/data"
	"github.com/target/graph-relay/internal/domain/model"
)

// mockSweeperLedger scripts DeleteOlderThan batches.
type mockSweeperLedger struct {
	mu         sync.Mutex
	calls      int
	cutoffs    []time.Time
	limits     []int
	batchSizes []int64
	err        error
}

func (m *mockSweeperLedger) Exists(context.Context, string, string, string) (bool, error) {
	return false, nil
}

func (m *mockSweeperLedger) Insert(context.Context, model.LedgerEntry) error {
	return nil
}

func (m *mockSweeperLedger) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.calls++
	m.cutoffs = append(m.cutoffs, cutoff)
	m.limits = append(m.limits, limit)
	if m.calls <= len(m.batchSizes) {
		return m.batchSizes[m.calls-1], nil
	}
	return 0, nil
}

func (m *mockSweeperLedger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func sweeperConfig() config.SweeperConfig {
	return config.SweeperConfig{
		Interval:  time.Hour,
		Retention: 168 * time.Hour,
		BatchSize: 1000,
	}
}

func TestNewSweeperService(t *testing.T) {
	t.Run("returns error when ledger is nil", func(t *testing.T) {
		_, err := NewSweeperService(SweeperServiceOptions{Config: sweeperConfig()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LedgerRepository is required")
	})
}

func TestSweeperService_Sweep(t *testing.T) {
	t.Run("uses the retention cutoff", func(t *testing.T) {
		now := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
		ledger := &mockSweeperLedger{}
		svc, err := NewSweeperService(SweeperServiceOptions{
			Ledger: ledger,
			Config: sweeperConfig(),
			Clock:  data.NewFixedTimeProvider(now),
		})
		require.NoError(t, err)

		_, err = svc.Sweep(context.Background())

		require.NoError(t, err)
		require.NotEmpty(t, ledger.cutoffs)
		assert.Equal(t, now.Add(-168*time.Hour), ledger.cutoffs[0])
		assert.Equal(t, 1000, ledger.limits[0])
	})

	t.Run("deletes in batches until none remain", func(t *testing.T) {
		ledger := &mockSweeperLedger{batchSizes: []int64{1000, 1000, 250}}
		svc, err := NewSweeperService(SweeperServiceOptions{
			Ledger: ledger,
			Config: sweeperConfig(),
		})
		require.NoError(t, err)

		removed, err := svc.Sweep(context.Background())

		require.NoError(t, err)
		assert.Equal(t, int64(2250), removed)
		// Three full batches plus the final empty one.
		assert.Equal(t, 4, ledger.callCount())
	})

	t.Run("returns the error with the partial count", func(t *testing.T) {
		ledger := &mockSweeperLedger{err: errors.New("connection lost")}
		svc, err := NewSweeperService(SweeperServiceOptions{
			Ledger: ledger,
			Config: sweeperConfig(),
		})
		require.NoError(t, err)

		_, err = svc.Sweep(context.Background())
		require.Error(t, err)
	})
}

func TestSweeperService_Run(t *testing.T) {
	t.Run("sweeps immediately and stops on cancellation", func(t *testing.T) {
		ledger := &mockSweeperLedger{}
		svc, err := NewSweeperService(SweeperServiceOptions{
			Ledger: ledger,
			Config: sweeperConfig(),
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Run(ctx) }()

		require.Eventually(t, func() bool { return ledger.callCount() >= 1 },
			time.Second, 5*time.Millisecond)
		cancel()

		select {
		case runErr := <-done:
			require.NoError(t, runErr)
		case <-time.After(time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}
	})

	t.Run("keeps running despite sweep errors", func(t *testing.T) {
		ledger := &mockSweeperLedger{err: errors.New("sweep failed")}
		svc, err := NewSweeperService(SweeperServiceOptions{
			Ledger: ledger,
			Config: sweeperConfig(),
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		runErr := svc.Run(ctx)
		require.Error(t, runErr)
		require.ErrorIs(t, runErr, context.DeadlineExceeded)
	})
}
