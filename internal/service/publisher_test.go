package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/data/cryptoutil"
	"github.com/target/graph-relay/internal/domain/model"
)

// fakeLedger is an in-memory ledger with scripted failures.
type fakeLedger struct {
	mu        sync.Mutex
	rows      map[string]model.LedgerEntry
	existsErr error
	insertErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]model.LedgerEntry)}
}

func (l *fakeLedger) Exists(_ context.Context, hash, _, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return false, l.existsErr
	}
	_, ok := l.rows[hash]
	return ok, nil
}

func (l *fakeLedger) Insert(_ context.Context, entry model.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return l.insertErr
	}
	if _, ok := l.rows[entry.Hash]; ok {
		return core.ErrDuplicateEntry
	}
	l.rows[entry.Hash] = entry
	return nil
}

func (l *fakeLedger) DeleteOlderThan(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

// fakeBus records published envelopes and can fail on demand.
type fakeBus struct {
	mu         sync.Mutex
	published  []model.Envelope
	publishErr error
	nextID     int
}

func (b *fakeBus) Publish(_ context.Context, envelope model.Envelope) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return "", b.publishErr
	}
	b.nextID++
	b.published = append(b.published, envelope)
	return "1700000000-" + string(rune('0'+b.nextID)), nil
}

func newTestPublisher(t *testing.T, ledger core.LedgerRepository, bus core.MessageBus) *PublishService {
	t.Helper()
	digester, err := cryptoutil.NewDigester("test-key")
	require.NoError(t, err)
	svc, err := NewPublishService(PublishServiceOptions{
		Digester: digester,
		Ledger:   ledger,
		Bus:      bus,
		Source:   "graphql-events",
	})
	require.NoError(t, err)
	return svc
}

func TestNewPublishService(t *testing.T) {
	t.Run("returns error when ledger is nil", func(t *testing.T) {
		digester, err := cryptoutil.NewDigester("k")
		require.NoError(t, err)
		_, err = NewPublishService(PublishServiceOptions{
			Digester: digester,
			Bus:      &fakeBus{},
			Source:   "s",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LedgerRepository is required")
	})

	t.Run("returns error when source is empty", func(t *testing.T) {
		digester, err := cryptoutil.NewDigester("k")
		require.NoError(t, err)
		_, err = NewPublishService(PublishServiceOptions{
			Digester: digester,
			Ledger:   newFakeLedger(),
			Bus:      &fakeBus{},
		})
		require.Error(t, err)
	})
}

func TestPublishService_PublishBatch(t *testing.T) {
	t.Run("publishes new records and writes ledger rows", func(t *testing.T) {
		ledger := newFakeLedger()
		bus := &fakeBus{}
		svc := newTestPublisher(t, ledger, bus)

		svc.PublishBatch(context.Background(), "pairs",
			[]model.ResultRecord{model.ResultRecord(`{"pairs":[{"id":1}]}`)},
			map[string]any{"schema": "pair-event", "network": "mainnet"},
		)

		require.Len(t, bus.published, 1)
		env := bus.published[0]
		assert.Equal(t, "graphql-events", env.Source)
		assert.Equal(t, "pairs", env.Type)
		assert.Equal(t, "mainnet", env.Metadata["network"])

		require.Len(t, ledger.rows, 1)
		for _, row := range ledger.rows {
			assert.Equal(t, "graphql-events", row.Source)
			assert.Equal(t, "pairs", row.Type)
			assert.Equal(t, "pair-event", row.Schema)
			assert.NotEmpty(t, row.MessageID)
		}
	})

	t.Run("discards empty records", func(t *testing.T) {
		ledger := newFakeLedger()
		bus := &fakeBus{}
		svc := newTestPublisher(t, ledger, bus)

		svc.PublishBatch(context.Background(), "pairs", []model.ResultRecord{
			model.ResultRecord(``),
			model.ResultRecord(`null`),
		}, nil)

		assert.Empty(t, bus.published)
		assert.Empty(t, ledger.rows)
	})

	t.Run("suppresses records already in the ledger", func(t *testing.T) {
		ledger := newFakeLedger()
		bus := &fakeBus{}
		svc := newTestPublisher(t, ledger, bus)
		record := model.ResultRecord(`{"pairs":[{"id":1}]}`)

		svc.PublishBatch(context.Background(), "pairs", []model.ResultRecord{record}, nil)
		svc.PublishBatch(context.Background(), "pairs", []model.ResultRecord{record}, nil)

		assert.Len(t, bus.published, 1)
		assert.Len(t, ledger.rows, 1)
	})

	t.Run("hashes canonically so key order does not matter", func(t *testing.T) {
		ledger := newFakeLedger()
		bus := &fakeBus{}
		svc := newTestPublisher(t, ledger, bus)

		svc.PublishBatch(context.Background(), "pairs",
			[]model.ResultRecord{model.ResultRecord(`{"a":1,"b":2}`)}, nil)
		svc.PublishBatch(context.Background(), "pairs",
			[]model.ResultRecord{model.ResultRecord(`{"b":2, "a":1}`)}, nil)

		assert.Len(t, bus.published, 1)
	})

	t.Run("treats record as new when ledger lookup fails", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.existsErr = errors.New("connection reset")
		bus := &fakeBus{}
		svc := newTestPublisher(t, ledger, bus)

		svc.PublishBatch(context.Background(), "pairs",
			[]model.ResultRecord{model.ResultRecord(`{"id":1}`)}, nil)

		assert.Len(t, bus.published, 1)
	})

	t.Run("writes no ledger row when publish fails", func(t *testing.T) {
		ledger := newFakeLedger()
		bus := &fakeBus{publishErr: errors.New("stream unavailable")}
		svc := newTestPublisher(t, ledger, bus)

		svc.PublishBatch(context.Background(), "pairs",
			[]model.ResultRecord{model.ResultRecord(`{"id":1}`)}, nil)

		assert.Empty(t, ledger.rows)

		// The record stays eligible once the bus recovers.
		bus.publishErr = nil
		svc.PublishBatch(context.Background(), "pairs",
			[]model.ResultRecord{model.ResultRecord(`{"id":1}`)}, nil)
		assert.Len(t, bus.published, 1)
		assert.Len(t, ledger.rows, 1)
	})

	t.Run("tolerates the insert race on duplicate hashes", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.existsErr = errors.New("lookup down") // force both records through
		bus := &fakeBus{}
		svc := newTestPublisher(t, ledger, bus)
		record := model.ResultRecord(`{"id":1}`)

		svc.PublishBatch(context.Background(), "pairs", []model.ResultRecord{record, record}, nil)

		// Both published, one ledger row; no panic, no error surfaced.
		assert.Len(t, bus.published, 2)
	})
}
