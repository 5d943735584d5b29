package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/data/cryptoutil"
	"github.com/target/graph-relay/internal/domain/model"
	"github.com/target/graph-relay/internal/observability/metrics"
	"github.com/target/graph-relay/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
)

// PublishServiceOptions groups dependencies for PublishService.
type PublishServiceOptions struct {
	Digester    *cryptoutil.Digester  // Required: content hasher
	Ledger      core.LedgerRepository // Required: sent-message ledger
	Bus         core.MessageBus       // Required: downstream message bus
	Source      string                // Required: envelope source identifier
	Concurrency int                   // Optional: per-batch publish concurrency, default 4
	Logger      *slog.Logger          // Optional: structured logger
	Metrics     statsd.Sink           // Optional: metric sink
}

// PublishService deduplicates query results against the ledger and publishes
// new ones to the message bus. Records flow through independently; one
// record's failure never blocks its siblings.
type PublishService struct {
	digester    *cryptoutil.Digester
	ledger      core.LedgerRepository
	bus         core.MessageBus
	source      string
	concurrency int
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewPublishService constructs the dedup and publish pipeline.
func NewPublishService(opts PublishServiceOptions) (*PublishService, error) {
	if opts.Digester == nil {
		return nil, errors.New("Digester is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("LedgerRepository is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("MessageBus is required")
	}
	if opts.Source == "" {
		return nil, errors.New("source identifier is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = defaultQueryConcurrency
	}

	return &PublishService{
		digester:    opts.Digester,
		ledger:      opts.Ledger,
		bus:         opts.Bus,
		source:      opts.Source,
		concurrency: concurrency,
		logger:      logger.With("component", "publisher"),
		metrics:     opts.Metrics,
	}, nil
}

// PublishBatch pushes each record through the dedup pipeline concurrently.
// Empty records are discarded, known content hashes are suppressed, and new
// records are published before their ledger row is written. A record is
// recorded as sent only after the bus accepted it, so a publish failure
// leaves the record eligible for the next batch.
func (s *PublishService) PublishBatch(
	ctx context.Context,
	jobName string,
	records []model.ResultRecord,
	metadata map[string]any,
) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, record := range records {
		record := record
		g.Go(func() error {
			s.publishRecord(gctx, jobName, record, metadata)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *PublishService) publishRecord(
	ctx context.Context,
	jobName string,
	record model.ResultRecord,
	metadata map[string]any,
) {
	logger := s.logger.With("job", jobName)

	if record.IsEmpty() {
		logger.Debug("discarding empty result")
		metrics.EmitPublish(s.metrics, metrics.PublishMetric{Job: jobName, Result: metrics.ResultNoop})
		return
	}

	hash, err := s.digester.SumCanonical([]byte(record))
	if err != nil {
		logger.Error("failed hashing result", "error", err)
		metrics.EmitPublish(s.metrics, metrics.PublishMetric{Job: jobName, Result: metrics.ResultError, Err: err})
		return
	}
	logger = logger.With("hash", hash)

	exists, err := s.ledger.Exists(ctx, hash, s.source, jobName)
	if err != nil {
		// Favor duplicate delivery over silent loss when the ledger is
		// unreachable.
		logger.Warn("ledger lookup failed; treating result as new", "error", err)
		exists = false
	}
	if exists {
		logger.Debug("suppressing duplicate result")
		metrics.EmitPublish(s.metrics, metrics.PublishMetric{Job: jobName, Result: metrics.ResultNoop})
		return
	}

	envelope := model.Envelope{
		Source:   s.source,
		Type:     jobName,
		Message:  record,
		Metadata: metadata,
	}
	messageID, err := s.bus.Publish(ctx, envelope)
	if err != nil {
		logger.Error("failed publishing result", "error", err)
		metrics.EmitPublish(s.metrics, metrics.PublishMetric{Job: jobName, Result: metrics.ResultError, Err: err})
		return
	}

	entry := model.LedgerEntry{
		Hash:      hash,
		Source:    s.source,
		Type:      jobName,
		Schema:    schemaTag(metadata),
		MessageID: messageID,
	}
	if err := s.ledger.Insert(ctx, entry); err != nil {
		if errors.Is(err, core.ErrDuplicateEntry) {
			// A concurrent batch won the race; the message went out twice,
			// which the pipeline tolerates.
			logger.Debug("ledger row already present", "message_id", messageID)
		} else {
			logger.Error("failed recording sent message", "message_id", messageID, "error", err)
		}
	}

	logger.Debug("published result", "message_id", messageID)
	metrics.EmitPublish(s.metrics, metrics.PublishMetric{Job: jobName, Result: metrics.ResultSuccess})
}

func schemaTag(metadata map[string]any) string {
	if s, ok := metadata["schema"].(string); ok {
		return s
	}
	return ""
}

var _ core.ResultSink = (*PublishService)(nil)
