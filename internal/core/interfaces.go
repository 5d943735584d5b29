// Package core defines the interfaces between the relay pipeline and its
// external collaborators: the ledger store, the message bus, the remote
// GraphQL backend, and the blockchain event streams.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/target/graph-relay/internal/domain/model"
)

// ErrDuplicateEntry is returned by LedgerRepository.Insert when a row with
// the same hash already exists. The dedup check runs before insertion, so
// this only surfaces when two concurrent publishes race on the same record.
var ErrDuplicateEntry = errors.New("ledger entry already exists")

// ErrSchemaUnavailable is returned by a batch executor whose schema endpoint
// could not be reached within the configured probe budget. The executor is
// failed permanently rather than left hanging.
var ErrSchemaUnavailable = errors.New("schema unavailable")

// LedgerRepository is the durable record of previously published result
// hashes, used for deduplication.
type LedgerRepository interface {
	// Exists reports whether a row matching (hash, source, type) is present.
	Exists(ctx context.Context, hash, source, recordType string) (bool, error)
	// Insert stores a new ledger row. Returns ErrDuplicateEntry when the
	// hash is already recorded.
	Insert(ctx context.Context, entry model.LedgerEntry) error
	// DeleteOlderThan removes rows created before the cutoff, up to limit
	// rows per call, and returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// MessageBus publishes envelopes downstream and returns the opaque message
// identifier assigned by the bus.
type MessageBus interface {
	Publish(ctx context.Context, envelope model.Envelope) (string, error)
}

// QueryBackend executes one query document against a remote schema.
// Result-level errors reported by the source come back in the second return
// value with a nil error; the error return is reserved for transport and
// protocol failures.
type QueryBackend interface {
	Exec(ctx context.Context, query string, variables map[string]any) (model.ResultRecord, []string, error)
	// Probe checks that the schema endpoint answers at all. Used once at
	// executor construction to establish readiness.
	Probe(ctx context.Context) error
}

// QueryBackendFactory builds a backend bound to one schema endpoint.
type QueryBackendFactory func(schemaURL string) QueryBackend

// QuerySource discovers and reads the query documents belonging to a job.
type QuerySource interface {
	// List returns the query document names for a job. A missing collection
	// is reported as fs.ErrNotExist; callers treat it as zero queries.
	List(job string) ([]string, error)
	// Read returns the content of one query document.
	Read(job, name string) (string, error)
}

// BlockStream is a subscription feed of new block heights from one network.
type BlockStream interface {
	// Subscribe returns a channel receiving block heights. Each caller gets
	// its own channel; slow consumers may miss notifications.
	Subscribe() <-chan uint64
}

// BlockStreamProvider hands out block streams, sharing one underlying
// connection per network across all subscribers.
type BlockStreamProvider interface {
	Stream(ctx context.Context, network model.Network) (BlockStream, error)
}

// BatchExecutor runs one job's query batch with the given variables and
// returns the surviving data payloads in settlement order.
type BatchExecutor interface {
	Execute(ctx context.Context, variables map[string]any) ([]model.ResultRecord, error)
}

// ResultSink receives executor output for deduplicated publication.
type ResultSink interface {
	PublishBatch(ctx context.Context, jobName string, records []model.ResultRecord, metadata map[string]any)
}
