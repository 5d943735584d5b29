package config

import "time"

// RelayConfig contains configuration for the relay pipeline: where job
// definitions and query documents live, how results are published, and how
// batches are retried.
type RelayConfig struct {
	// JobsFile is the path to the JSON file mapping job names to definitions.
	JobsFile string `env:"JOBS_FILE" envDefault:"jobs.json"`

	// QueriesDir is the root directory holding per-job query documents
	// (one subdirectory per job name).
	QueriesDir string `env:"QUERIES_DIR" envDefault:"queries"`

	// Stream is the Redis stream messages are published to.
	Stream string `env:"TOPIC" envDefault:"graphql-events"`

	// Source is the source identifier stamped on every envelope and ledger row.
	Source string `env:"SOURCE_ID" envDefault:"graphql-events"`

	// DigestKey is the HMAC key used for content hashing. Required when the
	// relay service is enabled; there is deliberately no default.
	DigestKey string `env:"DIGEST_KEY"`

	// RetryDelay is the wait between whole-batch retries when a query result
	// carries errors.
	RetryDelay time.Duration `env:"RETRY_DELAY" envDefault:"5s"`

	// MaxBatchRetries caps whole-batch retries. 0 retries indefinitely.
	MaxBatchRetries uint64 `env:"MAX_BATCH_RETRIES" envDefault:"0"`

	// QueryConcurrency bounds concurrent query executions within one batch.
	QueryConcurrency int `env:"QUERY_CONCURRENCY" envDefault:"4"`

	// SchemaProbeAttempts is how many times a schema endpoint is probed before
	// the job's executor is failed permanently.
	SchemaProbeAttempts uint64 `env:"SCHEMA_PROBE_ATTEMPTS" envDefault:"5"`

	// SchemaProbeDelay is the initial delay between schema probe attempts.
	SchemaProbeDelay time.Duration `env:"SCHEMA_PROBE_DELAY" envDefault:"2s"`

	// ChainEndpoints maps network names to WebSocket RPC endpoints, e.g.
	// CHAIN_ENDPOINTS=mainnet:wss://host/ws,polygon:wss://other/ws
	ChainEndpoints map[string]string `env:"CHAIN_ENDPOINTS" envKeyValSeparator:":" envSeparator:","`
}

// Sanitize applies guardrails to relay configuration values.
func (r *RelayConfig) Sanitize() {
	if r.RetryDelay < time.Second {
		r.RetryDelay = time.Second
	}
	if r.QueryConcurrency < 1 {
		r.QueryConcurrency = 1
	}
	if r.SchemaProbeAttempts < 1 {
		r.SchemaProbeAttempts = 1
	}
	if r.SchemaProbeDelay < 500*time.Millisecond {
		r.SchemaProbeDelay = 500 * time.Millisecond
	}
}

// SweeperConfig contains ledger retention sweeper configuration.
type SweeperConfig struct {
	// Interval is the sweep tick interval.
	Interval time.Duration `env:"SWEEPER_INTERVAL" envDefault:"1h"`

	// Retention is how long ledger rows are kept before deletion.
	Retention time.Duration `env:"SWEEPER_RETENTION" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows deleted per statement.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	if s.Interval < time.Minute {
		s.Interval = time.Minute
	}
	if s.Retention < time.Hour {
		s.Retention = time.Hour
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
}
