// Package metrics standardizes metric emission for the relay pipeline.
package metrics

import (
	"time"

	obserrors "github.com/target/graph-relay/internal/observability/errors"
	"github.com/target/graph-relay/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// BatchMetric captures one executor batch run for metric emission.
type BatchMetric struct {
	Job      string
	Trigger  string // "interval" or "block"
	Result   string
	Queries  int
	Retries  int
	Duration time.Duration
	Err      error
}

// EmitBatch emits standardized executor batch metrics.
func EmitBatch(sink statsd.Sink, in BatchMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job":     in.Job,
		"trigger": in.Trigger,
		"result":  in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("executor.batch", 1, tags)
	if in.Result == ResultSuccess {
		sink.Gauge("executor.last_success_epoch", float64(time.Now().Unix()), CloneTags(tags))
	}
	if in.Queries > 0 {
		sink.Count("executor.queries", int64(in.Queries), CloneTags(tags))
	}
	if in.Retries > 0 {
		sink.Count("executor.batch_retries", int64(in.Retries), CloneTags(tags))
	}
	if in.Duration > 0 {
		sink.Timing("executor.batch_duration", in.Duration, CloneTags(tags))
	}
}

// PublishMetric captures one pipeline record outcome for metric emission.
type PublishMetric struct {
	Job    string
	Result string // success, error, or noop for deduplicated records
	Err    error
}

// EmitPublish emits standardized publish pipeline metrics.
func EmitPublish(sink statsd.Sink, in PublishMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job":    in.Job,
		"result": in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("publish.record", 1, tags)
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
