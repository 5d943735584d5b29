package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ResultRecord is the opaque data payload returned by one query execution.
// It has no identity of its own until hashed by the publish pipeline.
type ResultRecord json.RawMessage

// IsEmpty reports whether the record carries no publishable payload.
func (r ResultRecord) IsEmpty() bool {
	trimmed := bytes.TrimSpace(r)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// QueryResult is the outcome of executing a single query document: the data
// payload plus any result-level errors the remote source reported.
type QueryResult struct {
	Query  string
	Data   ResultRecord
	Errors []string
}

// HasErrors reports whether the remote source attached errors to the result.
func (q QueryResult) HasErrors() bool {
	return len(q.Errors) > 0
}

// Envelope is the message handed to the outbound bus: one result record with
// routing metadata. Schedule metadata is flattened into the top-level object,
// matching the wire format consumers already parse.
type Envelope struct {
	Source   string
	Type     string
	Message  ResultRecord
	Metadata map[string]any
}

// reserved envelope keys that schedule metadata must not override.
var reservedEnvelopeKeys = map[string]struct{}{
	"source":  {},
	"type":    {},
	"message": {},
}

// MarshalJSON renders the envelope as {source, type, message, ...metadata}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3+len(e.Metadata))
	for k, v := range e.Metadata {
		if _, clash := reservedEnvelopeKeys[k]; clash {
			continue
		}
		out[k] = v
	}
	out["source"] = e.Source
	out["type"] = e.Type
	if e.Message.IsEmpty() {
		out["message"] = nil
	} else {
		out["message"] = json.RawMessage(e.Message)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}
