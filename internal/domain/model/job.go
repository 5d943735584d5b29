package model

import (
	"errors"
	"fmt"
	"time"
)

// Network identifies a blockchain event source a schedule can subscribe to.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkRinkeby Network = "rinkeby"
	NetworkPolygon Network = "polygon"
	NetworkMumbai  Network = "mumbai"
)

// Valid reports whether the network is one of the known event sources.
func (n Network) Valid() bool {
	switch n {
	case NetworkMainnet, NetworkRinkeby, NetworkPolygon, NetworkMumbai:
		return true
	}
	return false
}

// ScheduleEntry is a single trigger for a job: a repeating interval, a
// blockchain new-block subscription, or both. Metadata is merged into every
// envelope published for results produced by this schedule.
type ScheduleEntry struct {
	IntervalMS int64          `json:"interval,omitempty"`
	Network    Network        `json:"network,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Interval returns the timer interval, zero if the schedule is event-only.
func (s ScheduleEntry) Interval() time.Duration {
	if s.IntervalMS <= 0 {
		return 0
	}
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// SchemaTag returns the result-schema tag carried in the schedule metadata,
// recorded on ledger rows alongside the content hash.
func (s ScheduleEntry) SchemaTag() string {
	if s.Metadata == nil {
		return ""
	}
	if tag, ok := s.Metadata["schema"].(string); ok {
		return tag
	}
	return ""
}

// Validate checks that the schedule has at least one usable trigger.
func (s ScheduleEntry) Validate() error {
	if s.IntervalMS < 0 {
		return fmt.Errorf("interval must be positive, got %dms", s.IntervalMS)
	}
	if s.Network != "" && !s.Network.Valid() {
		return fmt.Errorf("unknown network %q", s.Network)
	}
	if s.IntervalMS == 0 && s.Network == "" {
		return errors.New("schedule needs an interval or a network")
	}
	return nil
}

// JobDefinition is a named unit of work: a remote query schema plus one or
// more schedules. Definitions are loaded from static configuration at startup
// and are immutable afterwards.
type JobDefinition struct {
	Name      string          `json:"-"`
	Schema    string          `json:"schema"`
	Schedules []ScheduleEntry `json:"schedules"`
}

// Validate checks the definition for the fields the dispatcher requires.
// Invalid definitions are skipped with a diagnostic, never fatal.
func (j JobDefinition) Validate() error {
	if j.Name == "" {
		return errors.New("job name is required")
	}
	if j.Schema == "" {
		return errors.New("schema is missing")
	}
	if len(j.Schedules) == 0 {
		return errors.New("no schedules defined")
	}
	for i, s := range j.Schedules {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	return nil
}
