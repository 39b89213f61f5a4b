package model

import "time"

// EventRecord is one entry of an aggregate's append-only log. Version is the
// 1-based position within that aggregate.
type EventRecord struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregate_id"`
	Type        string    `json:"type"`
	Data        any       `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

// Snapshot captures aggregate state as of Version. Newer snapshots supersede
// older ones; none is ever modified after creation.
type Snapshot struct {
	AggregateID string    `json:"aggregate_id"`
	State       any       `json:"state"`
	Version     int       `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}
