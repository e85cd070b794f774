package domain

import (
	"math/big"
	"time"
)

// WatcherState is a node of the watcher lifecycle:
// idle -> starting -> running <-> reconnecting -> stopped, with failed
// reachable from starting.
type WatcherState string

const (
	WatcherIdle         WatcherState = "idle"
	WatcherStarting     WatcherState = "starting"
	WatcherRunning      WatcherState = "running"
	WatcherReconnecting WatcherState = "reconnecting"
	WatcherStopped      WatcherState = "stopped"
	WatcherFailed       WatcherState = "failed"
)

// WatcherHealth is a point-in-time snapshot of one watcher.
type WatcherHealth struct {
	Name        string       `json:"name"`
	State       WatcherState `json:"state"`
	LastEventAt *time.Time   `json:"last_event_at,omitempty"`
	LastBlock   *big.Int     `json:"last_block,omitempty"`
	EventsTotal uint64       `json:"events_total"`
	ErrorsTotal uint64       `json:"errors_total"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
}

// AggregateStatus summarises all trade sources.
type AggregateStatus string

const (
	StatusHealthy   AggregateStatus = "healthy"
	StatusDegraded  AggregateStatus = "degraded"
	StatusUnhealthy AggregateStatus = "unhealthy"
)

// OrchestratorHealth is the health snapshot of the merged trade stream.
type OrchestratorHealth struct {
	Status        AggregateStatus `json:"status"`
	Watchers      []WatcherHealth `json:"watchers"`
	Published     uint64          `json:"published_total"`
	Duplicates    uint64          `json:"duplicates_total"`
	DedupFailures uint64          `json:"dedup_failures_total"`
}
