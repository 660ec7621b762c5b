package storage

import (
	"encoding/json"
	"time"
)

// Event directions. UI-originated commands are recorded alongside protocol
// traffic so a replay can reproduce operator actions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
	DirectionUI       = "ui"
)

// Execution statuses. An execution is mutated only while running; exactly
// one terminal transition happens and FinishedAt is set at that point.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Difference kinds produced by the comparator.
const (
	DiffMissing   = "missing"
	DiffExtra     = "extra"
	DiffDifferent = "different"
	DiffError     = "error"
	DiffCount     = "count"
)

// Event is the atomic unit recorded and replayed. OffsetMs is relative to
// the recording (or replay) start; ordering within a scenario is significant.
type Event struct {
	OffsetMs      int64           `json:"offsetMs"`
	ChargePointID string          `json:"chargePointId"`
	Direction     string          `json:"direction"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ScenarioSession is the per-charge-point index derived when a recording
// stops: first/last activity, inferred idTag and event count.
type ScenarioSession struct {
	ChargePointID string    `json:"chargePointId"`
	IdTag         string    `json:"idTag,omitempty"`
	FirstEvent    time.Time `json:"firstEvent"`
	LastEvent     time.Time `json:"lastEvent"`
	EventCount    int       `json:"eventCount"`
}

// Scenario is a persisted, replayable recording of one conversation.
// Immutable once created.
type Scenario struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Folder      string            `json:"folder,omitempty"`
	URL         string            `json:"url,omitempty"`
	Sessions    []ScenarioSession `json:"sessions"`
	Events      []Event           `json:"events"`
	Baseline    []Event           `json:"baseline,omitempty"`
	DurationMs  int64             `json:"durationMs"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Difference is a structured mismatch between a baseline event stream and a
// replayed one. Never mutated after creation.
type Difference struct {
	Kind       string      `json:"kind"`
	Path       string      `json:"path"`
	Expected   interface{} `json:"expected,omitempty"`
	Actual     interface{} `json:"actual,omitempty"`
	EventIndex int         `json:"eventIndex"`
}

// ReplayConfig captures how an execution was run.
type ReplayConfig struct {
	URL         string  `json:"url"`
	Mode        string  `json:"mode"`
	SpeedFactor float64 `json:"speedFactor,omitempty"`
}

// ExecutionMetrics are aggregate counters for one run.
type ExecutionMetrics struct {
	EventsPlanned    int   `json:"eventsPlanned"`
	EventsDispatched int   `json:"eventsDispatched"`
	DispatchErrors   int   `json:"dispatchErrors"`
	SessionsTotal    int   `json:"sessionsTotal"`
	SessionsFailed   int   `json:"sessionsFailed"`
	DurationMs       int64 `json:"durationMs"`
}

// Execution is one run of a scenario with its own result set. Written to
// durable storage exactly once, at the terminal transition.
type Execution struct {
	ID              string           `json:"id"`
	ScenarioID      string           `json:"scenarioId"`
	Status          string           `json:"status"`
	StartedAt       time.Time        `json:"startedAt"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty"`
	Events          []Event          `json:"events"`
	ServerCalls     []Event          `json:"serverCalls,omitempty"`
	Differences     []Difference     `json:"differences"`
	BaselinePresent bool             `json:"baselinePresent"`
	Logs            []string         `json:"logs"`
	Metrics         ExecutionMetrics `json:"metrics"`
	Config          ReplayConfig     `json:"config"`
	Error           string           `json:"error,omitempty"`
}
