package replay

import (
	"encoding/json"
	"sync"
	"time"

	"ocppsim/storage"
)

// collector captures the actually-replayed event stream. It implements
// session.Tap; every session in a run shares one collector, so appends are
// serialized here.
type collector struct {
	mu          sync.Mutex
	start       time.Time
	events      []storage.Event
	serverCalls []storage.Event
}

func newCollector(start time.Time) *collector {
	return &collector{start: start}
}

func (c *collector) Tap(direction, chargePointID, action string, payload json.RawMessage) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, storage.Event{
		OffsetMs:      now.Sub(c.start).Milliseconds(),
		ChargePointID: chargePointID,
		Direction:     direction,
		Action:        action,
		Payload:       payload,
		Timestamp:     now,
	})
}

// AddServerCall records a server-initiated call separately from the main
// stream, so a run's result shows what the backend asked for.
func (c *collector) AddServerCall(chargePointID, action string, payload json.RawMessage) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverCalls = append(c.serverCalls, storage.Event{
		OffsetMs:      now.Sub(c.start).Milliseconds(),
		ChargePointID: chargePointID,
		Direction:     storage.DirectionInbound,
		Action:        action,
		Payload:       payload,
		Timestamp:     now,
	})
}

func (c *collector) Events() []storage.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) ServerCalls() []storage.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.Event, len(c.serverCalls))
	copy(out, c.serverCalls)
	return out
}
