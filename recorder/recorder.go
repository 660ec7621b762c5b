package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ocppsim/ocpp"
	"ocppsim/storage"
)

var (
	ErrAlreadyRecording = errors.New("recorder already armed")
	ErrNotRecording     = errors.New("recorder not armed")
)

// Metadata names the scenario a recording will become.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Folder      string   `json:"folder,omitempty"`
	URL         string   `json:"url,omitempty"`
}

// Recorder taps every protocol event and UI command into a time-stamped
// buffer while armed. Taps arrive concurrently from every active session;
// appends are serialized by a mutex. The buffer is bounded: beyond capacity
// the oldest events are evicted.
type Recorder struct {
	mu       sync.Mutex
	armed    bool
	start    time.Time
	meta     Metadata
	events   []storage.Event
	capacity int
	dropped  int
}

// New creates a recorder with the given event capacity (<=0 means the
// default of 100000).
func New(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 100000
	}
	return &Recorder{capacity: capacity}
}

// Start arms the recorder. Re-arming while armed is rejected.
func (r *Recorder) Start(meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed {
		return ErrAlreadyRecording
	}
	r.armed = true
	r.start = time.Now()
	r.meta = meta
	r.events = nil
	r.dropped = 0
	return nil
}

// Armed reports whether a recording is in progress.
func (r *Recorder) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// Tap appends one event with an offset relative to the arming time. Events
// arriving while disarmed are discarded.
func (r *Recorder) Tap(direction, chargePointID, action string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed {
		return
	}
	now := time.Now()
	r.events = append(r.events, storage.Event{
		OffsetMs:      now.Sub(r.start).Milliseconds(),
		ChargePointID: chargePointID,
		Direction:     direction,
		Action:        action,
		Payload:       payload,
		Timestamp:     now,
	})
	if len(r.events) > r.capacity {
		over := len(r.events) - r.capacity
		r.events = r.events[over:]
		r.dropped += over
	}
}

// TapUI records an externally reported operator command.
func (r *Recorder) TapUI(chargePointID, action string, payload json.RawMessage) {
	r.Tap(storage.DirectionUI, chargePointID, action, payload)
}

// Stop freezes the buffer, derives the per-charge-point session index and
// returns an immutable scenario. The recorded event stream doubles as the
// baseline for later regression comparison.
func (r *Recorder) Stop() (*storage.Scenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed {
		return nil, ErrNotRecording
	}
	r.armed = false

	events := make([]storage.Event, len(r.events))
	copy(events, r.events)
	r.events = nil

	baseline := make([]storage.Event, len(events))
	copy(baseline, events)

	scenario := &storage.Scenario{
		ID:          uuid.NewString(),
		Name:        r.meta.Name,
		Description: r.meta.Description,
		Tags:        r.meta.Tags,
		Folder:      r.meta.Folder,
		URL:         r.meta.URL,
		Sessions:    buildSessionIndex(events),
		Events:      events,
		Baseline:    baseline,
		DurationMs:  time.Since(r.start).Milliseconds(),
		CreatedAt:   r.start,
	}
	if scenario.Name == "" {
		scenario.Name = fmt.Sprintf("recording-%s", r.start.Format("20060102-150405"))
	}
	return scenario, nil
}

// buildSessionIndex reconstructs one logical session per charge point:
// first/last event times, event count and the inferred idTag.
func buildSessionIndex(events []storage.Event) []storage.ScenarioSession {
	byCP := make(map[string]*storage.ScenarioSession)
	for _, ev := range events {
		if ev.ChargePointID == "" {
			continue
		}
		sess, ok := byCP[ev.ChargePointID]
		if !ok {
			sess = &storage.ScenarioSession{
				ChargePointID: ev.ChargePointID,
				FirstEvent:    ev.Timestamp,
				LastEvent:     ev.Timestamp,
			}
			byCP[ev.ChargePointID] = sess
		}
		if ev.Timestamp.Before(sess.FirstEvent) {
			sess.FirstEvent = ev.Timestamp
		}
		if ev.Timestamp.After(sess.LastEvent) {
			sess.LastEvent = ev.Timestamp
		}
		sess.EventCount++

		// Most recent non-default idTag wins.
		if tag := InferIdTag(ev.Action, ev.Payload); tag != "" {
			sess.IdTag = tag
		}
	}

	sessions := make([]storage.ScenarioSession, 0, len(byCP))
	for _, sess := range byCP {
		sessions = append(sessions, *sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ChargePointID < sessions[j].ChargePointID
	})
	return sessions
}

// InferIdTag extracts a non-default idTag from Authorize or StartTransaction
// payloads, or "" when none is present.
func InferIdTag(action string, payload json.RawMessage) string {
	if action != ocpp.ActionAuthorize && action != ocpp.ActionStartTransaction {
		return ""
	}
	var body struct {
		IdTag string `json:"idTag"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	if body.IdTag == "" || body.IdTag == ocpp.DefaultIdTag {
		return ""
	}
	return body.IdTag
}
