package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"ocppsim/compare"
	"ocppsim/ocpp"
	"ocppsim/recorder"
	"ocppsim/session"
	"ocppsim/storage"
)

// logCap bounds an execution's log trail; oldest entries are evicted.
const logCap = 1000

// Config carries process-wide replay defaults.
type Config struct {
	// DefaultURL is the fallback transport URL when neither the request
	// nor the scenario names one.
	DefaultURL  string
	CallTimeout time.Duration
	// Grace is how long to wait for trailing responses after the plan is
	// exhausted.
	Grace time.Duration
}

// Options select per-run behavior.
type Options struct {
	URL         string
	Mode        Mode
	SpeedFactor float64
}

// Replayer drives recorded scenarios against a live backend and stores one
// execution document per run.
type Replayer struct {
	store      *storage.Store
	cfg        Config
	dial       session.Dialer
	comparator compare.Comparator

	mu      sync.Mutex
	running map[string]*runState
}

type runState struct {
	scenarioID string
	startedAt  time.Time
	cancel     context.CancelFunc
}

func New(store *storage.Store, cfg Config) *Replayer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	return &Replayer{
		store:      store,
		cfg:        cfg,
		dial:       session.DialWebSocket,
		comparator: compare.New(),
		running:    make(map[string]*runState),
	}
}

// SetDialer swaps the transport dialer; tests use it to run against an
// in-process central system.
func (r *Replayer) SetDialer(dial session.Dialer) { r.dial = dial }

// SetComparator swaps the comparison algorithm.
func (r *Replayer) SetComparator(c compare.Comparator) { r.comparator = c }

// Start launches a run asynchronously and returns its execution id.
func (r *Replayer) Start(scenarioID string, opts Options) (string, error) {
	scenario, err := r.store.GetScenario(scenarioID)
	if err != nil {
		return "", err
	}

	execID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.running[execID] = &runState{scenarioID: scenarioID, startedAt: time.Now(), cancel: cancel}
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.running, execID)
			r.mu.Unlock()
		}()
		r.Run(ctx, execID, scenario, opts)
	}()

	return execID, nil
}

// Cancel stops a running execution. The event loop observes the flag
// between events and terminates the run.
func (r *Replayer) Cancel(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.running[executionID]; ok {
		state.cancel()
		return true
	}
	return false
}

// Status returns a placeholder document for a still-running execution, or
// the stored document once the run is terminal.
func (r *Replayer) Status(executionID string) (*storage.Execution, error) {
	r.mu.Lock()
	state, ok := r.running[executionID]
	r.mu.Unlock()
	if ok {
		return &storage.Execution{
			ID:         executionID,
			ScenarioID: state.scenarioID,
			Status:     storage.StatusRunning,
			StartedAt:  state.startedAt,
		}, nil
	}
	return r.store.GetExecution(executionID)
}

// Run executes one replay synchronously and persists the terminal document
// exactly once. It always returns a terminal execution.
func (r *Replayer) Run(ctx context.Context, execID string, scenario *storage.Scenario, opts Options) *storage.Execution {
	replayStart := time.Now()
	exec := &storage.Execution{
		ID:         execID,
		ScenarioID: scenario.ID,
		Status:     storage.StatusRunning,
		StartedAt:  replayStart,
		Config: storage.ReplayConfig{
			Mode:        string(opts.Mode),
			SpeedFactor: opts.SpeedFactor,
		},
	}
	logf := func(format string, args ...interface{}) {
		line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
		exec.Logs = append(exec.Logs, line)
		if len(exec.Logs) > logCap {
			exec.Logs = exec.Logs[len(exec.Logs)-logCap:]
		}
		log.Printf("[replay %s] %s", execID, fmt.Sprintf(format, args...))
	}

	// 1. Resolve the target URL: request override, then scenario, then
	// process default. No URL is a configuration error, fatal to the run.
	url := opts.URL
	if url == "" {
		url = scenario.URL
	}
	if url == "" {
		url = r.cfg.DefaultURL
	}
	if url == "" {
		return r.finish(exec, storage.StatusError, "no transport URL resolves: neither request, scenario nor config names one", logf)
	}
	exec.Config.URL = url

	mode := opts.Mode
	if mode == "" {
		mode = ModeSmart
	}
	exec.Config.Mode = string(mode)

	coll := newCollector(replayStart)

	// 2-3. Build one session per recorded charge point and connect
	// sequentially. A failed connect is a warning, not fatal to the run.
	sessions := r.buildSessions(ctx, scenario, url, coll, logf)
	exec.Metrics.SessionsTotal = len(sessions.byCP) + sessions.failed
	exec.Metrics.SessionsFailed = sessions.failed
	defer sessions.closeAll()

	// 4. Build the dispatch plan.
	plan := BuildPlan(scenario.Events)
	exec.Metrics.EventsPlanned = len(plan)
	logf("plan built: %d of %d recorded events, mode=%s", len(plan), len(scenario.Events), mode)

	var baseOffset int64
	if len(plan) > 0 {
		baseOffset = plan[0].OffsetMs
	}

	// 5-7. Walk the plan: delay per timing policy, retime, substitute
	// identifiers, dispatch. Cancellation is polled every iteration, not
	// only inside the sleep.
	prevOffset := baseOffset
	for i, ev := range plan {
		if ctx.Err() != nil {
			logf("replay cancelled after %d events", i)
			r.attachResults(exec, coll, scenario, logf)
			return r.finish(exec, storage.StatusError, "replay cancelled", logf)
		}

		gap := time.Duration(ev.OffsetMs-prevOffset) * time.Millisecond
		prevOffset = ev.OffsetMs
		if delay := ComputeDelay(mode, gap, ev.Action, opts.SpeedFactor); delay > 0 {
			select {
			case <-ctx.Done():
				logf("replay cancelled during delay before event %d", i)
				r.attachResults(exec, coll, scenario, logf)
				return r.finish(exec, storage.StatusError, "replay cancelled", logf)
			case <-time.After(delay):
			}
		}

		sess, ok := sessions.byCP[ev.ChargePointID]
		if !ok {
			exec.Differences = append(exec.Differences, storage.Difference{
				Kind:       storage.DiffError,
				Path:       fmt.Sprintf("/events/%d", i),
				Expected:   ev.Action,
				Actual:     fmt.Sprintf("no connected session for charge point %s", ev.ChargePointID),
				EventIndex: i,
			})
			exec.Metrics.DispatchErrors++
			continue
		}

		payload := Retime(ev.Payload, replayStart, ev.OffsetMs, baseOffset)
		payload = substituteIdentifiers(ev.Action, payload, sess.IdTag(), sess.TransactionID())

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		_, err := sess.Call(callCtx, ev.Action, payload)
		cancel()
		if err != nil {
			logf("dispatch %s to %s failed: %v", ev.Action, ev.ChargePointID, err)
			exec.Differences = append(exec.Differences, storage.Difference{
				Kind:       storage.DiffError,
				Path:       fmt.Sprintf("/events/%d", i),
				Expected:   ev.Action,
				Actual:     err.Error(),
				EventIndex: i,
			})
			exec.Metrics.DispatchErrors++
			continue
		}
		exec.Metrics.EventsDispatched++
	}

	// 8. Let trailing responses land, then close and compare.
	select {
	case <-ctx.Done():
	case <-time.After(r.cfg.Grace):
	}
	sessions.closeAll()

	r.attachResults(exec, coll, scenario, logf)

	status := storage.StatusSuccess
	if len(exec.Differences) > 0 {
		status = storage.StatusFailed
	}
	return r.finish(exec, status, "", logf)
}

// attachResults hands the baseline and the actual stream to the comparator
// and copies the collected events onto the execution.
func (r *Replayer) attachResults(exec *storage.Execution, coll *collector, scenario *storage.Scenario, logf func(string, ...interface{})) {
	exec.Events = coll.Events()
	exec.ServerCalls = coll.ServerCalls()

	if len(scenario.Baseline) == 0 {
		// No baseline is not the same as zero differences.
		exec.BaselinePresent = false
		logf("scenario has no baseline; skipping comparison")
		return
	}
	exec.BaselinePresent = true

	expected := protocolOnly(scenario.Baseline)
	actual := protocolOnly(exec.Events)
	diffs := r.comparator.Compare(expected, actual)
	exec.Differences = append(exec.Differences, diffs...)
	logf("comparison finished: %d differences", len(diffs))
}

// protocolOnly strips UI command events; a replay reproduces protocol
// traffic, not operator actions.
func protocolOnly(events []storage.Event) []storage.Event {
	out := make([]storage.Event, 0, len(events))
	for _, ev := range events {
		if ev.Direction == storage.DirectionUI {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (r *Replayer) finish(exec *storage.Execution, status, message string, logf func(string, ...interface{})) *storage.Execution {
	now := time.Now()
	exec.Status = status
	exec.FinishedAt = &now
	exec.Metrics.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
	if message != "" {
		exec.Error = message
		logf("execution %s: %s", status, message)
	} else {
		logf("execution %s", status)
	}
	if r.store != nil {
		if err := r.store.SaveExecution(exec); err != nil {
			log.Printf("[replay %s] failed to persist execution: %v", exec.ID, err)
		}
	}
	return exec
}

type sessionSet struct {
	byCP   map[string]*session.Session
	failed int
}

func (s *sessionSet) closeAll() {
	for _, sess := range s.byCP {
		sess.Close()
	}
}

// buildSessions creates and connects one session per recorded charge point.
// The recorded idTag is preferred; scanning event payloads can override it
// when a later, more specific tag was observed.
func (r *Replayer) buildSessions(ctx context.Context, scenario *storage.Scenario, url string, coll *collector, logf func(string, ...interface{})) *sessionSet {
	idTags := make(map[string]string)
	order := []string{}
	for _, sess := range scenario.Sessions {
		if _, seen := idTags[sess.ChargePointID]; !seen {
			order = append(order, sess.ChargePointID)
		}
		idTags[sess.ChargePointID] = sess.IdTag
	}
	// Directly-submitted scenarios may carry no session index; derive the
	// charge-point set from the events. Payload scanning refines idTags
	// either way.
	for _, ev := range scenario.Events {
		if ev.ChargePointID == "" {
			continue
		}
		if _, seen := idTags[ev.ChargePointID]; !seen {
			order = append(order, ev.ChargePointID)
			idTags[ev.ChargePointID] = ""
		}
		if tag := recorder.InferIdTag(ev.Action, ev.Payload); tag != "" {
			idTags[ev.ChargePointID] = tag
		}
	}

	set := &sessionSet{byCP: make(map[string]*session.Session)}
	for _, cpID := range order {
		idTag := idTags[cpID]
		if idTag == "" {
			idTag = "TAG-" + cpID
		}
		sess := session.New(session.Config{
			URL:           url,
			ChargePointID: cpID,
			IdTag:         idTag,
			CallTimeout:   r.cfg.CallTimeout,
			Dial:          r.dial,
			Tap:           coll,
			OnServerCall: func(cp string) func(string, json.RawMessage) {
				return func(action string, payload json.RawMessage) {
					coll.AddServerCall(cp, action, payload)
				}
			}(cpID),
		})
		if err := sess.Connect(ctx); err != nil {
			logf("warning: charge point %s failed to connect: %v", cpID, err)
			set.failed++
			continue
		}
		set.byCP[cpID] = sess
	}
	return set
}

// substituteIdentifiers rewrites correlation identifiers for the live run:
// an explicit idTag is preserved, a missing one gets the session's; meter
// and stop frames carry the transaction id this replay's own
// StartTransaction produced, never the recorded one. With no live
// transaction the recorded id is stripped.
func substituteIdentifiers(action string, payload json.RawMessage, idTag string, liveTxID int) json.RawMessage {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}

	changed := false
	switch action {
	case ocpp.ActionAuthorize, ocpp.ActionStartTransaction:
		if existing, _ := doc["idTag"].(string); existing == "" && idTag != "" {
			doc["idTag"] = idTag
			changed = true
		}
	}

	switch action {
	case ocpp.ActionMeterValues, ocpp.ActionStopTransaction:
		if liveTxID != 0 {
			doc["transactionId"] = liveTxID
			changed = true
		} else if _, ok := doc["transactionId"]; ok {
			// No live transaction this run; a recorded id would reference a
			// transaction the backend never opened.
			delete(doc, "transactionId")
			changed = true
		}
	}

	if !changed {
		return payload
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return out
}
