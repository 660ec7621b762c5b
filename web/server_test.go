package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ocppsim/config"
	"ocppsim/mock"
	"ocppsim/ocpp"
	"ocppsim/recorder"
	"ocppsim/replay"
	"ocppsim/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()

	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{ListenHost: "127.0.0.1", ListenPort: 8080},
		OCPP: config.OCPPConfig{
			CentralSystemURL: "ws://localhost:9000/ocpp",
			CallTimeout:      5 * time.Second,
			MeterInterval:    20 * time.Millisecond,
			HoldDuration:     40 * time.Millisecond,
		},
		Replay: config.ReplayConfig{Mode: "smart", SpeedFactor: 1.0, Grace: 50 * time.Millisecond},
		Perf:   config.PerfConfig{Concurrency: 2, RampInterval: 10 * time.Millisecond, LatencyWindow: 100},
	}

	rep := replay.New(store, replay.Config{
		DefaultURL:  cfg.OCPP.CentralSystemURL,
		CallTimeout: cfg.OCPP.CallTimeout,
		Grace:       cfg.Replay.Grace,
	})

	return NewServer(cfg, store, recorder.New(0), rep), store
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func testScenario() *storage.Scenario {
	now := time.Now().UTC()
	payload := func(v interface{}) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	events := []storage.Event{
		{OffsetMs: 0, ChargePointID: "CP-WEB", Direction: storage.DirectionOutbound,
			Action: ocpp.ActionBootNotification, Payload: payload(ocpp.NewBootNotification("CP-WEB")), Timestamp: now},
		{OffsetMs: 20, ChargePointID: "CP-WEB", Direction: storage.DirectionOutbound,
			Action: ocpp.ActionAuthorize, Payload: payload(ocpp.AuthorizePayload{IdTag: "TAG-WEB"}), Timestamp: now},
	}
	return &storage.Scenario{
		ID:        "web-test-scenario",
		Name:      "web test",
		Events:    events,
		Sessions:  []storage.ScenarioSession{{ChargePointID: "CP-WEB", IdTag: "TAG-WEB", EventCount: 2}},
		CreatedAt: now,
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ocppsim_perf_sessions_spawned_total") {
		t.Errorf("Metrics output missing pool counters: %s", w.Body.String())
	}
}

func TestRecorderLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/recorder/status", nil)
	var status map[string]bool
	decodeBody(t, w, &status)
	if status["recording"] {
		t.Error("Recorder should start disarmed")
	}

	if w := doJSON(t, router, http.MethodPost, "/recorder/start",
		recorder.Metadata{Name: "api recording"}); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from start, got %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, router, http.MethodPost, "/recorder/start", nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 from double start, got %d", w.Code)
	}

	srv.recorder.Tap(storage.DirectionOutbound, "CP-1", ocpp.ActionHeartbeat, json.RawMessage(`{}`))

	w = doJSON(t, router, http.MethodPost, "/recorder/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from stop, got %d: %s", w.Code, w.Body.String())
	}
	var scenario storage.Scenario
	decodeBody(t, w, &scenario)
	if scenario.Name != "api recording" || len(scenario.Events) != 1 {
		t.Errorf("Unexpected scenario: name=%s events=%d", scenario.Name, len(scenario.Events))
	}

	// Stop persists the scenario.
	if _, err := store.GetScenario(scenario.ID); err != nil {
		t.Errorf("Scenario not persisted: %v", err)
	}

	if w := doJSON(t, router, http.MethodPost, "/recorder/stop", nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 from stop while disarmed, got %d", w.Code)
	}
}

func TestRecorderUIEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	uiEvent := map[string]interface{}{
		"chargePointId": "CP-1",
		"action":        "StartSession",
		"payload":       map[string]string{"idTag": "TAG-UI"},
	}

	if w := doJSON(t, router, http.MethodPost, "/recorder/ui", uiEvent); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while disarmed, got %d", w.Code)
	}

	if w := doJSON(t, router, http.MethodPost, "/recorder/start", nil); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from start, got %d", w.Code)
	}

	if w := doJSON(t, router, http.MethodPost, "/recorder/ui",
		map[string]string{"chargePointId": "CP-1"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without action, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/recorder/ui", uiEvent); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := doJSON(t, router, http.MethodPost, "/recorder/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from stop, got %d", w.Code)
	}
	var scenario storage.Scenario
	decodeBody(t, w, &scenario)
	if len(scenario.Events) != 1 {
		t.Fatalf("Expected 1 recorded event, got %d", len(scenario.Events))
	}
	event := scenario.Events[0]
	if event.Direction != storage.DirectionUI || event.Action != "StartSession" || event.ChargePointID != "CP-1" {
		t.Errorf("Unexpected UI event: %+v", event)
	}
}

func TestScenarioCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/scenarios", testScenario())
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/scenarios", nil)
	var summaries []storage.ScenarioSummary
	decodeBody(t, w, &summaries)
	if len(summaries) != 1 || summaries[0].ID != "web-test-scenario" {
		t.Fatalf("Unexpected scenario list: %+v", summaries)
	}

	w = doJSON(t, router, http.MethodGet, "/scenarios/web-test-scenario", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var scenario storage.Scenario
	decodeBody(t, w, &scenario)
	if len(scenario.Events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(scenario.Events))
	}

	if w := doJSON(t, router, http.MethodGet, "/scenarios/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown scenario, got %d", w.Code)
	}

	if w := doJSON(t, router, http.MethodDelete, "/scenarios/web-test-scenario", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 from delete, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodDelete, "/scenarios/web-test-scenario", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from double delete, got %d", w.Code)
	}
}

func TestScenarioRunValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	if w := doJSON(t, router, http.MethodPost, "/scenarios/nope/run", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown scenario, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/scenarios/nope/run?mode=warp", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid mode, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/scenarios/nope/run?speed=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid speed, got %d", w.Code)
	}
}

func TestScenarioRunToCompletion(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	cs := httptest.NewServer(mock.NewCentralSystem())
	defer cs.Close()
	csURL := "ws" + strings.TrimPrefix(cs.URL, "http") + "/ocpp"

	if err := store.SaveScenario(testScenario()); err != nil {
		t.Fatalf("Failed to save scenario: %v", err)
	}

	w := doJSON(t, router, http.MethodPost,
		"/scenarios/web-test-scenario/run?mode=instant&url="+csURL, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var started map[string]string
	decodeBody(t, w, &started)
	execID := started["executionId"]
	if execID == "" {
		t.Fatal("Missing executionId in response")
	}

	var execution storage.Execution
	deadline := time.Now().Add(10 * time.Second)
	for {
		w = doJSON(t, router, http.MethodGet, "/executions/"+execID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200 from execution get, got %d", w.Code)
		}
		decodeBody(t, w, &execution)
		if execution.Status != storage.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Execution did not finish within 10s")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if execution.Status != storage.StatusSuccess {
		t.Fatalf("Expected success, got %s (error %q)", execution.Status, execution.Error)
	}
	if execution.Metrics.EventsDispatched != 2 {
		t.Errorf("Expected 2 dispatched events, got %d", execution.Metrics.EventsDispatched)
	}

	w = doJSON(t, router, http.MethodGet, "/executions/"+execID+"/events", nil)
	var events []storage.Event
	decodeBody(t, w, &events)
	if len(events) == 0 {
		t.Error("Expected replayed events")
	}

	w = doJSON(t, router, http.MethodGet, "/executions/"+execID+"/logs", nil)
	var logs []string
	decodeBody(t, w, &logs)
	if len(logs) == 0 {
		t.Error("Expected execution logs")
	}

	w = doJSON(t, router, http.MethodGet, "/executions?scenarioId=web-test-scenario", nil)
	var executions []storage.ExecutionSummary
	decodeBody(t, w, &executions)
	if len(executions) != 1 || executions[0].ID != execID {
		t.Errorf("Unexpected execution list: %+v", executions)
	}
}

func TestExecutionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	if w := doJSON(t, router, http.MethodGet, "/executions/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/executions/nope/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from cancel, got %d", w.Code)
	}
}

func TestPerfEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	cs := httptest.NewServer(mock.NewCentralSystem())
	defer cs.Close()
	csURL := "ws" + strings.TrimPrefix(cs.URL, "http") + "/ocpp"

	// Idle status is all zeroes.
	w := doJSON(t, router, http.MethodGet, "/perf/status", nil)
	var status map[string]interface{}
	decodeBody(t, w, &status)
	if status["running"] != false {
		t.Errorf("Expected idle pool, got %v", status)
	}

	if w := doJSON(t, router, http.MethodPost, "/perf/start",
		perfStartRequest{URL: csURL}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without sessionCount or fleet, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/perf/start",
		perfStartRequest{URL: csURL, SessionCount: 3, Concurrency: 2, RampMs: 10, HoldMs: 30})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		w = doJSON(t, router, http.MethodGet, "/perf/status", nil)
		decodeBody(t, w, &status)
		if status["running"] == false {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Load run did not finish within 10s")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if fmt.Sprint(status["finished"]) != "3" {
		t.Errorf("Expected 3 finished sessions, got %v", status["finished"])
	}

	if w := doJSON(t, router, http.MethodPost, "/perf/stop", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 from stop after completion, got %d", w.Code)
	}
}

func TestPerfStartEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	// Without a fleet there is nothing to run, but the empty body itself
	// must not be rejected as malformed JSON.
	w := doJSON(t, router, http.MethodPost, "/perf/start", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if strings.Contains(body["error"], "EOF") {
		t.Errorf("Empty body must not surface a JSON decode error, got %q", body["error"])
	}

	// With an imported fleet an empty body falls back to it.
	req := httptest.NewRequest(http.MethodPost, "/perf/import",
		strings.NewReader("CP-001,TAG-001\nCP-002,TAG-002\n"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from import, got %d", rec.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/perf/start", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var started map[string]interface{}
	decodeBody(t, w, &started)
	if fmt.Sprint(started["sessions"]) != "2" {
		t.Errorf("Expected the imported fleet of 2, got %v", started["sessions"])
	}

	// The configured backend is unreachable; just let the run drain.
	deadline := time.Now().Add(10 * time.Second)
	for {
		w = doJSON(t, router, http.MethodGet, "/perf/status", nil)
		var status map[string]interface{}
		decodeBody(t, w, &status)
		if status["running"] == false {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Load run did not finish within 10s")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPerfFleetImport(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/perf/import",
		strings.NewReader("cpId,tagId\nCP-001,TAG-001\nCP-002,TAG-002\n"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]int
	decodeBody(t, w, &body)
	if body["imported"] != 2 {
		t.Errorf("Expected 2 imported specs, got %d", body["imported"])
	}
}
