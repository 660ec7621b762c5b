package replay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ocppsim/mock"
	"ocppsim/ocpp"
	"ocppsim/storage"
)

func startMockCS(t *testing.T) (*mock.CentralSystem, string) {
	t.Helper()
	cs := mock.NewCentralSystem()
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)
	return cs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// chargingScenario is a single charge point's full recorded conversation,
// baseline included, the way a recording produces it.
func chargingScenario() *storage.Scenario {
	events := []storage.Event{
		planEvent(0, storage.DirectionOutbound, ocpp.ActionBootNotification, `{"chargePointVendor":"SimCorp","chargePointModel":"Go Simulator"}`),
		planEvent(5, storage.DirectionInbound, ocpp.ActionBootNotification, `{"status":"Accepted","currentTime":"2024-01-01T00:00:00Z","interval":300}`),
		planEvent(10, storage.DirectionOutbound, ocpp.ActionAuthorize, `{"idTag":"TAG-R1"}`),
		planEvent(15, storage.DirectionInbound, ocpp.ActionAuthorize, `{"idTagInfo":{"status":"Accepted"}}`),
		planEvent(20, storage.DirectionOutbound, ocpp.ActionStartTransaction, `{"connectorId":1,"idTag":"TAG-R1","meterStart":0,"timestamp":"2024-01-01T00:00:01Z"}`),
		planEvent(25, storage.DirectionInbound, ocpp.ActionStartTransaction, `{"transactionId":7,"idTagInfo":{"status":"Accepted"}}`),
		planEvent(30, storage.DirectionOutbound, ocpp.ActionMeterValues, `{"connectorId":1,"transactionId":7,"meterValue":[{"timestamp":"2024-01-01T00:00:02Z","sampledValue":[{"value":"61.3","measurand":"Energy.Active.Import.Register","unit":"Wh"}]}]}`),
		planEvent(35, storage.DirectionInbound, ocpp.ActionMeterValues, `{}`),
		planEvent(40, storage.DirectionOutbound, ocpp.ActionStopTransaction, `{"transactionId":7,"meterStop":61,"timestamp":"2024-01-01T00:00:03Z"}`),
		planEvent(45, storage.DirectionInbound, ocpp.ActionStopTransaction, `{"idTagInfo":{"status":"Accepted"}}`),
	}

	baseline := make([]storage.Event, len(events))
	copy(baseline, events)

	return &storage.Scenario{
		ID:       "scen-1",
		Name:     "single charge cycle",
		Events:   events,
		Baseline: baseline,
		Sessions: []storage.ScenarioSession{
			{ChargePointID: "CP-1", IdTag: "TAG-R1", EventCount: len(events)},
		},
	}
}

func TestRunReproducesBaseline(t *testing.T) {
	_, url := startMockCS(t)

	rep := New(nil, Config{CallTimeout: 5 * time.Second, Grace: 50 * time.Millisecond})
	exec := rep.Run(context.Background(), "exec-1", chargingScenario(), Options{
		URL:  url,
		Mode: ModeInstant,
	})

	if exec.Status != storage.StatusSuccess {
		t.Fatalf("Expected success, got %s (error=%q, diffs=%v)", exec.Status, exec.Error, exec.Differences)
	}
	if !exec.BaselinePresent {
		t.Error("Expected BaselinePresent")
	}
	if len(exec.Differences) != 0 {
		t.Errorf("Expected zero differences, got %v", exec.Differences)
	}
	if exec.Metrics.EventsPlanned != 5 || exec.Metrics.EventsDispatched != 5 {
		t.Errorf("Unexpected metrics: %+v", exec.Metrics)
	}
	if exec.FinishedAt == nil {
		t.Error("Expected FinishedAt to be set")
	}
}

func TestRunSubstitutesLiveTransactionID(t *testing.T) {
	cs, url := startMockCS(t)

	rep := New(nil, Config{CallTimeout: 5 * time.Second, Grace: 50 * time.Millisecond})
	exec := rep.Run(context.Background(), "exec-2", chargingScenario(), Options{URL: url, Mode: ModeInstant})
	if exec.Status != storage.StatusSuccess {
		t.Fatalf("Run failed: %s %q", exec.Status, exec.Error)
	}

	// The recorded transaction id 7 must be replaced by the one this run's
	// StartTransaction produced.
	var liveTx int
	for _, call := range cs.Received() {
		switch call.Action {
		case ocpp.ActionStartTransaction:
			liveTx = 1 // first transaction the mock hands out
		case ocpp.ActionStopTransaction:
			var payload struct {
				TransactionID int `json:"transactionId"`
			}
			if err := json.Unmarshal(call.Payload, &payload); err != nil {
				t.Fatalf("Bad StopTransaction payload: %v", err)
			}
			if payload.TransactionID != liveTx {
				t.Errorf("Expected live transaction id %d, got %d", liveTx, payload.TransactionID)
			}
			if payload.TransactionID == 7 {
				t.Error("Recorded transaction id leaked into the replay")
			}
		}
	}
	if liveTx == 0 {
		t.Fatal("Mock central system never saw StartTransaction")
	}
}

func TestRunWithoutBaseline(t *testing.T) {
	_, url := startMockCS(t)

	scenario := chargingScenario()
	scenario.Baseline = nil

	rep := New(nil, Config{CallTimeout: 5 * time.Second, Grace: 50 * time.Millisecond})
	exec := rep.Run(context.Background(), "exec-3", scenario, Options{URL: url, Mode: ModeInstant})

	if exec.Status != storage.StatusSuccess {
		t.Fatalf("Expected success, got %s %q", exec.Status, exec.Error)
	}
	// A run without a baseline must say so rather than claim a pass.
	if exec.BaselinePresent {
		t.Error("Expected BaselinePresent=false")
	}
}

func TestRunNoURLIsError(t *testing.T) {
	rep := New(nil, Config{CallTimeout: time.Second, Grace: 50 * time.Millisecond})
	exec := rep.Run(context.Background(), "exec-4", chargingScenario(), Options{Mode: ModeInstant})

	if exec.Status != storage.StatusError {
		t.Fatalf("Expected error status, got %s", exec.Status)
	}
	if exec.Error == "" {
		t.Error("Expected an error message")
	}
}

func TestRunCancellation(t *testing.T) {
	_, url := startMockCS(t)

	scenario := chargingScenario()
	// Stretch the recorded gaps so realtime replay takes far longer than the
	// context allows.
	for i := range scenario.Events {
		scenario.Events[i].OffsetMs *= 100000
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	rep := New(nil, Config{CallTimeout: time.Second, Grace: 10 * time.Millisecond})
	exec := rep.Run(ctx, "exec-5", scenario, Options{URL: url, Mode: ModeRealtime, SpeedFactor: 1})

	if exec.Status != storage.StatusError {
		t.Fatalf("Expected cancelled run to report error, got %s", exec.Status)
	}
	if !strings.Contains(exec.Error, "cancelled") {
		t.Errorf("Expected cancellation message, got %q", exec.Error)
	}
	if exec.Metrics.EventsDispatched >= exec.Metrics.EventsPlanned {
		t.Errorf("Expected a partial dispatch, got %d of %d",
			exec.Metrics.EventsDispatched, exec.Metrics.EventsPlanned)
	}
}

func TestRunDispatchFailureContinues(t *testing.T) {
	cs, url := startMockCS(t)
	cs.RejectIdTag("TAG-R1")

	rep := New(nil, Config{CallTimeout: 2 * time.Second, Grace: 50 * time.Millisecond})
	exec := rep.Run(context.Background(), "exec-6", chargingScenario(), Options{URL: url, Mode: ModeInstant})

	// The Authorize rejection fails its session but the run itself keeps
	// going and reports the failures as differences.
	if exec.Status != storage.StatusFailed {
		t.Fatalf("Expected failed, got %s %q", exec.Status, exec.Error)
	}
	if exec.Metrics.DispatchErrors == 0 {
		t.Error("Expected dispatch errors to be counted")
	}
	sawError := false
	for _, diff := range exec.Differences {
		if diff.Kind == storage.DiffError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("Expected error-kind differences, got %v", exec.Differences)
	}
}

func TestSubstituteIdentifiers(t *testing.T) {
	// An explicit recorded idTag is preserved.
	out := substituteIdentifiers(ocpp.ActionAuthorize, json.RawMessage(`{"idTag":"RECORDED"}`), "SESSION", 0)
	var doc map[string]interface{}
	json.Unmarshal(out, &doc)
	if doc["idTag"] != "RECORDED" {
		t.Errorf("Expected recorded idTag preserved, got %v", doc["idTag"])
	}

	// A missing idTag gets the session's.
	out = substituteIdentifiers(ocpp.ActionAuthorize, json.RawMessage(`{}`), "SESSION", 0)
	json.Unmarshal(out, &doc)
	if doc["idTag"] != "SESSION" {
		t.Errorf("Expected session idTag injected, got %v", doc["idTag"])
	}

	// Meter and stop frames always carry the live transaction id.
	out = substituteIdentifiers(ocpp.ActionStopTransaction, json.RawMessage(`{"transactionId":7}`), "", 42)
	json.Unmarshal(out, &doc)
	if doc["transactionId"] != float64(42) {
		t.Errorf("Expected live transaction id 42, got %v", doc["transactionId"])
	}

	// Without a live transaction the recorded id is stripped rather than
	// sent; the backend never opened it.
	out = substituteIdentifiers(ocpp.ActionMeterValues, json.RawMessage(`{"connectorId":1,"transactionId":7}`), "", 0)
	doc = nil
	json.Unmarshal(out, &doc)
	if _, ok := doc["transactionId"]; ok {
		t.Errorf("Expected recorded transaction id stripped, got %v", doc["transactionId"])
	}
	if doc["connectorId"] != float64(1) {
		t.Errorf("Other fields must be untouched, got %v", doc["connectorId"])
	}
}
