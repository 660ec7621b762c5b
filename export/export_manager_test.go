package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ocppsim/config"
	"ocppsim/ocpp"
	"ocppsim/storage"
)

func setupTestManager(t *testing.T) (*ExportManager, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := &config.Config{Export: config.ExportConfig{PrettyPrint: true}}
	return NewExportManager(cfg, store), store
}

func exportTestScenario() *storage.Scenario {
	now := time.Now().UTC()
	return &storage.Scenario{
		ID:   "export-src",
		Name: "morning charge",
		Events: []storage.Event{
			{OffsetMs: 0, ChargePointID: "CP-1", Direction: storage.DirectionOutbound,
				Action: ocpp.ActionBootNotification, Payload: json.RawMessage(`{"chargePointVendor":"SimCorp"}`), Timestamp: now},
		},
		Baseline: []storage.Event{
			{OffsetMs: 0, ChargePointID: "CP-1", Direction: storage.DirectionOutbound,
				Action: ocpp.ActionBootNotification, Payload: json.RawMessage(`{"chargePointVendor":"SimCorp"}`), Timestamp: now},
		},
		CreatedAt: now,
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	mgr, store := setupTestManager(t)
	if err := store.SaveScenario(exportTestScenario()); err != nil {
		t.Fatalf("Failed to save scenario: %v", err)
	}

	path := filepath.Join(t.TempDir(), "scenario.json")
	if err := mgr.ExportScenario("export-src", path); err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read export file: %v", err)
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("Export file is not valid JSON: %v", err)
	}
	if envelope.Version != "1.0" {
		t.Errorf("Expected version 1.0, got %s", envelope.Version)
	}

	imported, err := mgr.ImportScenario(path, "")
	if err != nil {
		t.Fatalf("Failed to import: %v", err)
	}
	if imported.ID == "export-src" {
		t.Error("Import must assign a fresh id")
	}
	if imported.Name != "morning charge" {
		t.Errorf("Expected original name, got %s", imported.Name)
	}
	if len(imported.Events) != 1 || len(imported.Baseline) != 1 {
		t.Errorf("Events or baseline lost: %d events, %d baseline", len(imported.Events), len(imported.Baseline))
	}

	// Both the original and the import exist.
	if _, err := store.GetScenario("export-src"); err != nil {
		t.Errorf("Original scenario gone: %v", err)
	}
	if _, err := store.GetScenario(imported.ID); err != nil {
		t.Errorf("Imported scenario not stored: %v", err)
	}
}

func TestExportGzip(t *testing.T) {
	mgr, store := setupTestManager(t)
	if err := store.SaveScenario(exportTestScenario()); err != nil {
		t.Fatalf("Failed to save scenario: %v", err)
	}

	path := filepath.Join(t.TempDir(), "scenario.json.gz")
	if err := mgr.ExportScenario("export-src", path); err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read export file: %v", err)
	}
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Error("Expected gzip magic bytes")
	}

	imported, err := mgr.ImportScenario(path, "renamed")
	if err != nil {
		t.Fatalf("Failed to import gzip export: %v", err)
	}
	if imported.Name != "renamed" {
		t.Errorf("Expected name override, got %s", imported.Name)
	}
}

func TestExportMissingScenario(t *testing.T) {
	mgr, _ := setupTestManager(t)
	if err := mgr.ExportScenario("nope", filepath.Join(t.TempDir(), "out.json")); err == nil {
		t.Error("Expected error for missing scenario")
	}
}

func TestImportRejectsInvalidEnvelope(t *testing.T) {
	mgr, _ := setupTestManager(t)
	dir := t.TempDir()

	cases := []struct {
		name    string
		content string
	}{
		{"missing version", `{"scenario":{"name":"x","events":[{"action":"Heartbeat","direction":"outbound"}]}}`},
		{"missing name", `{"version":"1.0","scenario":{"events":[{"action":"Heartbeat","direction":"outbound"}]}}`},
		{"no events", `{"version":"1.0","scenario":{"name":"x","events":[]}}`},
		{"event without action", `{"version":"1.0","scenario":{"name":"x","events":[{"direction":"outbound"}]}}`},
		{"event without direction", `{"version":"1.0","scenario":{"name":"x","events":[{"action":"Heartbeat"}]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".json")
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatalf("Failed to write fixture: %v", err)
			}
			if _, err := mgr.ImportScenario(path, ""); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
