package export

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"ocppsim/config"
	"ocppsim/storage"
)

// Envelope is the versioned on-disk format for scenario export files.
type Envelope struct {
	Version    string           `json:"version"`
	ExportedAt time.Time        `json:"exportedAt"`
	Scenario   storage.Scenario `json:"scenario"`
}

type ExportManager struct {
	config *config.Config
	store  *storage.Store
}

func NewExportManager(cfg *config.Config, store *storage.Store) *ExportManager {
	return &ExportManager{
		config: cfg,
		store:  store,
	}
}

// ExportScenario writes one scenario document, baseline included, to
// outputPath. A ".gz" suffix selects gzip compression.
func (e *ExportManager) ExportScenario(id, outputPath string) error {
	scenario, err := e.store.GetScenario(id)
	if err != nil {
		return fmt.Errorf("failed to get scenario: %w", err)
	}

	envelope := Envelope{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Scenario:   *scenario,
	}

	return e.writeEnvelope(envelope, outputPath)
}

// ImportScenario reads an export file and stores its scenario. A non-empty
// name overrides the stored one; the scenario always gets a fresh id so an
// import never overwrites an existing scenario.
func (e *ExportManager) ImportScenario(inputPath, name string) (*storage.Scenario, error) {
	envelope, err := e.readEnvelope(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}

	if err := e.validateEnvelope(envelope); err != nil {
		return nil, fmt.Errorf("invalid export file: %w", err)
	}

	scenario := envelope.Scenario
	scenario.ID = uuid.New().String()
	if name != "" {
		scenario.Name = name
	}
	if scenario.CreatedAt.IsZero() {
		scenario.CreatedAt = time.Now().UTC()
	}

	if err := e.store.SaveScenario(&scenario); err != nil {
		return nil, fmt.Errorf("failed to save scenario: %w", err)
	}

	return &scenario, nil
}

func (e *ExportManager) writeEnvelope(envelope Envelope, outputPath string) error {
	var jsonData []byte
	var err error

	if e.config.Export.PrettyPrint {
		jsonData, err = json.MarshalIndent(envelope, "", "  ")
	} else {
		jsonData, err = json.Marshal(envelope)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal export data: %w", err)
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	var writer io.Writer = file
	if strings.HasSuffix(outputPath, ".gz") {
		gzWriter := gzip.NewWriter(file)
		defer gzWriter.Close()
		writer = gzWriter
	}

	if _, err := writer.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write export data: %w", err)
	}

	return nil
}

func (e *ExportManager) readEnvelope(inputPath string) (*Envelope, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(inputPath, ".gz") {
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	var envelope Envelope
	if err := json.NewDecoder(reader).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode export data: %w", err)
	}

	return &envelope, nil
}

func (e *ExportManager) validateEnvelope(envelope *Envelope) error {
	if envelope.Version == "" {
		return fmt.Errorf("missing version field")
	}

	if envelope.Scenario.Name == "" {
		return fmt.Errorf("missing scenario name")
	}

	if len(envelope.Scenario.Events) == 0 {
		return fmt.Errorf("scenario has no events")
	}

	for i, event := range envelope.Scenario.Events {
		if event.Action == "" {
			return fmt.Errorf("missing action in event %d", i)
		}
		if event.Direction == "" {
			return fmt.Errorf("missing direction in event %d", i)
		}
	}

	return nil
}
