package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a scenario or execution id has no document.
var ErrNotFound = errors.New("not found")

// ScenarioSummary is the index row returned by listings; the full document
// lives in its JSON file.
type ScenarioSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Folder     string    `json:"folder,omitempty"`
	EventCount int       `json:"eventCount"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExecutionSummary is the index row for one run.
type ExecutionSummary struct {
	ID         string     `json:"id"`
	ScenarioID string     `json:"scenarioId"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Store persists scenarios and executions as one JSON document per id, with
// a sqlite index for listings and latest-execution-per-scenario lookups.
type Store struct {
	dir string
	db  *sql.DB
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory cannot be empty")
	}
	if dir[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, dir[1:])
	}

	for _, sub := range []string{"scenarios", "executions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	// WAL mode and busy timeout for concurrent readers during a run
	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	store := &Store{dir: dir, db: db}
	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *Store) createTables() error {
	scenariosTable := `
	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder TEXT,
		event_count INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`

	executionsTable := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);`

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_executions_scenario ON executions(scenario_id, started_at);",
		"CREATE INDEX IF NOT EXISTS idx_scenarios_folder ON scenarios(folder);",
	}

	if _, err := s.db.Exec(scenariosTable); err != nil {
		return fmt.Errorf("failed to create scenarios table: %w", err)
	}
	if _, err := s.db.Exec(executionsTable); err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}
	for _, index := range indexes {
		if _, err := s.db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scenarioPath(id string) string {
	return filepath.Join(s.dir, "scenarios", id+".json")
}

func (s *Store) executionPath(id string) string {
	return filepath.Join(s.dir, "executions", id+".json")
}

// SaveScenario writes the scenario document and its index row.
func (s *Store) SaveScenario(scenario *Scenario) error {
	if scenario.ID == "" {
		return fmt.Errorf("scenario id cannot be empty")
	}

	if err := writeJSON(s.scenarioPath(scenario.ID), scenario); err != nil {
		return fmt.Errorf("failed to write scenario document: %w", err)
	}

	query := `INSERT OR REPLACE INTO scenarios (id, name, folder, event_count, duration_ms, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.Exec(query, scenario.ID, scenario.Name, scenario.Folder,
		len(scenario.Events), scenario.DurationMs, scenario.CreatedAt); err != nil {
		return fmt.Errorf("failed to index scenario: %w", err)
	}
	return nil
}

func (s *Store) GetScenario(id string) (*Scenario, error) {
	var scenario Scenario
	if err := readJSON(s.scenarioPath(id), &scenario); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read scenario %s: %w", id, err)
	}
	return &scenario, nil
}

func (s *Store) ListScenarios() ([]ScenarioSummary, error) {
	query := `SELECT id, name, folder, event_count, duration_ms, created_at
	          FROM scenarios ORDER BY created_at DESC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	defer rows.Close()

	var summaries []ScenarioSummary
	for rows.Next() {
		var sum ScenarioSummary
		var folder sql.NullString
		if err := rows.Scan(&sum.ID, &sum.Name, &folder, &sum.EventCount, &sum.DurationMs, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		sum.Folder = folder.String
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *Store) DeleteScenario(id string) error {
	if err := os.Remove(s.scenarioPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete scenario document: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM scenarios WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to deindex scenario: %w", err)
	}
	return nil
}

// SaveExecution writes the execution document and its index row. Called
// exactly once, at the terminal transition of a run.
func (s *Store) SaveExecution(execution *Execution) error {
	if execution.ID == "" {
		return fmt.Errorf("execution id cannot be empty")
	}

	if err := writeJSON(s.executionPath(execution.ID), execution); err != nil {
		return fmt.Errorf("failed to write execution document: %w", err)
	}

	query := `INSERT OR REPLACE INTO executions (id, scenario_id, status, started_at, finished_at)
	          VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.Exec(query, execution.ID, execution.ScenarioID, execution.Status,
		execution.StartedAt, execution.FinishedAt); err != nil {
		return fmt.Errorf("failed to index execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(id string) (*Execution, error) {
	var execution Execution
	if err := readJSON(s.executionPath(id), &execution); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read execution %s: %w", id, err)
	}
	return &execution, nil
}

// ListExecutions returns index rows, optionally filtered by scenario id.
func (s *Store) ListExecutions(scenarioID string) ([]ExecutionSummary, error) {
	query := `SELECT id, scenario_id, status, started_at, finished_at FROM executions`
	args := []interface{}{}
	if scenarioID != "" {
		query += ` WHERE scenario_id = ?`
		args = append(args, scenarioID)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var summaries []ExecutionSummary
	for rows.Next() {
		var sum ExecutionSummary
		var finished sql.NullTime
		if err := rows.Scan(&sum.ID, &sum.ScenarioID, &sum.Status, &sum.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			sum.FinishedAt = &t
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// LatestExecutionForScenario returns the most recently started run of a
// scenario, or ErrNotFound when it has never been replayed.
func (s *Store) LatestExecutionForScenario(scenarioID string) (*Execution, error) {
	query := `SELECT id FROM executions WHERE scenario_id = ? ORDER BY started_at DESC LIMIT 1`
	var id string
	if err := s.db.QueryRow(query, scenarioID).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no executions for scenario %s: %w", scenarioID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up latest execution: %w", err)
	}
	return s.GetExecution(id)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
