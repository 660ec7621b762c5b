package perf

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// SessionSpec is one (charge point id, idTag) pair the pool will drive.
type SessionSpec struct {
	ChargePointID string `json:"cpId"`
	IdTag         string `json:"tagId"`
}

// SyntheticFleet generates n sequential charge points for load tests that
// have no fleet file.
func SyntheticFleet(n int) []SessionSpec {
	specs := make([]SessionSpec, n)
	for i := range specs {
		specs[i] = SessionSpec{
			ChargePointID: fmt.Sprintf("PERF-%06d", i+1),
			IdTag:         fmt.Sprintf("TAG-%06d", i+1),
		}
	}
	return specs
}

// ParseFleetCSV reads (cpId, tagId) pairs from CSV content. A first line
// containing "cpid" is treated as a header; blank lines and lines with
// fewer than two fields are skipped.
func ParseFleetCSV(r io.Reader) ([]SessionSpec, error) {
	var specs []SessionSpec
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			if strings.Contains(strings.ToLower(line), "cpid") {
				continue
			}
		}
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		specs = append(specs, SessionSpec{
			ChargePointID: strings.TrimSpace(parts[0]),
			IdTag:         strings.TrimSpace(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fleet CSV: %w", err)
	}
	return specs, nil
}
