package compare

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"ocppsim/storage"
)

// meterTolerance is the largest absolute measurand delta treated as equal.
// Meter readings drift slightly between runs; anything above this is a
// regression.
const meterTolerance = 0.1

// Comparator diffs a baseline event stream against a replayed one. The
// positional implementation is the default; callers depend on the interface
// so a sequence-aligning implementation can be swapped in.
type Comparator interface {
	Compare(expected, actual []storage.Event) []storage.Difference
}

// PositionalComparator walks both streams by position. A single inserted or
// dropped event shifts every later comparison; that is accepted for parity
// with strict regression testing, where any structural drift is a finding.
type PositionalComparator struct{}

func New() *PositionalComparator {
	return &PositionalComparator{}
}

func (c *PositionalComparator) Compare(expected, actual []storage.Event) []storage.Difference {
	var diffs []storage.Difference

	if len(expected) != len(actual) {
		diffs = append(diffs, storage.Difference{
			Kind:       storage.DiffCount,
			Path:       "/events",
			Expected:   len(expected),
			Actual:     len(actual),
			EventIndex: -1,
		})
	}

	n := len(expected)
	if len(actual) < n {
		n = len(actual)
	}

	for i := 0; i < n; i++ {
		exp, act := expected[i], actual[i]

		if exp.Action != act.Action {
			diffs = append(diffs, storage.Difference{
				Kind:       storage.DiffDifferent,
				Path:       fmt.Sprintf("/events/%d/action", i),
				Expected:   exp.Action,
				Actual:     act.Action,
				EventIndex: i,
			})
			continue
		}

		if isMeterValuesAction(exp.Action) {
			diffs = append(diffs, compareMeterValues(i, exp, act)...)
			continue
		}

		expNorm := NormalizeRaw(exp.Payload)
		actNorm := NormalizeRaw(act.Payload)
		if !reflect.DeepEqual(expNorm, actNorm) {
			diffs = append(diffs, storage.Difference{
				Kind:       storage.DiffDifferent,
				Path:       fmt.Sprintf("/events/%d/payload", i),
				Expected:   expNorm,
				Actual:     actNorm,
				EventIndex: i,
			})
		}
	}

	return diffs
}

func isMeterValuesAction(action string) bool {
	return strings.Contains(action, "MeterValues")
}

// compareMeterValues diffs telemetry per measurand with a numeric tolerance
// instead of structural equality, so retimed samples and float formatting
// do not raise false positives.
func compareMeterValues(index int, exp, act storage.Event) []storage.Difference {
	expValues := measurandMap(exp)
	actValues := measurandMap(act)

	var diffs []storage.Difference
	for measurand, expValue := range expValues {
		actValue, ok := actValues[measurand]
		if !ok {
			diffs = append(diffs, storage.Difference{
				Kind:       storage.DiffMissing,
				Path:       fmt.Sprintf("/events/%d/meterValues/%s", index, measurand),
				Expected:   expValue,
				EventIndex: index,
			})
			continue
		}
		if math.Abs(expValue-actValue) > meterTolerance {
			diffs = append(diffs, storage.Difference{
				Kind:       storage.DiffDifferent,
				Path:       fmt.Sprintf("/events/%d/meterValues/%s", index, measurand),
				Expected:   expValue,
				Actual:     actValue,
				EventIndex: index,
			})
		}
	}
	for measurand, actValue := range actValues {
		if _, ok := expValues[measurand]; !ok {
			diffs = append(diffs, storage.Difference{
				Kind:       storage.DiffExtra,
				Path:       fmt.Sprintf("/events/%d/meterValues/%s", index, measurand),
				Actual:     actValue,
				EventIndex: index,
			})
		}
	}
	return diffs
}

// measurandMap flattens a MeterValues payload to measurand -> numeric value.
func measurandMap(ev storage.Event) map[string]float64 {
	out := make(map[string]float64)
	doc, ok := NormalizeRaw(ev.Payload).(map[string]interface{})
	if !ok {
		return out
	}
	meterValues, ok := doc["meterValue"].([]interface{})
	if !ok {
		return out
	}
	for _, mv := range meterValues {
		frame, ok := mv.(map[string]interface{})
		if !ok {
			continue
		}
		samples, ok := frame["sampledValue"].([]interface{})
		if !ok {
			continue
		}
		for _, s := range samples {
			sample, ok := s.(map[string]interface{})
			if !ok {
				continue
			}
			measurand, _ := sample["measurand"].(string)
			if measurand == "" {
				measurand = "Energy.Active.Import.Register"
			}
			if value, ok := numericValue(sample["value"]); ok {
				out[measurand] = value
			}
		}
	}
	return out
}
