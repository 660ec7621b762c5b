package compare

import (
	"encoding/json"
	"strconv"
)

// volatileFields are stripped before comparison: they legitimately differ
// between a recording and its replay (clocks, backend-assigned ids).
var volatileFields = map[string]bool{
	"timestamp":       true,
	"currentTime":     true,
	"transactionId":   true,
	"messageId":       true,
	"meterStart":      true,
	"meterStop":       true,
	"bootTime":        true,
	"authTime":        true,
	"startTime":       true,
	"stopTime":        true,
	"firmwareVersion": true,
	"offsetMs":        true,
	"replayTimestamp": true,
}

// Normalize canonicalizes a decoded JSON document for comparison: maps are
// rebuilt without volatile fields, sampledValue entries are reduced to
// measurand/value/unit, and arrays are normalized element-wise. The result
// is a fixed point: Normalize(Normalize(x)) == Normalize(x).
func Normalize(doc interface{}) interface{} {
	switch v := doc.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if volatileFields[key] {
				continue
			}
			if key == "sampledValue" {
				if list, ok := value.([]interface{}); ok {
					out[key] = normalizeSampledValues(list)
					continue
				}
			}
			out[key] = Normalize(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

// NormalizeRaw decodes a JSON payload and normalizes it. A payload that is
// not valid JSON normalizes to nil.
func NormalizeRaw(payload json.RawMessage) interface{} {
	if len(payload) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	return Normalize(doc)
}

func normalizeSampledValues(list []interface{}) []interface{} {
	out := make([]interface{}, 0, len(list))
	for _, item := range list {
		sample, ok := item.(map[string]interface{})
		if !ok {
			out = append(out, Normalize(item))
			continue
		}
		reduced := make(map[string]interface{}, 3)
		for _, key := range []string{"measurand", "value", "unit"} {
			if v, ok := sample[key]; ok {
				reduced[key] = v
			}
		}
		out = append(out, reduced)
	}
	return out
}

// numericValue coerces a sampled value (string or number) to float64.
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
