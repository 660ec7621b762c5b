package replay

import (
	"encoding/json"
	"time"
)

// timestampLayout keeps millisecond precision when rewriting timestamps;
// plain RFC3339 would truncate sub-second offsets and deltas.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Retime rewrites embedded document timestamps so the replayed conversation
// is anchored at replayStart instead of the recording time. The top-level
// timestamp becomes replayStart plus the event's offset from the plan base;
// MeterValues frames keep each sample's relative delta to the first sample,
// re-anchored the same way. Payloads that fail to decode are passed through
// untouched.
func Retime(payload json.RawMessage, replayStart time.Time, eventOffsetMs, baseOffsetMs int64) json.RawMessage {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}

	anchor := replayStart.Add(time.Duration(eventOffsetMs-baseOffsetMs) * time.Millisecond)

	changed := false
	if _, ok := doc["timestamp"]; ok {
		doc["timestamp"] = anchor.UTC().Format(timestampLayout)
		changed = true
	}
	if retimeMeterValues(doc, anchor) {
		changed = true
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

func retimeMeterValues(doc map[string]interface{}, anchor time.Time) bool {
	list, ok := doc["meterValue"].([]interface{})
	if !ok || len(list) == 0 {
		return false
	}

	var first time.Time
	changed := false
	for _, item := range list {
		frame, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := frame["timestamp"].(string)
		if !ok {
			continue
		}
		original, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		if first.IsZero() {
			first = original
		}
		frame["timestamp"] = anchor.Add(original.Sub(first)).UTC().Format(timestampLayout)
		changed = true
	}
	return changed
}
