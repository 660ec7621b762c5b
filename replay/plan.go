package replay

import (
	"bytes"
	"strings"

	"ocppsim/storage"
)

// duplicateGapMs is the largest time gap at which a repeated identical
// outbound event is treated as an accidental duplicate (a double-click, a
// retried send) and dropped from the plan.
const duplicateGapMs = 1500

// BuildPlan filters a recorded event stream down to what the replayer
// dispatches: outbound events only, with rapid consecutive duplicates
// removed. MeterValues are always kept; dropping telemetry would silently
// change the replayed meter totals.
func BuildPlan(events []storage.Event) []storage.Event {
	var plan []storage.Event
	for _, ev := range events {
		if ev.Direction != storage.DirectionOutbound {
			continue
		}
		if len(plan) > 0 && isDuplicate(plan[len(plan)-1], ev) {
			continue
		}
		plan = append(plan, ev)
	}
	return plan
}

func isDuplicate(prev, cur storage.Event) bool {
	if strings.Contains(cur.Action, "MeterValues") {
		return false
	}
	return cur.Action == prev.Action &&
		cur.ChargePointID == prev.ChargePointID &&
		cur.OffsetMs-prev.OffsetMs <= duplicateGapMs &&
		bytes.Equal(normalizeBytes(cur.Payload), normalizeBytes(prev.Payload))
}

func normalizeBytes(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return bytes.TrimSpace(p)
}
