package replay

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"ocppsim/ocpp"
)

// Mode selects the fidelity/speed trade-off for inter-event delays.
type Mode string

const (
	// ModeInstant fires events back to back; pure functional smoke test.
	ModeInstant Mode = "instant"
	// ModeFast caps every gap at 10ms; quick regression run.
	ModeFast Mode = "fast"
	// ModeSmart caps gaps per action class, preserving protocol pacing
	// cheaply: telemetry up to 100ms, transaction boundaries up to 500ms,
	// everything else up to 50ms.
	ModeSmart Mode = "smart"
	// ModeStress fires immediately 30% of the time, otherwise waits a
	// random slice up to 100ms; burst/backpressure testing.
	ModeStress Mode = "stress"
	// ModeRealtime reproduces the original gaps, scaled by a speed factor.
	ModeRealtime Mode = "realtime"
)

// ParseMode validates a mode string, defaulting empty to smart.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInstant, ModeFast, ModeSmart, ModeStress, ModeRealtime:
		return Mode(s), nil
	case "":
		return ModeSmart, nil
	default:
		return "", fmt.Errorf("unknown replay mode %q", s)
	}
}

// ComputeDelay returns how long to wait before dispatching an event whose
// recorded gap from the previous event is gap. speedFactor only applies to
// realtime mode; values <= 0 mean 1.
func ComputeDelay(mode Mode, gap time.Duration, action string, speedFactor float64) time.Duration {
	if gap < 0 {
		gap = 0
	}
	switch mode {
	case ModeInstant:
		return 0
	case ModeFast:
		return minDuration(10*time.Millisecond, gap)
	case ModeSmart:
		return minDuration(smartCap(action), gap)
	case ModeStress:
		if rand.Float64() < 0.3 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
	case ModeRealtime:
		if speedFactor <= 0 {
			speedFactor = 1
		}
		return time.Duration(float64(gap) / speedFactor)
	default:
		return 0
	}
}

func smartCap(action string) time.Duration {
	switch {
	case strings.Contains(action, "MeterValues"):
		return 100 * time.Millisecond
	case action == ocpp.ActionStartTransaction, action == ocpp.ActionStopTransaction:
		return 500 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
