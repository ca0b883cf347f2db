package revtunnel

import (
	"time"
)

// State is a reverse tunnel's health state.
type State string

const (
	StateHealthy      State = "healthy"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	// StateFailed means the reconnect budget is spent and the machine is
	// considered unreachable until the next Acquire or ForceReconnect.
	StateFailed State = "failed"
)

// States lists every state, for metrics.
var States = []string{
	string(StateHealthy), string(StateDegraded), string(StateDisconnected),
	string(StateReconnecting), string(StateFailed),
}

// StateChange describes one transition.
type StateChange struct {
	MachineID     string    `json:"machineId"`
	PreviousState State     `json:"previousState,omitempty"`
	NewState      State     `json:"newState"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Listener receives state changes, in order. Listeners run on the goroutine
// that caused the change and should not block.
type Listener func(StateChange)

// historySize is the number of transitions kept per machine.
const historySize = 50

// history is a fixed-size ring of transitions.
type history struct {
	entries [historySize]StateChange
	head    int
	count   int
}

func (h *history) record(c StateChange) {
	h.entries[h.head] = c
	h.head = (h.head + 1) % historySize
	if h.count < historySize {
		h.count++
	}
}

// list returns transitions oldest first.
func (h *history) list() []StateChange {
	if h.count == 0 {
		return nil
	}
	out := make([]StateChange, h.count)
	if h.count < historySize {
		copy(out, h.entries[:h.count])
		return out
	}
	n := copy(out, h.entries[h.head:])
	copy(out[n:], h.entries[:h.head])
	return out
}

// BackoffDelay returns base * 2^(attempt-1), capped at max. Attempts below 1
// count as the first.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
