package terminal

import "sync"

// DefaultHistoryBytes caps a session's output history (1 MiB).
const DefaultHistoryBytes = 1024 * 1024

// History is a byte-capped output buffer. When full, the oldest bytes are
// dropped so the newest output is always kept.
type History struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewHistory returns a History holding at most maxLen bytes. A non-positive
// maxLen selects DefaultHistoryBytes.
func NewHistory(maxLen int) *History {
	if maxLen <= 0 {
		maxLen = DefaultHistoryBytes
	}
	return &History{maxLen: maxLen}
}

func (h *History) Write(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(p) >= h.maxLen {
		h.data = append(h.data[:0], p[len(p)-h.maxLen:]...)
		return
	}
	if over := len(h.data) + len(p) - h.maxLen; over > 0 {
		// Shift in place rather than growing past maxLen.
		n := copy(h.data, h.data[over:])
		h.data = h.data[:n]
	}
	h.data = append(h.data, p...)
}

// Snapshot returns a copy of the buffered bytes.
func (h *History) Snapshot() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.data))
	copy(out, h.data)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}
