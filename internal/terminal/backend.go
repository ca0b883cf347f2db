package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

// Kind discriminates backend variants.
type Kind string

const (
	KindLocal Kind = "local"
	KindSSH   Kind = "ssh"
)

// ExitConnectionLost is the exit code reported when an SSH backend's
// connection drops before the remote process reports a status.
const ExitConnectionLost = -1000

// MaxInputMessageSize is the largest single input write accepted (64 KB).
const MaxInputMessageSize = 64 * 1024

// MaxCols and MaxRows bound resize requests.
const (
	MaxCols = 500
	MaxRows = 500
)

const (
	defaultCols = 80
	defaultRows = 24
)

var (
	ErrInputTooLarge = errors.New("input exceeds maximum message size")
	ErrInvalidSize   = errors.New("invalid terminal size")
	ErrClosed        = errors.New("terminal closed")
)

// ValidateSize rejects dimensions outside 1..MaxCols x 1..MaxRows.
func ValidateSize(cols, rows int) error {
	if cols < 1 || rows < 1 || cols > MaxCols || rows > MaxRows {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	return nil
}

// Backend is one session's process or remote shell.
type Backend interface {
	Kind() Kind
	// Pid is the process id, on the remote machine for SSH backends. Zero
	// when unknown.
	Pid() int
	Write(data []byte) error
	Resize(cols, rows int) error
	// Kill flushes pending output, terminates the process or channel and
	// reports whether this call did the work. Once it returns no further
	// callbacks fire.
	Kill() bool
	History() []byte
	// Cwd returns the process working directory, or "" when it cannot be
	// determined.
	Cwd(ctx context.Context) (string, error)
}

// Callbacks receive backend output. They run on the backend's reader
// goroutine, in order, and must not call Kill on the same backend.
type Callbacks struct {
	OnData func(data string)
	OnExit func(code int)
}

// SpawnConfig describes a session to start.
type SpawnConfig struct {
	// ID is assigned by the registry when empty.
	ID   string `json:"id,omitempty"`
	Kind Kind   `json:"kind"`
	// Command runs instead of the login shell when set.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`

	// MachineID names the remote machine of an SSH session.
	MachineID string `json:"machineId,omitempty"`
	// SSH is dialed when Client is nil.
	SSH *sshconn.Params `json:"ssh,omitempty"`
	// Client is a shared connection to open the shell on. Kill leaves it
	// open.
	Client sshconn.Client `json:"-"`
	Dialer sshconn.Dialer `json:"-"`

	HistoryBytes int `json:"-"`
}

func (c *SpawnConfig) size() (cols, rows int) {
	cols, rows = c.Cols, c.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	return cols, rows
}

// emitter serializes callbacks and gates them behind a stop flag. Holding mu
// across the callback is what lets Kill guarantee that nothing is emitted
// after it returns.
type emitter struct {
	mu      sync.Mutex
	stopped bool
	history *History
	cb      Callbacks
	// pending holds an incomplete trailing UTF-8 sequence.
	pending []byte
}

func newEmitter(cb Callbacks, historyBytes int) *emitter {
	return &emitter{cb: cb, history: NewHistory(historyBytes)}
}

// decode prepends any held partial rune to p and returns the longest prefix
// that ends on a rune boundary, holding back the rest. Caller holds mu.
func (e *emitter) decode(p []byte) string {
	if len(e.pending) > 0 {
		p = append(e.pending, p...)
		e.pending = nil
	}
	cut := incompleteSuffix(p)
	if cut > 0 {
		e.pending = append([]byte(nil), p[len(p)-cut:]...)
		p = p[:len(p)-cut]
	}
	return string(p)
}

// dataLocked records and delivers s. Caller holds mu.
func (e *emitter) dataLocked(s string) {
	if e.stopped || s == "" {
		return
	}
	e.history.Write([]byte(s))
	if e.cb.OnData != nil {
		e.cb.OnData(s)
	}
}

// drainLocked returns the held partial rune as-is. Caller holds mu.
func (e *emitter) drainLocked() string {
	s := string(e.pending)
	e.pending = nil
	return s
}

// exitLocked delivers the exit callback once and stops the emitter. Caller
// holds mu.
func (e *emitter) exitLocked(code int) {
	if e.stopped {
		return
	}
	e.stopped = true
	if e.cb.OnExit != nil {
		e.cb.OnExit(code)
	}
}

// incompleteSuffix returns the length of a trailing UTF-8 sequence that is
// cut short, or 0.
func incompleteSuffix(p []byte) int {
	// A rune is at most 4 bytes; look back at most 3 for its start byte.
	for i := 1; i <= 3 && i <= len(p); i++ {
		b := p[len(p)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if utf8.FullRune(p[len(p)-i:]) {
			return 0
		}
		return i
	}
	return 0
}
