package terminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/termrt/internal/logging"
)

// State is a session's lifecycle state.
type State string

const (
	StateRunning      State = "running"
	StateDisconnected State = "disconnected"
	StateExited       State = "exited"
)

// EventType names registry events. The values double as WebSocket message
// types.
type EventType string

const (
	EventOutput EventType = "terminal:output"
	EventExit   EventType = "terminal:exit"
	EventClosed EventType = "instance:closed"
	EventCwd    EventType = "cwd:changed"
)

// Event is a backend callback tagged with its session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"instanceId"`
	Data      string    `json:"data,omitempty"`
	Code      int       `json:"code,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives registry events.
type Listener func(Event)

var (
	ErrNotFound   = errors.New("session not found")
	ErrNotRunning = errors.New("session is not running")
	ErrDuplicate  = errors.New("session id already in use")
)

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	MachineID string    `json:"machineId,omitempty"`
	State     State     `json:"state"`
	Cwd       string    `json:"cwd,omitempty"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Pid       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type session struct {
	id        string
	kind      Kind
	machineID string
	createdAt time.Time

	mu       sync.Mutex
	backend  Backend
	state    State
	cwd      string
	cols     int
	rows     int
	exitCode *int
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:        s.id,
		Kind:      s.kind,
		MachineID: s.machineID,
		State:     s.state,
		Cwd:       s.cwd,
		Cols:      s.cols,
		Rows:      s.rows,
		ExitCode:  s.exitCode,
		CreatedAt: s.createdAt,
	}
	if s.backend != nil {
		info.Pid = s.backend.Pid()
	}
	return info
}

// BackendFactory builds a backend for cfg. The registry's default picks the
// local or SSH variant by cfg.Kind.
type BackendFactory func(ctx context.Context, id string, cfg SpawnConfig, cb Callbacks) (Backend, error)

// DefaultFactory selects NewLocalBackend or NewSSHBackend.
func DefaultFactory(ctx context.Context, id string, cfg SpawnConfig, cb Callbacks) (Backend, error) {
	switch cfg.Kind {
	case KindLocal, "":
		return NewLocalBackend(id, cfg, cb)
	case KindSSH:
		return NewSSHBackend(ctx, id, cfg, cb)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// Registry maps session ids to backends and fans their events out.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	listeners map[int]Listener
	nextSub   int

	newBackend   BackendFactory
	historyBytes int
	log          zerolog.Logger
}

// NewRegistry returns an empty registry. A nil factory selects
// DefaultFactory; historyBytes <= 0 selects DefaultHistoryBytes.
func NewRegistry(factory BackendFactory, historyBytes int) *Registry {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Registry{
		sessions:     make(map[string]*session),
		listeners:    make(map[int]Listener),
		newBackend:   factory,
		historyBytes: historyBytes,
		log:          logging.Component("terminal"),
	}
}

// Subscribe registers l and returns a function that removes it.
func (r *Registry) Subscribe(l Listener) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) dispatch(ev Event) {
	ev.Timestamp = time.Now()
	r.mu.RLock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, len(ids))
	for i, id := range ids {
		ls[i] = r.listeners[id]
	}
	r.mu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

// Spawn starts a backend for cfg and registers it. Backend construction
// errors, including SSH connection failures, are returned to the caller.
func (r *Registry) Spawn(ctx context.Context, cfg SpawnConfig) (SessionInfo, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Kind == "" {
		cfg.Kind = KindLocal
	}
	if cfg.HistoryBytes <= 0 {
		cfg.HistoryBytes = r.historyBytes
	}
	cols, rows := cfg.size()
	if err := ValidateSize(cols, rows); err != nil {
		return SessionInfo{}, err
	}

	s := &session{
		id:        cfg.ID,
		kind:      cfg.Kind,
		machineID: cfg.MachineID,
		createdAt: time.Now(),
		state:     StateRunning,
		cwd:       cfg.Cwd,
		cols:      cols,
		rows:      rows,
	}

	// Reserve the id before the backend can emit anything.
	r.mu.Lock()
	if _, exists := r.sessions[s.id]; exists {
		r.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrDuplicate, s.id)
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	backend, err := r.newBackend(ctx, s.id, cfg, Callbacks{
		OnData: func(data string) {
			r.dispatch(Event{Type: EventOutput, SessionID: s.id, Data: data})
		},
		OnExit: func(code int) { r.handleExit(s, code) },
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("spawn %s session: %w", cfg.Kind, err)
	}

	s.mu.Lock()
	s.backend = backend
	s.mu.Unlock()

	r.log.Info().Str("session", s.id).Str("kind", string(s.kind)).Str("machine", s.machineID).
		Int("pid", backend.Pid()).Msg("session spawned")
	return s.info(), nil
}

func (r *Registry) handleExit(s *session, code int) {
	s.mu.Lock()
	s.exitCode = &code
	if code == ExitConnectionLost {
		s.state = StateDisconnected
	} else {
		s.state = StateExited
	}
	state := s.state
	s.mu.Unlock()

	r.log.Info().Str("session", s.id).Int("code", code).Str("state", string(state)).Msg("session ended")
	r.dispatch(Event{Type: EventExit, SessionID: s.id, Code: code})

	if state == StateExited {
		r.mu.Lock()
		removed := r.sessions[s.id] == s
		if removed {
			delete(r.sessions, s.id)
		}
		r.mu.Unlock()
		if removed {
			r.dispatch(Event{Type: EventClosed, SessionID: s.id})
		}
	}
}

func (r *Registry) lookup(id string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// running returns the backend of a running session.
func (r *Registry) running(id string) (*session, Backend, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.backend == nil {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, s.state)
	}
	return s, s.backend, nil
}

// Write sends input to a running session.
func (r *Registry) Write(id string, data []byte) error {
	if len(data) > MaxInputMessageSize {
		return ErrInputTooLarge
	}
	_, b, err := r.running(id)
	if err != nil {
		return err
	}
	return b.Write(data)
}

// Resize changes a running session's terminal size.
func (r *Registry) Resize(id string, cols, rows int) error {
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	s, b, err := r.running(id)
	if err != nil {
		return err
	}
	if err := b.Resize(cols, rows); err != nil {
		return err
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// Kill terminates a session in any state and removes it. It reports whether
// the session existed. No output event for id is delivered after it
// returns; an instance:closed event is.
func (r *Registry) Kill(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()
	if b != nil {
		b.Kill()
	}
	r.log.Info().Str("session", id).Msg("session killed")
	r.dispatch(Event{Type: EventClosed, SessionID: id})
	return true
}

// History returns a copy of a session's output history.
func (r *Registry) History(id string) ([]byte, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()
	if b == nil {
		return nil, nil
	}
	return b.History(), nil
}

// Cwd queries the backend for the session's working directory.
func (r *Registry) Cwd(ctx context.Context, id string) (string, error) {
	_, b, err := r.running(id)
	if err != nil {
		return "", err
	}
	return b.Cwd(ctx)
}

// RefreshCwd queries the working directory and emits cwd:changed when it
// differs from the last known value. Unknown directories are ignored.
func (r *Registry) RefreshCwd(ctx context.Context, id string) (string, bool, error) {
	cwd, err := r.Cwd(ctx, id)
	if err != nil || cwd == "" {
		return cwd, false, err
	}
	s, err := r.lookup(id)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	changed := s.cwd != cwd
	s.cwd = cwd
	s.mu.Unlock()
	if changed {
		r.dispatch(Event{Type: EventCwd, SessionID: id, Cwd: cwd})
	}
	return cwd, changed, nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	s, err := r.lookup(id)
	if err != nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// List returns snapshots of every session, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, len(all))
	for i, s := range all {
		out[i] = s.info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CloseAll kills every session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Kill(id)
	}
}
