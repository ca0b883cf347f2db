package terminal

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeBackend lets tests drive callbacks directly.
type fakeBackend struct {
	cb Callbacks

	mu      sync.Mutex
	writes  []string
	sizes   [][2]int
	kills   int
	cwd     string
	history []byte
}

func (f *fakeBackend) Kind() Kind { return KindLocal }
func (f *fakeBackend) Pid() int   { return 99 }

func (f *fakeBackend) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *fakeBackend) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, [2]int{cols, rows})
	return nil
}

func (f *fakeBackend) Kill() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return f.kills == 1
}

func (f *fakeBackend) History() []byte { return f.history }

func (f *fakeBackend) Cwd(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwd, nil
}

func (f *fakeBackend) emit(s string) { f.cb.OnData(s) }
func (f *fakeBackend) exit(code int) { f.cb.OnExit(code) }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listener(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newFakeRegistry() (*Registry, map[string]*fakeBackend) {
	backends := make(map[string]*fakeBackend)
	var mu sync.Mutex
	r := NewRegistry(func(ctx context.Context, id string, cfg SpawnConfig, cb Callbacks) (Backend, error) {
		if cfg.Command == "fail" {
			return nil, errors.New("boom")
		}
		b := &fakeBackend{cb: cb}
		mu.Lock()
		backends[id] = b
		mu.Unlock()
		return b, nil
	}, 0)
	return r, backends
}

func TestRegistry_SpawnRoutesAndFansOut(t *testing.T) {
	r, backends := newFakeRegistry()
	var log eventLog
	unsub := r.Subscribe(log.listener)

	info, err := r.Spawn(context.Background(), SpawnConfig{ID: "a", Cols: 100, Rows: 30})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if info.State != StateRunning || info.Cols != 100 || info.Pid != 99 {
		t.Fatalf("info = %+v", info)
	}

	if err := r.Write("a", []byte("ls\r")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := r.Resize("a", 120, 40); err != nil {
		t.Fatalf("Resize() error: %v", err)
	}
	b := backends["a"]
	if len(b.writes) != 1 || b.sizes[0] != [2]int{120, 40} {
		t.Fatalf("backend saw writes %q sizes %v", b.writes, b.sizes)
	}
	if got, _ := r.Get("a"); got.Cols != 120 || got.Rows != 40 {
		t.Fatalf("size not recorded: %+v", got)
	}

	b.emit("out-1")
	b.emit("out-2")
	unsub()
	b.emit("unseen")

	if len(log.events) != 2 || log.events[0].Data != "out-1" || log.events[1].Data != "out-2" {
		t.Fatalf("events = %+v", log.events)
	}
	if log.events[0].SessionID != "a" || log.events[0].Type != EventOutput {
		t.Fatalf("event = %+v", log.events[0])
	}
}

func TestRegistry_RejectsBadInput(t *testing.T) {
	r, _ := newFakeRegistry()
	r.Spawn(context.Background(), SpawnConfig{ID: "a"})

	if err := r.Write("a", make([]byte, MaxInputMessageSize+1)); !errors.Is(err, ErrInputTooLarge) {
		t.Errorf("oversized write = %v", err)
	}
	if err := r.Resize("a", 600, 20); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("oversized resize = %v", err)
	}
	if err := r.Write("missing", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("write to missing session = %v", err)
	}
	if _, err := r.Spawn(context.Background(), SpawnConfig{ID: "a"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate spawn = %v", err)
	}
	if _, err := r.Spawn(context.Background(), SpawnConfig{ID: "b", Command: "fail"}); err == nil {
		t.Error("failing backend should reject the spawn")
	}
	if _, ok := r.Get("b"); ok {
		t.Error("failed spawn left a session behind")
	}
}

func TestRegistry_ExitRemovesSession(t *testing.T) {
	r, backends := newFakeRegistry()
	var log eventLog
	r.Subscribe(log.listener)
	r.Spawn(context.Background(), SpawnConfig{ID: "a"})

	backends["a"].exit(0)

	if _, ok := r.Get("a"); ok {
		t.Fatal("exited session still listed")
	}
	types := log.types()
	if len(types) != 2 || types[0] != EventExit || types[1] != EventClosed {
		t.Fatalf("events = %v, want exit then closed", types)
	}
}

func TestRegistry_ConnectionLostKeepsSession(t *testing.T) {
	r, backends := newFakeRegistry()
	r.Spawn(context.Background(), SpawnConfig{ID: "a", Kind: KindSSH})
	backends["a"].history = []byte("replay me")

	backends["a"].exit(ExitConnectionLost)

	info, ok := r.Get("a")
	if !ok || info.State != StateDisconnected {
		t.Fatalf("session = %+v, %v; want disconnected", info, ok)
	}
	if info.ExitCode == nil || *info.ExitCode != ExitConnectionLost {
		t.Fatalf("exit code = %v", info.ExitCode)
	}
	if err := r.Write("a", []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("write to disconnected session = %v", err)
	}
	if h, _ := r.History("a"); string(h) != "replay me" {
		t.Fatalf("History() = %q", h)
	}

	if !r.Kill("a") {
		t.Fatal("Kill() of disconnected session = false")
	}
	if r.Kill("a") {
		t.Fatal("second Kill() = true")
	}
}

func TestRegistry_KillAndCloseAll(t *testing.T) {
	r, backends := newFakeRegistry()
	var log eventLog
	r.Subscribe(log.listener)
	for _, id := range []string{"a", "b", "c"} {
		r.Spawn(context.Background(), SpawnConfig{ID: id})
	}
	if n := len(r.List()); n != 3 {
		t.Fatalf("List() has %d sessions", n)
	}

	r.Kill("b")
	if backends["b"].kills != 1 {
		t.Fatalf("backend b killed %d times", backends["b"].kills)
	}
	r.CloseAll()
	if n := len(r.List()); n != 0 {
		t.Fatalf("%d sessions left after CloseAll()", n)
	}
	closed := 0
	for _, tp := range log.types() {
		if tp == EventClosed {
			closed++
		}
	}
	if closed != 3 {
		t.Fatalf("%d instance:closed events, want 3", closed)
	}
}

func TestRegistry_RefreshCwdEmitsOnChange(t *testing.T) {
	r, backends := newFakeRegistry()
	var log eventLog
	r.Subscribe(log.listener)
	r.Spawn(context.Background(), SpawnConfig{ID: "a", Cwd: "/start"})

	backends["a"].cwd = "/start"
	if _, changed, _ := r.RefreshCwd(context.Background(), "a"); changed {
		t.Fatal("unchanged cwd reported as changed")
	}

	backends["a"].cwd = "/start/sub"
	cwd, changed, err := r.RefreshCwd(context.Background(), "a")
	if err != nil || !changed || cwd != "/start/sub" {
		t.Fatalf("RefreshCwd() = %q, %v, %v", cwd, changed, err)
	}
	if len(log.events) != 1 || log.events[0].Type != EventCwd || log.events[0].Cwd != "/start/sub" {
		t.Fatalf("events = %+v", log.events)
	}

	backends["a"].cwd = ""
	if _, changed, _ := r.RefreshCwd(context.Background(), "a"); changed {
		t.Fatal("unknown cwd reported as changed")
	}
}
