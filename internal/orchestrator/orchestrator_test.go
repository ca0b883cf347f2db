package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termrt/internal/audit"
	"github.com/gluk-w/claworc/termrt/internal/config"
	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/portfwd"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
	"github.com/gluk-w/claworc/termrt/internal/sshtest"
	"github.com/gluk-w/claworc/termrt/internal/terminal"
)

// stubBackend is a backend tests drive by hand.
type stubBackend struct {
	cb terminal.Callbacks

	mu  sync.Mutex
	cwd string
}

func (b *stubBackend) Kind() terminal.Kind   { return terminal.KindLocal }
func (b *stubBackend) Pid() int              { return 1 }
func (b *stubBackend) Write([]byte) error    { return nil }
func (b *stubBackend) Resize(int, int) error { return nil }
func (b *stubBackend) Kill() bool            { return true }
func (b *stubBackend) History() []byte       { return nil }

func (b *stubBackend) Cwd(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cwd, nil
}

func (b *stubBackend) setCwd(dir string) {
	b.mu.Lock()
	b.cwd = dir
	b.mu.Unlock()
}

type stubFactory struct {
	mu       sync.Mutex
	backends map[string]*stubBackend
}

func (f *stubFactory) build(_ context.Context, id string, _ terminal.SpawnConfig, cb terminal.Callbacks) (terminal.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &stubBackend{cb: cb}
	f.backends[id] = b
	return b, nil
}

func (f *stubFactory) get(id string) *stubBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[id]
}

// events collects session events.
type events struct {
	mu  sync.Mutex
	all []terminal.Event
}

func (e *events) add(ev terminal.Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) output(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sb strings.Builder
	for _, ev := range e.all {
		if ev.Type == terminal.EventOutput && ev.SessionID == id {
			sb.WriteString(ev.Data)
		}
	}
	return sb.String()
}

func (e *events) has(typ terminal.EventType, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.all {
		if ev.Type == typ && ev.SessionID == id {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newRuntime(t *testing.T, factory terminal.BackendFactory) (*Runtime, *database.Store) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "termrt.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts := Options{
		Store:   store,
		Dialer:  sshconn.NewDialer(5*time.Second, nil),
		Factory: factory,
		Auditor: audit.New(store, 0),
	}
	opts.Tunnels.HealthInterval = time.Hour
	opts.Tunnels.ReconnectBase = 5 * time.Millisecond
	opts.Forwards.ReconnectBase = 5 * time.Millisecond
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, store
}

func addMachine(t *testing.T, store *database.Store, id string) *sshtest.Server {
	t.Helper()
	keyPath, signer := sshtest.KeyPair(t)
	srv := sshtest.Start(t, signer.PublicKey())
	err := store.UpsertMachine(context.Background(), database.Machine{
		ID: id, Name: "Test " + id, Host: srv.Host, Port: srv.Port, Username: "dev", PrivateKeyPath: keyPath,
	})
	if err != nil {
		t.Fatalf("UpsertMachine() error: %v", err)
	}
	return srv
}

func TestNew_RequiresStoreAndDialer(t *testing.T) {
	if _, err := New(Options{Dialer: sshconn.NewDialer(time.Second, nil)}); err == nil {
		t.Fatal("New() without store succeeded")
	}
	store, err := database.Open(filepath.Join(t.TempDir(), "termrt.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := New(Options{Store: store}); err == nil {
		t.Fatal("New() without dialer succeeded")
	}
}

func TestLocalSession_InputOutputAndClose(t *testing.T) {
	r, _ := newRuntime(t, nil)
	ev := &events{}
	unsub := r.Subscribe(ev.add)
	defer unsub()

	info, err := r.SpawnInstance(context.Background(), terminal.SpawnConfig{Command: "/bin/cat"})
	if err != nil {
		t.Fatalf("SpawnInstance() error: %v", err)
	}
	if info.Kind != terminal.KindLocal || info.State != terminal.StateRunning {
		t.Fatalf("info = %+v", info)
	}

	if err := r.Input(info.ID, []byte("hello-local\n")); err != nil {
		t.Fatalf("Input() error: %v", err)
	}
	waitFor(t, "echoed input", func() bool { return strings.Contains(ev.output(info.ID), "hello-local") })

	if err := r.Resize(info.ID, 120, 40); err != nil {
		t.Fatalf("Resize() error: %v", err)
	}
	if err := r.Resize(info.ID, 0, 40); !errors.Is(err, terminal.ErrInvalidSize) {
		t.Fatalf("Resize(0, 40) error = %v", err)
	}
	if got, _ := r.Session(info.ID); got.Cols != 120 || got.Rows != 40 {
		t.Fatalf("size = %dx%d", got.Cols, got.Rows)
	}

	if !r.CloseInstance(info.ID) {
		t.Fatal("CloseInstance() = false")
	}
	if !ev.has(terminal.EventClosed, info.ID) {
		t.Fatal("no instance:closed event")
	}
	if r.CloseInstance(info.ID) {
		t.Fatal("second CloseInstance() = true")
	}
	if n := len(r.Sessions()); n != 0 {
		t.Fatalf("sessions left = %d", n)
	}
	if err := r.Input(info.ID, []byte("x")); !errors.Is(err, terminal.ErrNotFound) {
		t.Fatalf("Input() after close error = %v", err)
	}
}

func TestRemoteSessions_ShareTunnelAndForwardAnnouncedPorts(t *testing.T) {
	r, store := newRuntime(t, nil)
	srv := addMachine(t, store, "m1")
	ctx := context.Background()

	ev := &events{}
	unsub := r.Subscribe(ev.add)
	defer unsub()

	a, err := r.SpawnInstance(ctx, terminal.SpawnConfig{MachineID: "m1"})
	if err != nil {
		t.Fatalf("SpawnInstance(a) error: %v", err)
	}
	b, err := r.SpawnInstance(ctx, terminal.SpawnConfig{MachineID: "m1"})
	if err != nil {
		t.Fatalf("SpawnInstance(b) error: %v", err)
	}
	if a.Kind != terminal.KindSSH || a.MachineID != "m1" {
		t.Fatalf("info = %+v", a)
	}
	if n := srv.Connections(); n != 1 {
		t.Fatalf("ssh connections = %d, want 1 shared", n)
	}
	st := r.TunnelStatuses()
	if len(st) != 1 || st[0].InstanceCount != 2 || st[0].MachineName != "Test m1" {
		t.Fatalf("TunnelStatuses() = %+v", st)
	}

	if err := r.Input(a.ID, []byte("  VITE ready\r\n  Local:   http://localhost:5173/\r\n")); err != nil {
		t.Fatalf("Input() error: %v", err)
	}
	waitFor(t, "forward for announced port", func() bool {
		fs := r.Forwards(a.ID)
		return len(fs) == 1 && fs[0].RemotePort == 5173 && fs[0].Status == portfwd.StatusActive
	})
	if fs := r.Forwards(b.ID); len(fs) != 0 {
		t.Fatalf("forwards of b = %+v", fs)
	}

	r.CloseInstance(a.ID)
	if fs := r.Forwards(a.ID); len(fs) != 0 {
		t.Fatalf("forwards after close = %+v", fs)
	}
	if st := r.TunnelStatuses(); len(st) != 1 || st[0].InstanceCount != 1 {
		t.Fatalf("TunnelStatuses() after first close = %+v", st)
	}
	waitFor(t, "closed forward row", func() bool {
		rows, err := r.ForwardRows(ctx, a.ID)
		return err == nil && len(rows) == 1 && rows[0].Status == string(portfwd.StatusClosed)
	})

	r.CloseInstance(b.ID)
	if st := r.TunnelStatuses(); len(st) != 0 {
		t.Fatalf("TunnelStatuses() after last close = %+v", st)
	}

	n, err := r.PurgeForwards(ctx, a.ID)
	if err != nil || n != 1 {
		t.Fatalf("PurgeForwards() = %d, %v", n, err)
	}

	res, err := r.AuditEvents(ctx, database.AuditQuery{InstanceID: a.ID})
	if err != nil {
		t.Fatalf("AuditEvents() error: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range res.Entries {
		if e.MachineID == "m1" {
			seen[e.EventType] = true
		}
	}
	for _, typ := range []string{audit.EventSessionStart, audit.EventSessionClosed, audit.EventForwardState} {
		if !seen[typ] {
			t.Errorf("no %s audit event for machine m1 in %+v", typ, res.Entries)
		}
	}
	res, _ = r.AuditEvents(ctx, database.AuditQuery{MachineID: "m1", EventType: audit.EventTunnelState})
	if res.Total == 0 {
		t.Error("no tunnel_state audit events")
	}
}

func TestAuditEvents_WithoutAuditor(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "termrt.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	r, err := New(Options{Store: store, Dialer: sshconn.NewDialer(time.Second, nil)})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.AuditEvents(context.Background(), database.AuditQuery{})
	if err != nil || res.Entries == nil || res.Total != 0 {
		t.Fatalf("AuditEvents() = %+v, %v", res, err)
	}
}

func TestSpawnInstance_Errors(t *testing.T) {
	r, store := newRuntime(t, nil)
	ctx := context.Background()

	if _, err := r.SpawnInstance(ctx, terminal.SpawnConfig{MachineID: "ghost"}); !errors.Is(err, ErrUnknownMachine) {
		t.Fatalf("SpawnInstance(unknown) error = %v", err)
	}

	srv := addMachine(t, store, "down")
	srv.Close()
	_, err := r.SpawnInstance(ctx, terminal.SpawnConfig{MachineID: "down"})
	var connErr *sshconn.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("SpawnInstance(down) error = %v, want ConnectionError", err)
	}
	if n := len(r.Sessions()); n != 0 {
		t.Fatalf("sessions = %d after failed spawn", n)
	}
	for _, st := range r.TunnelStatuses() {
		if st.InstanceCount != 0 {
			t.Fatalf("tunnel still referenced: %+v", st)
		}
	}
}

func TestStartForward_RequiresSession(t *testing.T) {
	r, _ := newRuntime(t, nil)
	if _, err := r.StartForward(context.Background(), "nope", 3000); !errors.Is(err, terminal.ErrNotFound) {
		t.Fatalf("StartForward() error = %v", err)
	}
	if _, err := r.ReconnectForward("nope"); !errors.Is(err, portfwd.ErrNotFound) {
		t.Fatalf("ReconnectForward() error = %v", err)
	}
	if err := r.ForceReconnect("nope"); err == nil {
		t.Fatal("ForceReconnect(unknown) succeeded")
	}
}

func TestStart_MarksStaleForwardRows(t *testing.T) {
	r, store := newRuntime(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.SaveForward(ctx, database.PortForward{ID: "old", InstanceID: "gone", RemotePort: 3000, LocalPort: 3000, Status: "active", CreatedAt: time.Now()})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rows, err := r.ForwardRows(ctx, "gone")
	if err != nil || len(rows) != 1 {
		t.Fatalf("ForwardRows() = %+v, %v", rows, err)
	}
	if rows[0].Status != "closed" || rows[0].LastError != staleReason {
		t.Fatalf("row = %+v", rows[0])
	}
}

func TestSubscribe_GatesCwdWatcher(t *testing.T) {
	f := &stubFactory{backends: make(map[string]*stubBackend)}
	r, _ := newRuntime(t, f.build)

	info, err := r.SpawnInstance(context.Background(), terminal.SpawnConfig{ID: "s1", Cwd: "/home/dev"})
	if err != nil {
		t.Fatal(err)
	}

	ev := &events{}
	unsub := r.Subscribe(ev.add)
	r.mu.Lock()
	running := r.cwdCron != nil
	r.mu.Unlock()
	if !running {
		t.Fatal("cwd watcher not started by first subscriber")
	}

	// Unchanged and unknown directories are not announced.
	f.get(info.ID).setCwd("/home/dev")
	r.pollCwd()
	f.get(info.ID).setCwd("")
	r.pollCwd()
	if ev.has(terminal.EventCwd, info.ID) {
		t.Fatal("cwd:changed emitted without a change")
	}

	f.get(info.ID).setCwd("/srv/app")
	r.pollCwd()
	if !ev.has(terminal.EventCwd, info.ID) {
		t.Fatal("no cwd:changed after directory change")
	}
	if got, _ := r.Session(info.ID); got.Cwd != "/srv/app" {
		t.Fatalf("Cwd = %q", got.Cwd)
	}

	unsub()
	unsub()
	r.mu.Lock()
	running, subs := r.cwdCron != nil, r.subs
	r.mu.Unlock()
	if running || subs != 0 {
		t.Fatalf("after unsubscribe: watcher running = %v, subs = %d", running, subs)
	}
}

func TestShutdown_ClosesEverything(t *testing.T) {
	f := &stubFactory{backends: make(map[string]*stubBackend)}
	r, _ := newRuntime(t, f.build)
	ev := &events{}
	r.Subscribe(ev.add)

	for _, id := range []string{"a", "b"} {
		if _, err := r.SpawnInstance(context.Background(), terminal.SpawnConfig{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if n := len(r.Sessions()); n != 0 {
		t.Fatalf("sessions after shutdown = %d", n)
	}
	if !ev.has(terminal.EventClosed, "a") || !ev.has(terminal.EventClosed, "b") {
		t.Fatal("missing instance:closed events")
	}
}

func TestDetectedPorts_WithoutScanner(t *testing.T) {
	r, _ := newRuntime(t, nil)
	ports, err := r.DetectedPorts()
	if err != nil || ports != nil {
		t.Fatalf("DetectedPorts() = %v, %v", ports, err)
	}
	r.SubscribePorts(nil)()
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Settings{
		ScrollbackBytes:          4096,
		CwdPollInterval:          "2s",
		ControlPort:              8071,
		ReverseRemotePort:        9000,
		HealthInterval:           "10s",
		HealthTimeout:            "bogus",
		HealthFailureBudget:      4,
		ReconnectBase:            "500ms",
		ReconnectMax:             "",
		ReconnectAttempts:        7,
		ForwardReconnectAttempts: 3,
		SSHConnectTimeout:        "15s",
	}
	o := OptionsFromConfig(cfg)
	if o.HistoryBytes != 4096 || o.CwdPollInterval != 2*time.Second {
		t.Fatalf("session options = %+v", o)
	}
	tun := o.Tunnels
	if tun.LocalAddr != "127.0.0.1:8071" || tun.RemotePort != 9000 {
		t.Fatalf("tunnel endpoints = %q, %d", tun.LocalAddr, tun.RemotePort)
	}
	if tun.HealthInterval != 10*time.Second || tun.HealthTimeout != 5*time.Second || tun.FailureBudget != 4 {
		t.Fatalf("health options = %+v", tun)
	}
	if tun.ReconnectBase != 500*time.Millisecond || tun.ReconnectMax != 30*time.Second || tun.MaxAttempts != 7 {
		t.Fatalf("reconnect options = %+v", tun)
	}
	if tun.ConnectTimeout != 15*time.Second {
		t.Fatalf("ConnectTimeout = %v", tun.ConnectTimeout)
	}
	if o.Forwards.MaxAttempts != 3 || o.Forwards.ReconnectBase != 500*time.Millisecond {
		t.Fatalf("forward options = %+v", o.Forwards)
	}

	cfg.ControlPort = 0
	if got := OptionsFromConfig(cfg).Tunnels.LocalAddr; got != "" {
		t.Fatalf("LocalAddr without control port = %q", got)
	}
}
