// Package orchestrator owns the terminal registry, reverse tunnels and port
// forwards of one process and wires their events together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/termrt/internal/audit"
	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/framer"
	"github.com/gluk-w/claworc/termrt/internal/logging"
	"github.com/gluk-w/claworc/termrt/internal/logutil"
	"github.com/gluk-w/claworc/termrt/internal/metrics"
	"github.com/gluk-w/claworc/termrt/internal/portfwd"
	"github.com/gluk-w/claworc/termrt/internal/portscan"
	"github.com/gluk-w/claworc/termrt/internal/revtunnel"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
	"github.com/gluk-w/claworc/termrt/internal/terminal"
)

// ErrUnknownMachine is returned when a spawn names a machine that is not in
// the inventory.
var ErrUnknownMachine = errors.New("unknown machine")

// staleReason is recorded on forward rows left open by a previous process.
const staleReason = "runtime restarted"

var sessionStates = []string{string(terminal.StateRunning), string(terminal.StateDisconnected)}

// Options configure a Runtime.
type Options struct {
	Store  *database.Store
	Dialer sshconn.Dialer
	// Factory builds terminal backends. Nil selects terminal.DefaultFactory.
	Factory      terminal.BackendFactory
	HistoryBytes int
	// CwdPollInterval is how often working directories are refreshed while
	// anyone is subscribed.
	CwdPollInterval time.Duration

	// Tunnels and Forwards get Dialer and Lookup filled in by New.
	Tunnels  revtunnel.Options
	Forwards portfwd.Options

	// Scanner and Auditor are optional.
	Scanner *portscan.Scanner
	Auditor *audit.Auditor
}

// Runtime is the single object a process builds at startup. Its collaborators
// are owned state, not package globals.
type Runtime struct {
	store    *database.Store
	dialer   sshconn.Dialer
	registry *terminal.Registry
	tunnels  *revtunnel.Manager
	forwards *portfwd.Manager
	scanner  *portscan.Scanner
	audit    *audit.Auditor

	cwdInterval time.Duration

	mu      sync.Mutex
	subs    int
	cwdCron *cron.Cron

	log zerolog.Logger
}

// New builds a Runtime. It does not start background work; call Start.
func New(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("orchestrator: dialer is required")
	}
	if opts.CwdPollInterval <= 0 {
		opts.CwdPollInterval = 5 * time.Second
	}

	r := &Runtime{
		store:       opts.Store,
		dialer:      opts.Dialer,
		registry:    terminal.NewRegistry(opts.Factory, opts.HistoryBytes),
		scanner:     opts.Scanner,
		audit:       opts.Auditor,
		cwdInterval: opts.CwdPollInterval,
		log:         logging.Component("orchestrator"),
	}

	topts := opts.Tunnels
	topts.Dialer = opts.Dialer
	topts.Lookup = r.lookupMachine
	r.tunnels = revtunnel.NewManager(topts)

	fopts := opts.Forwards
	fopts.Dialer = opts.Dialer
	fopts.Lookup = r.lookupInstance
	fopts.Store = forwardStore{db: opts.Store}
	r.forwards = portfwd.NewManager(fopts)

	// Subscribed first so forwards and tunnels are settled before any
	// external listener sees the event.
	r.registry.Subscribe(r.handleEvent)
	if r.audit != nil {
		r.tunnels.OnStateChange(r.auditTunnel)
		r.forwards.OnChange(r.auditForward)
	}
	return r, nil
}

// Start marks forward rows of a previous run stale and starts the tunnel
// health checker, which stops when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	n, err := r.store.MarkStaleForwards(ctx, staleReason)
	if err != nil {
		return fmt.Errorf("mark stale forwards: %w", err)
	}
	if n > 0 {
		r.log.Info().Int64("count", n).Msg("closed port forwards left by previous run")
	}
	r.tunnels.StartHealthChecker(ctx)
	return nil
}

func (r *Runtime) lookupMachine(ctx context.Context, machineID string) (revtunnel.Machine, error) {
	m, err := r.store.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return revtunnel.Machine{}, fmt.Errorf("%w: %s", ErrUnknownMachine, machineID)
		}
		return revtunnel.Machine{}, err
	}
	return revtunnel.Machine{ID: m.ID, Name: m.Name, Params: m.Params()}, nil
}

func (r *Runtime) lookupInstance(ctx context.Context, instanceID string) (sshconn.Params, error) {
	machineID, ok := r.tunnels.MachineFor(instanceID)
	if !ok {
		return sshconn.Params{}, fmt.Errorf("instance %s has no remote machine", instanceID)
	}
	m, err := r.lookupMachine(ctx, machineID)
	if err != nil {
		return sshconn.Params{}, err
	}
	return m.Params, nil
}

// SpawnInstance starts a terminal session. A session with a MachineID runs
// over SSH on that machine and holds a reference on its reverse tunnel for
// as long as it is registered; otherwise it is a local PTY.
func (r *Runtime) SpawnInstance(ctx context.Context, cfg terminal.SpawnConfig) (terminal.SessionInfo, error) {
	if cfg.MachineID == "" {
		cfg.Kind = terminal.KindLocal
		info, err := r.registry.Spawn(ctx, cfg)
		if err == nil {
			r.updateSessionGauge()
			r.auditSession(audit.EventSessionStart, info.ID, "local")
		}
		return info, err
	}

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	machine, err := r.lookupMachine(ctx, cfg.MachineID)
	if err != nil {
		return terminal.SessionInfo{}, err
	}
	if _, err := r.tunnels.Acquire(ctx, cfg.ID, cfg.MachineID); err != nil {
		return terminal.SessionInfo{}, fmt.Errorf("acquire tunnel to %s: %w", cfg.MachineID, err)
	}

	params := machine.Params
	cfg.Kind = terminal.KindSSH
	cfg.SSH = &params
	cfg.Dialer = r.dialer
	// Share the tunnel's connection when it is up. While it reconnects the
	// backend dials its own.
	cfg.Client = r.tunnels.Client(cfg.MachineID)

	info, err := r.registry.Spawn(ctx, cfg)
	if err != nil {
		r.tunnels.Release(cfg.ID)
		return terminal.SessionInfo{}, err
	}
	r.updateSessionGauge()
	r.auditSession(audit.EventSessionStart, info.ID, "ssh "+params.Username+"@"+params.Host)
	r.log.Info().Str("session", info.ID).Str("machine", machine.ID).
		Str("host", logutil.SanitizeForLog(params.Host)).Msg("remote session started")
	return info, nil
}

// handleEvent routes registry events to the managers.
func (r *Runtime) handleEvent(ev terminal.Event) {
	if r.audit != nil {
		r.auditSessionEvent(ev)
	}
	switch ev.Type {
	case terminal.EventOutput:
		if _, remote := r.tunnels.MachineFor(ev.SessionID); remote {
			r.forwards.HandleOutput(ev.SessionID, ev.Data)
		}
	case terminal.EventExit:
		r.updateSessionGauge()
	case terminal.EventClosed:
		r.forwards.CloseInstance(ev.SessionID)
		r.tunnels.Release(ev.SessionID)
		r.updateSessionGauge()
	}
}

func (r *Runtime) updateSessionGauge() {
	counts := make(map[string]int, len(sessionStates))
	for _, s := range r.registry.List() {
		counts[string(s.State)]++
	}
	metrics.SetCounts(metrics.Sessions, sessionStates, counts)
}

// Input writes to a running session.
func (r *Runtime) Input(id string, data []byte) error {
	return r.registry.Write(id, data)
}

// Resize changes a running session's terminal size.
func (r *Runtime) Resize(id string, cols, rows int) error {
	return r.registry.Resize(id, cols, rows)
}

// CloseInstance kills a session in any state. Its forwards are closed and
// its tunnel reference released before this returns.
func (r *Runtime) CloseInstance(id string) bool {
	return r.registry.Kill(id)
}

// Subscribe registers l for session events. While at least one subscriber
// exists, working directories are polled and changes are emitted as
// cwd:changed.
func (r *Runtime) Subscribe(l terminal.Listener) func() {
	unsub := r.registry.Subscribe(l)

	r.mu.Lock()
	r.subs++
	if r.subs == 1 {
		r.startCwdWatchLocked()
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			r.mu.Lock()
			r.subs--
			var stopped *cron.Cron
			if r.subs == 0 {
				stopped = r.cwdCron
				r.cwdCron = nil
			}
			r.mu.Unlock()
			if stopped != nil {
				stopped.Stop()
			}
		})
	}
}

// OnTunnelChange registers l for reverse tunnel state changes.
func (r *Runtime) OnTunnelChange(l revtunnel.Listener) {
	r.tunnels.OnStateChange(l)
}

// OnForwardChange registers l for port forward changes.
func (r *Runtime) OnForwardChange(l portfwd.Listener) {
	r.forwards.OnChange(l)
}

// Sessions lists every registered session.
func (r *Runtime) Sessions() []terminal.SessionInfo {
	return r.registry.List()
}

// Session returns one session.
func (r *Runtime) Session(id string) (terminal.SessionInfo, bool) {
	return r.registry.Get(id)
}

// History returns a session's output history for replay, starting after
// any frame whose start the history cap cut off.
func (r *Runtime) History(id string) ([]byte, error) {
	h, err := r.registry.History(id)
	if err != nil {
		return nil, err
	}
	return framer.TrimPartialFrame(h), nil
}

// Machines lists the machine inventory.
func (r *Runtime) Machines(ctx context.Context) ([]database.Machine, error) {
	return r.store.ListMachines(ctx)
}

// TunnelStatuses lists every reverse tunnel.
func (r *Runtime) TunnelStatuses() []revtunnel.Status {
	return r.tunnels.Statuses()
}

// TunnelTransitions returns the recent state changes of a machine's tunnel.
func (r *Runtime) TunnelTransitions(machineID string) []revtunnel.StateChange {
	return r.tunnels.Transitions(machineID)
}

// ForceReconnect restarts a machine's tunnel, including one that has
// failed.
func (r *Runtime) ForceReconnect(machineID string) error {
	if err := r.tunnels.ForceReconnect(machineID); err != nil {
		return err
	}
	r.audit.Record(audit.Entry{EventType: audit.EventTunnelReconnect, MachineID: machineID})
	return nil
}

// Forwards lists the live forwards of instanceID, or all when it is empty.
func (r *Runtime) Forwards(instanceID string) []portfwd.Forward {
	return r.forwards.List(instanceID)
}

// ForwardRows returns persisted forward rows, including closed ones left by
// earlier sessions or a previous run.
func (r *Runtime) ForwardRows(ctx context.Context, instanceID string) ([]database.PortForward, error) {
	return r.store.ListForwards(ctx, instanceID)
}

// PurgeForwards deletes the persisted rows of an instance that is no
// longer registered.
func (r *Runtime) PurgeForwards(ctx context.Context, instanceID string) (int64, error) {
	if _, live := r.registry.Get(instanceID); live {
		return 0, fmt.Errorf("instance %s is still registered", instanceID)
	}
	return r.store.DeleteForwards(ctx, instanceID)
}

// StartForward forwards a port of a remote session's machine on request.
func (r *Runtime) StartForward(ctx context.Context, instanceID string, remotePort int) (portfwd.Forward, error) {
	if _, ok := r.registry.Get(instanceID); !ok {
		return portfwd.Forward{}, fmt.Errorf("%w: %s", terminal.ErrNotFound, instanceID)
	}
	return r.forwards.StartForward(ctx, instanceID, remotePort)
}

// StopForward closes one forward.
func (r *Runtime) StopForward(id string) error {
	return r.forwards.StopForward(id)
}

// ReconnectForward restarts a forward, including one that has failed.
func (r *Runtime) ReconnectForward(id string) (portfwd.Forward, error) {
	f, err := r.forwards.Reconnect(id)
	if err != nil {
		return f, err
	}
	r.auditSession(audit.EventForwardReconnect, f.InstanceID, "forward="+f.ID)
	return f, nil
}

// DetectedPorts returns the listening ports of this host. Without a
// scanner it returns nil.
func (r *Runtime) DetectedPorts() ([]portscan.DetectedPort, error) {
	if r.scanner == nil {
		return nil, nil
	}
	if r.scanner.Polling() {
		return r.scanner.Last(), nil
	}
	return r.scanner.Scan()
}

// SubscribePorts registers fn for local port scans. The returned function
// is a no-op without a scanner.
func (r *Runtime) SubscribePorts(fn portscan.Subscriber) func() {
	if r.scanner == nil {
		return func() {}
	}
	return r.scanner.Subscribe(fn)
}

// Shutdown kills every session and closes every forward and tunnel. It
// returns early with ctx's error if teardown outlives ctx.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	c := r.cwdCron
	r.cwdCron = nil
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}
	r.tunnels.StopHealthChecker()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.registry.CloseAll()

		var g errgroup.Group
		g.Go(func() error {
			r.forwards.CloseAll()
			return nil
		})
		g.Go(func() error {
			r.tunnels.CloseAll()
			return nil
		})
		g.Wait()
	}()

	select {
	case <-done:
		r.updateSessionGauge()
		r.log.Info().Msg("runtime shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
