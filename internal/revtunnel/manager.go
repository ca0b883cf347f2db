// Package revtunnel keeps at most one reverse SSH tunnel per remote machine.
//
// A tunnel is an SSH connection plus a listener on the remote machine whose
// connections are bridged back to a local control endpoint. Every session
// running on the machine shares it: the tunnel records the set of instance
// ids relying on it and is torn down when the last one releases it.
//
// Health is tracked per machine:
//
//	healthy -> degraded -> disconnected -> reconnecting -> healthy
//	                                                  \-> failed
//
// Probes run on an interval; one failure degrades the tunnel and a run of
// failures past the budget, or the connection closing, disconnects it.
// Reconnects back off exponentially and give up after a bounded number of
// attempts.
package revtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gluk-w/claworc/termrt/internal/logging"
	"github.com/gluk-w/claworc/termrt/internal/logutil"
	"github.com/gluk-w/claworc/termrt/internal/metrics"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

// ErrNotFound is returned for machines without a tunnel.
var ErrNotFound = errors.New("no tunnel for machine")

// Machine is a remote machine's identity and SSH parameters.
type Machine struct {
	ID     string
	Name   string
	Params sshconn.Params
}

// LookupFunc resolves a machine id.
type LookupFunc func(ctx context.Context, machineID string) (Machine, error)

// Options configure a Manager. Zero values select defaults.
type Options struct {
	Dialer sshconn.Dialer
	Lookup LookupFunc
	// LocalAddr is the control endpoint remote connections are bridged to.
	LocalAddr string
	// RemotePort is the port requested on the remote machine. Zero lets
	// the server pick.
	RemotePort int

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	// FailureBudget is the number of consecutive failed probes after which
	// a degraded tunnel is disconnected.
	FailureBudget int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	// ConnectTimeout bounds each (re)connect including the follow-up probe.
	ConnectTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.FailureBudget <= 0 {
		o.FailureBudget = 3
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = sshconn.DefaultConnectTimeout
	}
}

// Status is the externally visible view of one tunnel.
type Status struct {
	MachineID         string    `json:"machineId"`
	MachineName       string    `json:"machineName"`
	HealthState       State     `json:"healthState"`
	RemotePort        int       `json:"remotePort"`
	LocalPort         int       `json:"localPort"`
	InstanceCount     int       `json:"instanceCount"`
	Instances         []string  `json:"instances"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
	LastHealthCheck   time.Time `json:"lastHealthCheck"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	Error             string    `json:"error,omitempty"`
}

// conn is one established connection and its remote listener.
type conn struct {
	client     sshconn.Client
	listener   net.Listener
	remotePort int
	// installed is set under Manager.mu once a tunnel has used c. A
	// connection is installed at most once; after its tunnel detaches it
	// is closed and must not be reused.
	installed bool
}

func (c *conn) close() {
	if c == nil {
		return
	}
	if c.listener != nil {
		c.listener.Close()
	}
	c.client.Close()
}

type tunnel struct {
	machine   Machine
	conn      *conn
	gen       int
	instances map[string]struct{}

	state             State
	lastSeenAt        time.Time
	lastHealthCheck   time.Time
	reconnectAttempts int
	failures          int
	lastErr           string

	timer *time.Timer
	// attempting is set while a reconnect attempt runs outside the lock.
	attempting bool
	closed     bool
}

// Manager owns every reverse tunnel. All mutation of tunnel state goes
// through its methods.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	tunnels    map[string]*tunnel
	byInstance map[string]string
	history    map[string]*history
	listeners  []Listener

	// Pending events, delivered in order by whichever goroutine drains them.
	pending     []StateChange
	dispatching bool

	flight       singleflight.Group
	healthCancel context.CancelFunc
}

// NewManager returns a Manager with no tunnels.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:       opts,
		log:        logging.Component("revtunnel"),
		tunnels:    make(map[string]*tunnel),
		byInstance: make(map[string]string),
		history:    make(map[string]*history),
	}
}

// OnStateChange registers a listener for every tunnel transition.
func (m *Manager) OnStateChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// setStateLocked records a transition and queues its event. Caller holds mu.
func (m *Manager) setStateLocked(t *tunnel, to State, errMsg string) {
	from := t.state
	if from == to {
		return
	}
	t.state = to
	change := StateChange{
		MachineID:     t.machine.ID,
		PreviousState: from,
		NewState:      to,
		Error:         errMsg,
		Timestamp:     time.Now(),
	}
	h, ok := m.history[t.machine.ID]
	if !ok {
		h = &history{}
		m.history[t.machine.ID] = h
	}
	h.record(change)
	m.pending = append(m.pending, change)

	metrics.TunnelTransitions.WithLabelValues(string(to)).Inc()
	m.updateGaugeLocked()

	ev := m.log.Info()
	if to != StateHealthy {
		ev = m.log.Warn()
	}
	ev.Str("machine", t.machine.ID).Str("from", string(from)).Str("to", string(to)).
		Str("error", logutil.Snippet(errMsg, 512)).Msg("tunnel state changed")
}

func (m *Manager) updateGaugeLocked() {
	counts := make(map[string]int, len(States))
	for _, t := range m.tunnels {
		counts[string(t.state)]++
	}
	metrics.SetCounts(metrics.Tunnels, States, counts)
}

// unlockAndEmit releases mu and delivers queued events. Only one goroutine
// delivers at a time, so listeners see transitions in the order they
// happened and may call back into the Manager.
func (m *Manager) unlockAndEmit() {
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		ls := append([]Listener(nil), m.listeners...)
		m.mu.Unlock()
		for _, ev := range batch {
			for _, l := range ls {
				l(ev)
			}
		}
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

// Acquire adds instanceID to machineID's tunnel, creating the tunnel if
// none exists or the previous one was abandoned. Concurrent first acquires
// for one machine share a single connection attempt. Connection failures
// are returned and leave no tunnel behind.
func (m *Manager) Acquire(ctx context.Context, instanceID, machineID string) (Status, error) {
	for {
		st, retry, err := m.acquireOnce(ctx, instanceID, machineID)
		if !retry {
			return st, err
		}
		if err := ctx.Err(); err != nil {
			return Status{}, err
		}
	}
}

// acquireOnce reports retry when the shared connection attempt produced a
// connection that another caller installed and has since torn down.
func (m *Manager) acquireOnce(ctx context.Context, instanceID, machineID string) (Status, bool, error) {
	m.mu.Lock()
	if prev, ok := m.byInstance[instanceID]; ok && prev != machineID {
		m.mu.Unlock()
		return Status{}, false, fmt.Errorf("instance %s already holds a tunnel to %s", instanceID, prev)
	}
	if t, ok := m.tunnels[machineID]; ok && t.state != StateFailed {
		m.addInstanceLocked(t, instanceID)
		st := t.status()
		m.mu.Unlock()
		return st, false, nil
	}
	m.mu.Unlock()

	v, err, _ := m.flight.Do(machineID, func() (any, error) {
		machine, err := m.opts.Lookup(ctx, machineID)
		if err != nil {
			return nil, fmt.Errorf("look up machine %s: %w", machineID, err)
		}
		c, err := m.connect(ctx, machine)
		if err != nil {
			return nil, err
		}
		return &established{machine: machine, conn: c}, nil
	})

	m.mu.Lock()
	t, exists := m.tunnels[machineID]
	if err != nil {
		if exists {
			t.lastErr = err.Error()
		}
		m.mu.Unlock()
		return Status{}, false, err
	}
	res := v.(*established)

	var stale *conn
	switch {
	case exists && t.state != StateFailed:
		// Another caller installed a tunnel first. Keep theirs.
		if t.conn != res.conn && !res.conn.installed {
			stale = res.conn
		}
	case res.conn.installed:
		m.mu.Unlock()
		return Status{}, true, nil
	case exists:
		m.installLocked(t, res.conn)
	default:
		t = &tunnel{machine: res.machine, instances: make(map[string]struct{})}
		m.tunnels[machineID] = t
		m.installLocked(t, res.conn)
	}
	m.addInstanceLocked(t, instanceID)
	st := t.status()
	m.unlockAndEmit()

	stale.close()
	return st, false, nil
}

type established struct {
	machine Machine
	conn    *conn
}

func (m *Manager) addInstanceLocked(t *tunnel, instanceID string) {
	t.instances[instanceID] = struct{}{}
	m.byInstance[instanceID] = t.machine.ID
}

// installLocked makes c the tunnel's live connection and marks it healthy.
// Caller holds mu.
func (m *Manager) installLocked(t *tunnel, c *conn) {
	c.installed = true
	t.conn = c
	t.gen++
	t.reconnectAttempts = 0
	t.failures = 0
	t.lastErr = ""
	now := time.Now()
	t.lastSeenAt = now
	t.lastHealthCheck = now
	m.setStateLocked(t, StateHealthy, "")
	go m.watch(t.machine.ID, t.gen, c.client)
}

// Release removes instanceID from its tunnel's instance set. The last
// release cancels any pending reconnect and closes the connection. It
// reports whether the instance held a tunnel.
func (m *Manager) Release(instanceID string) bool {
	m.mu.Lock()
	machineID, ok := m.byInstance[instanceID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byInstance, instanceID)
	t := m.tunnels[machineID]
	if t == nil {
		m.mu.Unlock()
		return true
	}
	delete(t.instances, instanceID)
	if len(t.instances) > 0 {
		m.mu.Unlock()
		return true
	}

	c := m.teardownLocked(t)
	delete(m.tunnels, machineID)
	m.updateGaugeLocked()
	m.mu.Unlock()

	c.close()
	m.log.Info().Str("machine", machineID).Msg("last instance released, tunnel closed")
	return true
}

// teardownLocked marks t closed, cancels its timer and detaches its
// connection for the caller to close outside the lock.
func (m *Manager) teardownLocked(t *tunnel) *conn {
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	c := t.conn
	t.conn = nil
	return c
}

// connect dials the machine, opens the remote listener and starts bridging
// its connections to the control endpoint.
func (m *Manager) connect(ctx context.Context, machine Machine) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	client, err := m.opts.Dialer.Dial(ctx, machine.Params)
	if err != nil {
		return nil, err
	}
	c := &conn{client: client}
	if m.opts.LocalAddr != "" {
		l, err := client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(m.opts.RemotePort)))
		if err != nil {
			client.Close()
			return nil, &sshconn.ConnectionError{Addr: machine.Params.Addr(), Err: fmt.Errorf("remote listen: %w", err)}
		}
		c.listener = l
		if addr, ok := l.Addr().(*net.TCPAddr); ok {
			c.remotePort = addr.Port
		}
		go m.serve(machine.ID, l)
	}
	return c, nil
}

// serve bridges each remote connection to the local control endpoint until
// the listener closes.
func (m *Manager) serve(machineID string, l net.Listener) {
	for {
		remote, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer remote.Close()
			local, err := net.DialTimeout("tcp", m.opts.LocalAddr, 5*time.Second)
			if err != nil {
				m.log.Warn().Err(err).Str("machine", machineID).Msg("control endpoint unreachable")
				return
			}
			defer local.Close()
			done := make(chan struct{}, 2)
			go func() { io.Copy(local, remote); done <- struct{}{} }()
			go func() { io.Copy(remote, local); done <- struct{}{} }()
			<-done
		}()
	}
}

// watch waits for the connection to end and disconnects the tunnel if it
// is still the live one.
func (m *Manager) watch(machineID string, gen int, client sshconn.Client) {
	err := client.Wait()
	msg := "connection closed"
	if err != nil {
		msg = "connection closed: " + err.Error()
	}

	m.mu.Lock()
	t, ok := m.tunnels[machineID]
	if !ok || t.closed || t.gen != gen || t.conn == nil || t.conn.client != client {
		m.mu.Unlock()
		return
	}
	if t.state != StateHealthy && t.state != StateDegraded {
		m.mu.Unlock()
		return
	}
	stale := m.disconnectLocked(t, msg)
	m.unlockAndEmit()
	stale.close()
}

// disconnectLocked moves t to disconnected, detaches its connection and
// schedules the first reconnect attempt. Caller holds mu and closes the
// returned conn after unlocking.
func (m *Manager) disconnectLocked(t *tunnel, reason string) *conn {
	t.lastErr = reason
	c := t.conn
	t.conn = nil
	t.gen++
	m.setStateLocked(t, StateDisconnected, reason)
	m.scheduleLocked(t)
	return c
}

// scheduleLocked arms the next reconnect attempt, or fails the tunnel when
// the attempt budget is spent. Caller holds mu.
func (m *Manager) scheduleLocked(t *tunnel) {
	if t.reconnectAttempts >= m.opts.MaxAttempts {
		msg := fmt.Sprintf("%v after %d attempts: %s", sshconn.ErrResourceExhausted, t.reconnectAttempts, t.lastErr)
		t.lastErr = msg
		m.setStateLocked(t, StateFailed, msg)
		return
	}
	m.setStateLocked(t, StateReconnecting, t.lastErr)
	delay := BackoffDelay(m.opts.ReconnectBase, m.opts.ReconnectMax, t.reconnectAttempts+1)
	machineID := t.machine.ID
	t.timer = time.AfterFunc(delay, func() { m.attempt(machineID, t) })
}

// attempt runs one reconnect: dial, listen, then a follow-up probe.
func (m *Manager) attempt(machineID string, t *tunnel) {
	m.mu.Lock()
	if t.closed || m.tunnels[machineID] != t || t.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	t.timer = nil
	t.attempting = true
	t.reconnectAttempts++
	n := t.reconnectAttempts
	machine := t.machine
	m.mu.Unlock()

	m.log.Info().Str("machine", machineID).Int("attempt", n).Int("max", m.opts.MaxAttempts).Msg("reconnecting tunnel")

	ctx := context.Background()
	if m.opts.Lookup != nil {
		// Pick up parameter changes made while disconnected.
		if fresh, err := m.opts.Lookup(ctx, machineID); err == nil {
			machine = fresh
		}
	}
	c, err := m.connect(ctx, machine)
	if err == nil {
		if perr := m.probe(c.client); perr != nil {
			c.close()
			c, err = nil, fmt.Errorf("follow-up probe: %w", perr)
		}
	}

	m.mu.Lock()
	t.attempting = false
	if t.closed || m.tunnels[machineID] != t || t.state != StateReconnecting {
		m.mu.Unlock()
		c.close()
		return
	}
	if err != nil {
		t.lastErr = fmt.Sprintf("attempt %d: %v", n, err)
		m.scheduleLocked(t)
		m.unlockAndEmit()
		return
	}
	t.machine = machine
	m.installLocked(t, c)
	m.unlockAndEmit()
}

// ForceReconnect resets the attempt counter and reconnects immediately,
// whatever the current state. While an attempt is already running only the
// counter is reset; that attempt's outcome decides what happens next.
func (m *Manager) ForceReconnect(machineID string) error {
	m.mu.Lock()
	t, ok := m.tunnels[machineID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, machineID)
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.reconnectAttempts = 0
	t.failures = 0
	if t.attempting {
		m.mu.Unlock()
		m.log.Info().Str("machine", machineID).Msg("reconnect already in progress, attempt budget reset")
		return nil
	}

	var stale *conn
	if t.conn != nil {
		stale = t.conn
		t.conn = nil
		t.gen++
		m.setStateLocked(t, StateDisconnected, "reconnect requested")
	}
	m.setStateLocked(t, StateReconnecting, "reconnect requested")
	t.timer = time.AfterFunc(0, func() { m.attempt(machineID, t) })
	m.unlockAndEmit()

	stale.close()
	m.log.Info().Str("machine", machineID).Msg("forced reconnect")
	return nil
}

// Client returns the live connection of machineID's tunnel, or nil.
func (m *Manager) Client(machineID string) sshconn.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[machineID]
	if !ok || t.conn == nil {
		return nil
	}
	return t.conn.client
}

// MachineFor returns the machine whose tunnel instanceID holds.
func (m *Manager) MachineFor(instanceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byInstance[instanceID]
	return id, ok
}

func (t *tunnel) status() Status {
	st := Status{
		MachineID:         t.machine.ID,
		MachineName:       t.machine.Name,
		HealthState:       t.state,
		InstanceCount:     len(t.instances),
		LastSeenAt:        t.lastSeenAt,
		LastHealthCheck:   t.lastHealthCheck,
		ReconnectAttempts: t.reconnectAttempts,
		Error:             t.lastErr,
	}
	if t.conn != nil {
		st.RemotePort = t.conn.remotePort
	}
	st.Instances = make([]string, 0, len(t.instances))
	for id := range t.instances {
		st.Instances = append(st.Instances, id)
	}
	sort.Strings(st.Instances)
	return st
}

// Status returns one machine's tunnel status.
func (m *Manager) Status(machineID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[machineID]
	if !ok {
		return Status{}, false
	}
	st := t.status()
	st.LocalPort = m.localPort()
	return st, true
}

// Statuses returns every tunnel's status ordered by machine id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		st := t.status()
		st.LocalPort = m.localPort()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

func (m *Manager) localPort() int {
	_, port, err := net.SplitHostPort(m.opts.LocalAddr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// Transitions returns up to the last 50 transitions of machineID, oldest
// first. History outlives the tunnel itself.
func (m *Manager) Transitions(machineID string) []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[machineID]
	if !ok {
		return nil
	}
	return h.list()
}

// CloseAll stops health checks, cancels reconnects and closes every tunnel.
func (m *Manager) CloseAll() {
	m.StopHealthChecker()

	m.mu.Lock()
	var conns []*conn
	for id, t := range m.tunnels {
		if c := m.teardownLocked(t); c != nil {
			conns = append(conns, c)
		}
		delete(m.tunnels, id)
	}
	m.byInstance = make(map[string]string)
	m.updateGaugeLocked()
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
