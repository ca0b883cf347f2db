// Package portfwd exposes ports that remote dev servers announce in their
// terminal output as local ports.
//
// Each forward owns a local listener on 127.0.0.1 and a dedicated SSH
// connection; every accepted local connection is spliced to a forward-out
// channel to 127.0.0.1:<remote port> on the remote machine. Forwards are
// never shared between instances. A forward whose connection drops is
// reconnected with exponential backoff and marked failed once its attempt
// budget is spent; the local listener stays bound throughout so the local
// port does not change.
package portfwd

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gluk-w/claworc/termrt/internal/logging"
	"github.com/gluk-w/claworc/termrt/internal/metrics"
	"github.com/gluk-w/claworc/termrt/internal/revtunnel"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

// Status is a forward's lifecycle status.
type Status string

const (
	StatusActive       Status = "active"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

// Statuses lists every status, for metrics.
var Statuses = []string{string(StatusActive), string(StatusReconnecting), string(StatusFailed), string(StatusClosed)}

// PortRange is how many local ports are probed, starting at the remote
// port, before giving up.
const PortRange = 100

var (
	ErrNotFound     = errors.New("port forward not found")
	ErrNotCandidate = errors.New("port is not forwardable")
)

// Forward is the externally visible view of one forward.
type Forward struct {
	ID                string    `json:"id"`
	InstanceID        string    `json:"instanceId"`
	RemotePort        int       `json:"remotePort"`
	LocalPort         int       `json:"localPort"`
	Status            Status    `json:"status"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastError         string    `json:"lastError,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Store persists forward rows for status display after a restart.
type Store interface {
	SaveForward(ctx context.Context, f Forward) error
	UpdateForward(ctx context.Context, f Forward) error
}

// LookupFunc resolves the SSH parameters of the machine instanceID runs on.
type LookupFunc func(ctx context.Context, instanceID string) (sshconn.Params, error)

// Listener receives forward changes in order.
type Listener func(Forward)

// Options configure a Manager. Zero values select defaults.
type Options struct {
	Dialer        sshconn.Dialer
	Lookup        LookupFunc
	Store         Store
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	// ListenHost is the local bind address.
	ListenHost string
}

func (o *Options) setDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.ListenHost == "" {
		o.ListenHost = "127.0.0.1"
	}
}

type forward struct {
	Forward
	params   sshconn.Params
	listener net.Listener
	client   sshconn.Client
	gen      int
	timer    *time.Timer
	closed   bool
}

func (f *forward) remoteAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(f.RemotePort))
}

type change struct {
	fwd     Forward
	created bool
}

// Manager owns every port forward.
type Manager struct {
	opts     Options
	detector *Detector
	log      zerolog.Logger

	mu        sync.Mutex
	forwards  map[string]*forward // by id
	byKey     map[string]string   // instance/remote port -> id
	listeners []Listener

	pending     []change
	dispatching bool

	flight singleflight.Group
}

func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:     opts,
		detector: NewDetector(),
		log:      logging.Component("portfwd"),
		forwards: make(map[string]*forward),
		byKey:    make(map[string]string),
	}
}

func key(instanceID string, remotePort int) string {
	return instanceID + "/" + strconv.Itoa(remotePort)
}

// Detector returns the manager's output detector.
func (m *Manager) Detector() *Detector { return m.detector }

// OnChange registers a listener for every forward change.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) queueLocked(f *forward, created bool) {
	m.pending = append(m.pending, change{fwd: f.Forward, created: created})
	counts := make(map[string]int, len(Statuses))
	for _, f := range m.forwards {
		counts[string(f.Status)]++
	}
	metrics.SetCounts(metrics.Forwards, Statuses, counts)
}

// unlockAndEmit releases mu, then persists and announces queued changes in
// order from a single goroutine at a time.
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
		for _, c := range batch {
			m.persist(c)
			for _, l := range ls {
				l(c.fwd)
			}
		}
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) persist(c change) {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if c.created {
		err = m.opts.Store.SaveForward(ctx, c.fwd)
	} else {
		err = m.opts.Store.UpdateForward(ctx, c.fwd)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("forward", c.fwd.ID).Msg("persist port forward")
	}
}

// HandleOutput scans a chunk of instanceID's output and starts a forward for
// each newly announced port. Forwards start in the background.
func (m *Manager) HandleOutput(instanceID, chunk string) {
	for _, port := range m.detector.Detect(instanceID, chunk) {
		m.log.Info().Str("instance", instanceID).Int("port", port).Msg("detected port announcement")
		go func() {
			if _, err := m.StartForward(context.Background(), instanceID, port); err != nil {
				m.log.Warn().Err(err).Str("instance", instanceID).Int("port", port).Msg("start port forward")
			}
		}()
	}
}

// StartForward forwards remotePort of instanceID's machine to a local port.
// An existing forward for the pair is returned unchanged.
func (m *Manager) StartForward(ctx context.Context, instanceID string, remotePort int) (Forward, error) {
	if !IsCandidatePort(remotePort) {
		return Forward{}, fmt.Errorf("%w: %d", ErrNotCandidate, remotePort)
	}
	k := key(instanceID, remotePort)
	if f, ok := m.existing(k); ok {
		return f, nil
	}

	v, err, _ := m.flight.Do(k, func() (any, error) {
		if f, ok := m.existing(k); ok {
			return f, nil
		}
		return m.create(ctx, instanceID, remotePort)
	})
	if err != nil {
		return Forward{}, err
	}
	return v.(Forward), nil
}

func (m *Manager) existing(k string) (Forward, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[k]
	if !ok {
		return Forward{}, false
	}
	return m.forwards[id].Forward, true
}

func (m *Manager) create(ctx context.Context, instanceID string, remotePort int) (Forward, error) {
	params, err := m.opts.Lookup(ctx, instanceID)
	if err != nil {
		return Forward{}, fmt.Errorf("resolve machine for %s: %w", instanceID, err)
	}
	l, err := listenLocal(m.opts.ListenHost, remotePort)
	if err != nil {
		return Forward{}, err
	}
	client, err := m.opts.Dialer.Dial(ctx, params)
	if err != nil {
		l.Close()
		return Forward{}, err
	}

	f := &forward{
		Forward: Forward{
			ID:         uuid.New().String(),
			InstanceID: instanceID,
			RemotePort: remotePort,
			LocalPort:  l.Addr().(*net.TCPAddr).Port,
			Status:     StatusActive,
			CreatedAt:  time.Now().UTC(),
		},
		params:   params,
		listener: l,
		client:   client,
		gen:      1,
	}

	m.mu.Lock()
	m.forwards[f.ID] = f
	m.byKey[key(instanceID, remotePort)] = f.ID
	m.queueLocked(f, true)
	m.unlockAndEmit()

	go m.serve(f)
	go m.watch(f, f.gen, client)

	m.log.Info().Str("instance", instanceID).Int("remote_port", remotePort).Int("local_port", f.LocalPort).
		Msg("port forward started")
	return f.Forward, nil
}

// listenLocal binds the remote port number if free, otherwise the first
// free port above it.
func listenLocal(host string, preferred int) (net.Listener, error) {
	var lastErr error
	for p := preferred; p < preferred+PortRange && p <= 65535; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: no free local port in %d-%d: %v", sshconn.ErrResourceExhausted, preferred, preferred+PortRange-1, lastErr)
}

// serve accepts local connections and splices each through the forward's
// current SSH connection.
func (m *Manager) serve(f *forward) {
	for {
		local, err := f.listener.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		client := f.client
		active := f.Status == StatusActive
		m.mu.Unlock()
		if client == nil || !active {
			local.Close()
			continue
		}

		remote, err := client.Dial("tcp", f.remoteAddr())
		if err != nil {
			m.log.Warn().Err(err).Str("forward", f.ID).Msg("forward-out channel")
			local.Close()
			continue
		}
		metrics.ForwardedConns.Inc()
		go splice(local, remote)
	}
}

// splice copies both ways until either side closes.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}

// watch starts a reconnect when the connection ends without being closed by
// the manager.
func (m *Manager) watch(f *forward, gen int, client sshconn.Client) {
	err := client.Wait()

	m.mu.Lock()
	if f.closed || f.gen != gen || f.client != client {
		m.mu.Unlock()
		return
	}
	msg := "connection closed"
	if err != nil {
		msg = "connection closed: " + err.Error()
	}
	m.log.Warn().Str("forward", f.ID).Str("reason", msg).Msg("port forward lost its connection")
	f.client = nil
	f.gen++
	f.LastError = msg
	m.scheduleLocked(f)
	m.unlockAndEmit()
	client.Close()
}

// scheduleLocked arms the next reconnect or fails the forward once the
// budget is spent. Caller holds mu.
func (m *Manager) scheduleLocked(f *forward) {
	if f.ReconnectAttempts >= m.opts.MaxAttempts {
		f.Status = StatusFailed
		f.LastError = fmt.Sprintf("%v after %d attempts: %s", sshconn.ErrResourceExhausted, f.ReconnectAttempts, f.LastError)
		m.queueLocked(f, false)
		return
	}
	f.Status = StatusReconnecting
	delay := revtunnel.BackoffDelay(m.opts.ReconnectBase, m.opts.ReconnectMax, f.ReconnectAttempts+1)
	f.timer = time.AfterFunc(delay, func() { m.attempt(f) })
	m.queueLocked(f, false)
}

func (m *Manager) attempt(f *forward) {
	m.mu.Lock()
	if f.closed || f.Status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	f.timer = nil
	f.ReconnectAttempts++
	n := f.ReconnectAttempts
	params := f.params
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sshconn.DefaultConnectTimeout)
	defer cancel()
	if fresh, err := m.opts.Lookup(ctx, f.InstanceID); err == nil {
		params = fresh
	}
	client, err := m.opts.Dialer.Dial(ctx, params)

	m.mu.Lock()
	if f.closed || f.Status != StatusReconnecting {
		m.mu.Unlock()
		if client != nil {
			client.Close()
		}
		return
	}
	if err != nil {
		f.LastError = fmt.Sprintf("attempt %d: %v", n, err)
		m.scheduleLocked(f)
		m.unlockAndEmit()
		return
	}
	f.client = client
	f.params = params
	f.gen++
	gen := f.gen
	f.Status = StatusActive
	f.ReconnectAttempts = 0
	f.LastError = ""
	m.queueLocked(f, false)
	m.unlockAndEmit()

	go m.watch(f, gen, client)
	m.log.Info().Str("forward", f.ID).Int("attempt", n).Msg("port forward reconnected")
}

// Reconnect resets a forward's attempt budget and reconnects it now. It is
// the only way out of the failed status.
func (m *Manager) Reconnect(id string) (Forward, error) {
	m.mu.Lock()
	f, ok := m.forwards[id]
	if !ok {
		m.mu.Unlock()
		return Forward{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	old := f.client
	f.client = nil
	f.gen++
	f.ReconnectAttempts = 0
	f.Status = StatusReconnecting
	f.timer = time.AfterFunc(0, func() { m.attempt(f) })
	m.queueLocked(f, false)
	out := f.Forward
	m.unlockAndEmit()

	if old != nil {
		old.Close()
	}
	return out, nil
}

// closeLocked detaches f from the manager and cancels its timer. The
// caller closes the returned resources after unlocking.
func (m *Manager) closeLocked(f *forward) (net.Listener, sshconn.Client) {
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	delete(m.forwards, f.ID)
	delete(m.byKey, key(f.InstanceID, f.RemotePort))
	f.Status = StatusClosed
	m.queueLocked(f, false)
	client := f.client
	f.client = nil
	return f.listener, client
}

func release(l net.Listener, c sshconn.Client) {
	if l != nil {
		l.Close()
	}
	if c != nil {
		c.Close()
	}
}

// StopForward closes one forward. Its port stays in the instance's detected
// set so repeated announcements do not restart it.
func (m *Manager) StopForward(id string) error {
	m.mu.Lock()
	f, ok := m.forwards[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l, c := m.closeLocked(f)
	m.unlockAndEmit()
	release(l, c)
	m.log.Info().Str("forward", id).Msg("port forward stopped")
	return nil
}

// CloseInstance closes every forward of instanceID and clears its detected
// ports.
func (m *Manager) CloseInstance(instanceID string) int {
	m.detector.Reset(instanceID)

	m.mu.Lock()
	var ls []net.Listener
	var cs []sshconn.Client
	for _, f := range m.forwards {
		if f.InstanceID != instanceID {
			continue
		}
		l, c := m.closeLocked(f)
		ls = append(ls, l)
		cs = append(cs, c)
	}
	m.unlockAndEmit()

	for i := range ls {
		release(ls[i], cs[i])
	}
	if len(ls) > 0 {
		m.log.Info().Str("instance", instanceID).Int("count", len(ls)).Msg("closed port forwards")
	}
	return len(ls)
}

// Get returns one forward.
func (m *Manager) Get(id string) (Forward, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forwards[id]
	if !ok {
		return Forward{}, false
	}
	return f.Forward, true
}

// List returns the forwards of instanceID, or every forward when it is
// empty, ordered by instance then remote port.
func (m *Manager) List(instanceID string) []Forward {
	m.mu.Lock()
	out := make([]Forward, 0, len(m.forwards))
	for _, f := range m.forwards {
		if instanceID == "" || f.InstanceID == instanceID {
			out = append(out, f.Forward)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].RemotePort < out[j].RemotePort
	})
	return out
}

// CloseAll closes every forward.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var ls []net.Listener
	var cs []sshconn.Client
	for _, f := range m.forwards {
		l, c := m.closeLocked(f)
		ls = append(ls, l)
		cs = append(cs, c)
	}
	m.unlockAndEmit()

	for i := range ls {
		release(ls[i], cs[i])
	}
}
