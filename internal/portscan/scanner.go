// Package portscan discovers TCP ports listening on this host and the
// processes that own them. Polling runs only while someone subscribes.
package portscan

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/termrt/internal/logging"
)

// tcpListen is the kernel's TCP_LISTEN state in /proc/net/tcp.
const tcpListen = 0x0A

// DetectedPort is one listening socket.
type DetectedPort struct {
	Port        int    `json:"port"`
	Pid         int    `json:"pid,omitempty"`
	Process     string `json:"process,omitempty"`
	Address     string `json:"address"`
	Accessible  bool   `json:"accessible"`
	ServiceType string `json:"serviceType"`
}

// Subscriber receives every scan result.
type Subscriber func([]DetectedPort)

// Scanner reads listening sockets from procfs.
type Scanner struct {
	fs       procfs.FS
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	subs    map[int]Subscriber
	nextSub int
	cron    *cron.Cron
	last    []DetectedPort
}

// NewScanner reads from the procfs mounted at root ("" for /proc) and polls
// every interval while subscribed.
func NewScanner(root string, interval time.Duration) (*Scanner, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", root, err)
	}
	if interval < time.Second {
		interval = 10 * time.Second
	}
	return &Scanner{
		fs:       fs,
		interval: interval,
		log:      logging.Component("portscan"),
		subs:     make(map[int]Subscriber),
	}, nil
}

// Scan returns every listening TCP port, IPv4 and IPv6, ordered by port.
// Sockets whose owner cannot be read (other users' processes) are still
// reported without a pid.
func (s *Scanner) Scan() ([]DetectedPort, error) {
	owners := s.socketOwners()

	type sock struct {
		ip    net.IP
		port  uint64
		inode uint64
	}
	var socks []sock
	v4, err := s.fs.NetTCP()
	if err != nil {
		return nil, fmt.Errorf("read tcp sockets: %w", err)
	}
	for _, l := range v4 {
		if l.St == tcpListen {
			socks = append(socks, sock{l.LocalAddr, l.LocalPort, l.Inode})
		}
	}
	// IPv6 may be disabled.
	if v6, err := s.fs.NetTCP6(); err == nil {
		for _, l := range v6 {
			if l.St == tcpListen {
				socks = append(socks, sock{l.LocalAddr, l.LocalPort, l.Inode})
			}
		}
	}

	seen := make(map[string]bool)
	out := make([]DetectedPort, 0, len(socks))
	for _, sk := range socks {
		addr := sk.ip.String()
		k := addr + "/" + strconv.FormatUint(sk.port, 10)
		if seen[k] {
			continue
		}
		seen[k] = true
		dp := DetectedPort{
			Port:       int(sk.port),
			Address:    addr,
			Accessible: !sk.ip.IsLoopback(),
		}
		if o, ok := owners[sk.inode]; ok {
			dp.Pid, dp.Process = o.pid, o.comm
		}
		dp.ServiceType = InferService(dp.Port, dp.Process)
		out = append(out, dp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

type owner struct {
	pid  int
	comm string
}

// socketOwners maps socket inodes to the process holding them.
func (s *Scanner) socketOwners() map[uint64]owner {
	owners := make(map[uint64]owner)
	procs, err := s.fs.AllProcs()
	if err != nil {
		return owners
	}
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		var comm string
		for _, t := range targets {
			inode, ok := socketInode(t)
			if !ok {
				continue
			}
			if comm == "" {
				comm, _ = p.Comm()
			}
			if _, taken := owners[inode]; !taken {
				owners[inode] = owner{pid: p.PID, comm: comm}
			}
		}
	}
	return owners
}

// socketInode parses an fd link target of the form "socket:[12345]".
func socketInode(target string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}

var servicesByProcess = map[string]string{
	"node":         "node",
	"bun":          "node",
	"deno":         "deno",
	"python":       "python",
	"python3":      "python",
	"uvicorn":      "python",
	"gunicorn":     "python",
	"ruby":         "ruby",
	"puma":         "ruby",
	"java":         "java",
	"php":          "php",
	"nginx":        "http",
	"caddy":        "http",
	"postgres":     "postgres",
	"mysqld":       "mysql",
	"redis-server": "redis",
	"mongod":       "mongodb",
	"sshd":         "ssh",
	"docker-proxy": "docker",
}

var servicesByPort = map[int]string{
	22:    "ssh",
	80:    "http",
	443:   "https",
	3000:  "web",
	3306:  "mysql",
	4200:  "angular",
	5000:  "web",
	5173:  "vite",
	5432:  "postgres",
	6379:  "redis",
	8000:  "web",
	8080:  "web",
	8888:  "jupyter",
	9229:  "node-inspector",
	27017: "mongodb",
}

// InferService guesses what a listening port serves from its process name,
// falling back to well-known port numbers.
func InferService(port int, process string) string {
	if s, ok := servicesByProcess[process]; ok {
		return s
	}
	if strings.HasPrefix(process, "python") {
		return "python"
	}
	if s, ok := servicesByPort[port]; ok {
		return s
	}
	return "unknown"
}

// Subscribe registers fn for scan results and starts polling if it was the
// first subscriber. fn receives a scan right away. The returned function
// unsubscribes; polling stops when the last subscriber leaves.
func (s *Scanner) Subscribe(fn Subscriber) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	if s.cron == nil {
		s.cron = cron.New()
		s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.poll))
		s.cron.Start()
		s.log.Debug().Dur("interval", s.interval).Msg("port polling started")
	}
	s.mu.Unlock()

	go func() {
		ports, err := s.Scan()
		if err != nil {
			s.log.Warn().Err(err).Msg("scan listening ports")
			return
		}
		fn(ports)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Scanner) unsubscribe(id int) {
	s.mu.Lock()
	delete(s.subs, id)
	var c *cron.Cron
	if len(s.subs) == 0 && s.cron != nil {
		c = s.cron
		s.cron = nil
	}
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		s.log.Debug().Msg("port polling stopped")
	}
}

// Polling reports whether the background poll is running.
func (s *Scanner) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Last returns the most recent polled result.
func (s *Scanner) Last() []DetectedPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DetectedPort(nil), s.last...)
}

func (s *Scanner) poll() {
	ports, err := s.Scan()
	if err != nil {
		s.log.Warn().Err(err).Msg("scan listening ports")
		return
	}
	s.mu.Lock()
	s.last = ports
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ports)
	}
}
