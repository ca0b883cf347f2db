// Package sshtest provides an in-process SSH server for tests. It supports
// exec and shell sessions, remote port forwarding (tcpip-forward) and
// direct-tcpip channels, which covers everything the runtime asks of a
// remote machine.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecFunc answers an exec request with stdout and an exit status.
type ExecFunc func(cmd string) (stdout string, status int)

// Interactive, returned as the status from an ExecFunc, turns the exec
// session into an echo shell.
const Interactive = -1

// DefaultExec answers "echo <x>" with x, treats commands that exec a login
// shell as interactive and answers everything else with "ok".
func DefaultExec(cmd string) (string, int) {
	if strings.Contains(cmd, "exec ") {
		return "", Interactive
	}
	if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
		return rest + "\n", 0
	}
	return "ok\n", 0
}

// Server is a running test SSH server.
type Server struct {
	Addr string
	Host string
	Port int

	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}

	mu        sync.Mutex
	exec      ExecFunc
	hang      bool
	netConns  []net.Conn
	conns     int
	resizes   [][2]int
	execs     []string
	forwards  map[string]net.Listener
	keepalive int
}

// KeyPair generates an ED25519 key, writes the private half to a temp file
// and returns its path and signer.
func KeyPair(t testing.TB) (string, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return path, signer
}

// Start runs a server that accepts public key auth for authorized only. It
// is shut down by t.Cleanup.
func Start(t testing.TB, authorized ssh.PublicKey) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcpAddr := listener.Addr().(*net.TCPAddr)
	s := &Server{
		Addr:     listener.Addr().String(),
		Host:     tcpAddr.IP.String(),
		Port:     tcpAddr.Port,
		config:   config,
		listener: listener,
		done:     make(chan struct{}),
		exec:     DefaultExec,
		forwards: make(map[string]net.Listener),
	}

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.netConns = append(s.netConns, netConn)
		s.conns++
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropAll()
	<-s.done
}

// DropAll forcefully closes every accepted TCP connection and every remote
// forward listener, simulating a network failure.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
	for k, l := range s.forwards {
		l.Close()
		delete(s.forwards, k)
	}
}

// SetExec replaces the exec handler.
func (s *Server) SetExec(fn ExecFunc) {
	s.mu.Lock()
	s.exec = fn
	s.mu.Unlock()
}

// SetHang makes exec requests never complete while on.
func (s *Server) SetHang(on bool) {
	s.mu.Lock()
	s.hang = on
	s.mu.Unlock()
}

// Connections returns how many TCP connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Resizes returns every pty size requested, in order, as [cols, rows].
func (s *Server) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

// Execs returns every exec command received.
func (s *Server) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// Keepalives returns how many global keepalive requests arrived.
func (s *Server) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalive
}

// ForwardCount returns the number of active remote forward listeners.
func (s *Server) ForwardCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwards)
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	var owned []string
	defer func() {
		s.mu.Lock()
		for _, k := range owned {
			if l, ok := s.forwards[k]; ok {
				l.Close()
				delete(s.forwards, k)
			}
		}
		s.mu.Unlock()
	}()

	go func() {
		for req := range reqs {
			switch req.Type {
			case "tcpip-forward":
				key, port, err := s.startForward(sshConn, req.Payload)
				if err != nil {
					req.Reply(false, nil)
					continue
				}
				s.mu.Lock()
				owned = append(owned, key)
				s.mu.Unlock()
				req.Reply(true, ssh.Marshal(struct{ Port uint32 }{uint32(port)}))
			case "cancel-tcpip-forward":
				var p forwardRequest
				if err := ssh.Unmarshal(req.Payload, &p); err == nil {
					s.mu.Lock()
					key := net.JoinHostPort(p.Addr, strconv.Itoa(int(p.Port)))
					if l, ok := s.forwards[key]; ok {
						l.Close()
						delete(s.forwards, key)
					}
					s.mu.Unlock()
				}
				req.Reply(true, nil)
			case "keepalive@openssh.com":
				s.mu.Lock()
				s.keepalive++
				s.mu.Unlock()
				req.Reply(true, nil)
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			var p directRequest
			if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			target, err := net.DialTimeout("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))), 5*time.Second)
			if err != nil {
				newChan.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, requests, err := newChan.Accept()
			if err != nil {
				target.Close()
				continue
			}
			go ssh.DiscardRequests(requests)
			go splice(ch, target)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

type forwardRequest struct {
	Addr string
	Port uint32
}

type directRequest struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

type forwardedPayload struct {
	Addr     string
	Port     uint32
	OrigAddr string
	OrigPort uint32
}

func (s *Server) startForward(conn *ssh.ServerConn, payload []byte) (string, int, error) {
	var p forwardRequest
	if err := ssh.Unmarshal(payload, &p); err != nil {
		return "", 0, err
	}
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(p.Port))))
	if err != nil {
		return "", 0, err
	}
	// A request for port 0 is answered, and later matched by the client,
	// with the port actually allocated.
	port := l.Addr().(*net.TCPAddr).Port
	p.Port = uint32(port)
	key := net.JoinHostPort(p.Addr, strconv.Itoa(port))
	s.mu.Lock()
	s.forwards[key] = l
	s.mu.Unlock()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			orig := c.RemoteAddr().(*net.TCPAddr)
			go func() {
				ch, reqs, err := conn.OpenChannel("forwarded-tcpip", ssh.Marshal(forwardedPayload{
					Addr:     p.Addr,
					Port:     p.Port,
					OrigAddr: orig.IP.String(),
					OrigPort: uint32(orig.Port),
				}))
				if err != nil {
					c.Close()
					return
				}
				go ssh.DiscardRequests(reqs)
				splice(ch, c)
			}()
		}
	}()
	return key, port, nil
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term   string
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
				Modes  string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]int{int(p.Cols), int(p.Rows)})
				s.mu.Unlock()
			}
			req.Reply(true, nil)
		case "window-change":
			var p struct {
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]int{int(p.Cols), int(p.Rows)})
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "exec":
			var p struct{ Command string }
			ssh.Unmarshal(req.Payload, &p)
			s.mu.Lock()
			s.execs = append(s.execs, p.Command)
			exec, hang := s.exec, s.hang
			s.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}
			if hang {
				// Hold the channel open until the client closes it or the
				// connection drops. Stdin EOF alone does not end the command.
				go io.Copy(io.Discard, ch)
				continue
			}
			out, status := exec(p.Command)
			if status == Interactive {
				go s.echoShell(ch)
				continue
			}
			ch.Write([]byte(out))
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go s.echoShell(ch)
		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

// echoShell echoes input back. A line reading "exit" ends the session with
// status 0; "exit N" with status N.
func (s *Server) echoShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	var line strings.Builder
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write(buf[:n])
			for _, b := range buf[:n] {
				if b != '\r' && b != '\n' {
					line.WriteByte(b)
					continue
				}
				cmd := strings.TrimSpace(line.String())
				line.Reset()
				if cmd == "exit" || strings.HasPrefix(cmd, "exit ") {
					code, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(cmd, "exit")))
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
					ch.Close()
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func splice(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
}
