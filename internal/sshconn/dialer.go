// Package sshconn is the SSH connection factory shared by terminal backends,
// reverse tunnels and port forwards: given host, port, user and key it
// returns an authenticated client.
//
// Clients are exposed through the small [Client] interface so the tunnel and
// forward state machines can be exercised against fakes.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultConnectTimeout bounds TCP dial plus SSH handshake.
const DefaultConnectTimeout = 20 * time.Second

// Params are the connection parameters for one remote machine.
type Params struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	// PrivateKeyPath is optional; when empty the default key files are probed.
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
}

// Addr returns host:port, defaulting the port to 22.
func (p Params) Addr() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// Validate checks the parameters without touching the network.
func (p Params) Validate() error {
	if p.Host == "" {
		return errors.New("host is empty")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	if p.Username == "" {
		return errors.New("username is empty")
	}
	return nil
}

// Dialer opens authenticated SSH clients.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, p Params) (Client, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, p Params) (Client, error) {
	return f(ctx, p)
}

// KeyDialer authenticates with a private key file.
type KeyDialer struct {
	Timeout time.Duration
	// Passphrase resolves passphrases for encrypted keys. May be nil.
	Passphrase PassphraseFunc
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string
	// KeepaliveInterval starts a keepalive loop on each client when positive.
	KeepaliveInterval time.Duration
}

// NewDialer returns a KeyDialer with the given connect timeout.
func NewDialer(timeout time.Duration, pass PassphraseFunc) *KeyDialer {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &KeyDialer{Timeout: timeout, Passphrase: pass}
}

// Dial resolves the key, dials TCP and performs the SSH handshake. Every
// failure is returned as a *ConnectionError.
func (d *KeyDialer) Dial(ctx context.Context, p Params) (Client, error) {
	addr := p.Addr()
	if err := p.Validate(); err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	keyPath, err := ResolveKeyPath(p.PrivateKeyPath)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	signer, err := LoadSigner(keyPath, d.Passphrase)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(d.KnownHostsPath)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("load known hosts: %w", err)}
		}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("dial: %w", err)}
	}

	// The handshake has no context of its own; a deadline on the socket
	// keeps it inside the timeout.
	if deadline, ok := dialCtx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("handshake: %w", err)}
	}
	netConn.SetDeadline(time.Time{})

	c := wrap(ssh.NewClient(sshConn, chans, reqs))
	if d.KeepaliveInterval > 0 {
		go keepalive(c, d.KeepaliveInterval)
	}
	return c, nil
}

// keepalive sends periodic keepalive requests until the client dies. A
// failed request closes the client so Wait returns and owners notice.
func keepalive(c *client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.SendKeepalive(); err != nil {
				c.Close()
				return
			}
		}
	}
}
