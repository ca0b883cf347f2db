package sshconn

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Client is the subset of an SSH client the runtime depends on.
type Client interface {
	// Dial opens a forward-out (direct-tcpip) channel.
	Dial(network, addr string) (net.Conn, error)
	// Listen asks the server to listen on addr and forward connections back.
	Listen(network, addr string) (net.Listener, error)
	// Run executes a non-interactive command and returns its stdout.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// SendKeepalive sends a keepalive@openssh.com request.
	SendKeepalive() error
	// Close closes the connection. Repeated calls are safe.
	Close() error
	// Wait blocks until the connection is gone.
	Wait() error
	// SSH returns the underlying client for interactive sessions, or nil.
	SSH() *ssh.Client
}

type client struct {
	c *ssh.Client

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Wrap adapts an *ssh.Client to Client.
func Wrap(c *ssh.Client) Client {
	return wrap(c)
}

func wrap(c *ssh.Client) *client {
	cl := &client{c: c, done: make(chan struct{})}
	go func() {
		c.Wait()
		close(cl.done)
	}()
	return cl
}

func (c *client) Dial(network, addr string) (net.Conn, error) {
	return c.c.Dial(network, addr)
}

func (c *client) Listen(network, addr string) (net.Listener, error) {
	return c.c.Listen(network, addr)
}

// Run executes cmd in a fresh session. A context deadline that fires first
// closes the session and returns a *TransientError.
func (c *client) Run(ctx context.Context, cmd string) ([]byte, error) {
	session, err := c.c.NewSession()
	if err != nil {
		return nil, &TransientError{Op: "new session", Err: err}
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err := <-done:
		if err != nil {
			return stdout.Bytes(), fmt.Errorf("run %q: %w", cmd, err)
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		session.Close()
		return nil, &TransientError{Op: fmt.Sprintf("run %q", cmd), Err: ctx.Err()}
	}
}

func (c *client) SendKeepalive() error {
	_, _, err := c.c.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.c.Close()
	})
	return c.closeErr
}

func (c *client) Wait() error {
	return c.c.Wait()
}

func (c *client) SSH() *ssh.Client {
	return c.c
}
