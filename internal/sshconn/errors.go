package sshconn

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted reports a definitive failure after a bounded search or
// retry budget ran out: no free local port, or no reconnect attempts left.
// Callers should surface it rather than retry.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrNoKey is returned when no private key path was given and none of the
// default key files exist.
var ErrNoKey = errors.New("no usable ssh private key found")

// ConnectionError is a dial, handshake or authentication failure. It is
// terminal at the session-spawn layer: nothing retries it automatically.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransientError is a mid-session drop or a probe timeout. Tunnel and
// forward managers feed it into their reconnect state machines.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
