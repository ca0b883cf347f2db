package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// LocalBackend runs a process on a local pseudo-terminal.
type LocalBackend struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
	emit *emitter

	killOnce sync.Once
	done     chan struct{}
}

// NewLocalBackend starts cfg.Command (or the user's login shell) on a new
// PTY. Output and exit are delivered through cb.
func NewLocalBackend(id string, cfg SpawnConfig, cb Callbacks) (*LocalBackend, error) {
	name, args := cfg.Command, cfg.Args
	if name == "" {
		name = os.Getenv("SHELL")
		if name == "" {
			name = "/bin/sh"
		}
		args = []string{"-l"}
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	cols, rows := cfg.size()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", name, err)
	}

	b := &LocalBackend{
		id:   id,
		cmd:  cmd,
		ptmx: ptmx,
		emit: newEmitter(cb, cfg.HistoryBytes),
		done: make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *LocalBackend) Kind() Kind { return KindLocal }

func (b *LocalBackend) Pid() int {
	if b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

func (b *LocalBackend) readLoop() {
	defer close(b.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			b.emit.mu.Lock()
			b.emit.dataLocked(b.emit.decode(buf[:n]))
			b.emit.mu.Unlock()
		}
		if err != nil {
			// Linux reports EIO once the child side closes.
			break
		}
	}

	code := 0
	if err := b.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	b.emit.mu.Lock()
	b.emit.dataLocked(b.emit.drainLocked())
	b.emit.exitLocked(code)
	b.emit.mu.Unlock()
	b.ptmx.Close()
}

func (b *LocalBackend) Write(data []byte) error {
	if len(data) > MaxInputMessageSize {
		return ErrInputTooLarge
	}
	if _, err := b.ptmx.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

func (b *LocalBackend) Resize(cols, rows int) error {
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	if err := pty.Setsize(b.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Kill sends SIGHUP, escalating to SIGKILL if the process lingers, and
// closes the PTY.
func (b *LocalBackend) Kill() bool {
	did := false
	b.killOnce.Do(func() {
		b.emit.mu.Lock()
		if !b.emit.stopped {
			b.emit.dataLocked(b.emit.drainLocked())
			b.emit.stopped = true
			did = true
		}
		b.emit.mu.Unlock()

		if b.cmd.Process != nil {
			b.cmd.Process.Signal(syscall.SIGHUP)
			go func() {
				select {
				case <-b.done:
				case <-time.After(2 * time.Second):
					b.cmd.Process.Kill()
				}
			}()
		}
		b.ptmx.Close()
	})
	return did
}

func (b *LocalBackend) History() []byte {
	return b.emit.history.Snapshot()
}

// Cwd reads /proc/<pid>/cwd, falling back to lsof where procfs is absent.
func (b *LocalBackend) Cwd(ctx context.Context) (string, error) {
	pid := b.Pid()
	if pid == 0 {
		return "", nil
	}
	if dir, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/cwd"); err == nil {
		return dir, nil
	}
	out, err := exec.CommandContext(ctx, "lsof", "-a", "-d", "cwd", "-p", strconv.Itoa(pid), "-Fn").Output()
	if err != nil {
		return "", nil
	}
	return parseLsofCwd(string(out)), nil
}

// parseLsofCwd extracts the name field from lsof -Fn output.
func parseLsofCwd(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if name, ok := strings.CutPrefix(line, "n"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}
