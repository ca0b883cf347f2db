package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/termrt/internal/framer"
	"github.com/gluk-w/claworc/termrt/internal/metrics"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

// IdleRelease is how long the SSH backend waits for more output before
// releasing a held-back prefix as plain text. Tests shorten it.
var IdleRelease = 150 * time.Millisecond

// cwdTimeout bounds the out-of-band working directory query.
var cwdTimeout = 5 * time.Second

// SSHBackend runs a shell on a PTY-enabled SSH session channel.
type SSHBackend struct {
	id      string
	client  sshconn.Client
	owned   bool
	session *ssh.Session
	stdin   io.WriteCloser
	emit    *emitter

	// Guarded by emit.mu.
	framer *framer.Framer
	idle   *time.Timer

	pidMu sync.Mutex
	pid   int

	killOnce sync.Once
}

// NewSSHBackend opens an interactive shell on cfg.Client, or on a new
// connection dialed from cfg.SSH. Connection failures are returned as-is
// and never retried here.
func NewSSHBackend(ctx context.Context, id string, cfg SpawnConfig, cb Callbacks) (*SSHBackend, error) {
	client, owned := cfg.Client, false
	if client == nil {
		if cfg.SSH == nil || cfg.Dialer == nil {
			return nil, errors.New("ssh backend needs a client or connection params and a dialer")
		}
		c, err := cfg.Dialer.Dial(ctx, *cfg.SSH)
		if err != nil {
			return nil, err
		}
		client, owned = c, true
	}

	fail := func(err error) (*SSHBackend, error) {
		if owned {
			client.Close()
		}
		return nil, err
	}

	raw := client.SSH()
	if raw == nil {
		return fail(errors.New("ssh client cannot open interactive sessions"))
	}
	session, err := raw.NewSession()
	if err != nil {
		return fail(fmt.Errorf("create ssh session: %w", err))
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	cols, rows := cfg.size()
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return fail(fmt.Errorf("request pty: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return fail(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}

	if err := session.Start(remoteCommand(id, cfg)); err != nil {
		session.Close()
		return fail(fmt.Errorf("start remote shell: %w", err))
	}

	b := &SSHBackend{
		id:      id,
		client:  client,
		owned:   owned,
		session: session,
		stdin:   stdin,
		emit:    newEmitter(cb, cfg.HistoryBytes),
		framer:  framer.New(),
	}
	go b.readLoop(stdout)
	return b, nil
}

func (b *SSHBackend) Kind() Kind { return KindSSH }

// Pid is the remote shell pid, known once Cwd has run.
func (b *SSHBackend) Pid() int {
	b.pidMu.Lock()
	defer b.pidMu.Unlock()
	return b.pid
}

func (b *SSHBackend) readLoop(stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			b.push(buf[:n])
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := b.session.Wait(); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		} else {
			code = ExitConnectionLost
		}
	}

	b.emit.mu.Lock()
	b.stopIdleLocked()
	b.emit.dataLocked(b.emit.drainLocked())
	b.emit.dataLocked(b.framer.Flush())
	b.emit.exitLocked(code)
	b.emit.mu.Unlock()

	b.session.Close()
	if b.owned {
		b.client.Close()
	}
}

// push runs a chunk through the framer. A held-back prefix outside a frame
// arms the idle release timer.
func (b *SSHBackend) push(p []byte) {
	b.emit.mu.Lock()
	defer b.emit.mu.Unlock()
	if b.emit.stopped {
		return
	}

	frames, stripped := b.framer.Frames(), b.framer.Stripped()
	for _, out := range b.framer.Push(b.emit.decode(p)) {
		b.emit.dataLocked(out)
	}
	metrics.FramesEmitted.Add(float64(b.framer.Frames() - frames))
	metrics.ReportsStripped.Add(float64(b.framer.Stripped() - stripped))

	b.stopIdleLocked()
	if b.framer.Pending() && !b.framer.InFrame() {
		b.idle = time.AfterFunc(IdleRelease, b.releaseIdle)
	}
}

func (b *SSHBackend) releaseIdle() {
	b.emit.mu.Lock()
	defer b.emit.mu.Unlock()
	if b.emit.stopped {
		return
	}
	b.emit.dataLocked(b.framer.ReleasePending())
}

func (b *SSHBackend) stopIdleLocked() {
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
}

func (b *SSHBackend) Write(data []byte) error {
	if len(data) > MaxInputMessageSize {
		return ErrInputTooLarge
	}
	if _, err := b.stdin.Write(data); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return fmt.Errorf("write ssh stdin: %w", err)
	}
	return nil
}

func (b *SSHBackend) Resize(cols, rows int) error {
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	if err := b.session.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	return nil
}

// Kill flushes the framer, closes the channel and, when the backend dialed
// its own connection, the connection too.
func (b *SSHBackend) Kill() bool {
	did := false
	b.killOnce.Do(func() {
		b.emit.mu.Lock()
		b.stopIdleLocked()
		if !b.emit.stopped {
			b.emit.dataLocked(b.emit.drainLocked())
			b.emit.dataLocked(b.framer.Flush())
			b.emit.stopped = true
			did = true
		}
		b.emit.mu.Unlock()

		b.session.Signal(ssh.SIGHUP)
		b.session.Close()
		if b.owned {
			b.client.Close()
		}
	})
	return did
}

func (b *SSHBackend) History() []byte {
	return b.emit.history.Snapshot()
}

// Cwd asks the remote machine for the shell's working directory over a side
// session, using the pid file the shell wrote at startup.
func (b *SSHBackend) Cwd(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cwdTimeout)
	defer cancel()

	out, err := b.client.Run(ctx, cwdCommand(b.id))
	if err != nil {
		return "", fmt.Errorf("query remote cwd: %w", err)
	}
	pid, cwd := parseCwdOutput(string(out))
	if pid > 0 {
		b.pidMu.Lock()
		b.pid = pid
		b.pidMu.Unlock()
	}
	return cwd, nil
}

func pidFile(id string) string {
	return "/tmp/.termrt-" + id + ".pid"
}

// remoteCommand records the shell pid, applies env and cwd, then execs the
// command or a login shell so the recorded pid stays valid.
func remoteCommand(id string, cfg SpawnConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "echo $$ > %s; ", shellQuote(pidFile(id)))

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "export %s=%s; ", k, shellQuote(cfg.Env[k]))
	}
	sb.WriteString("export TERM=xterm-256color; ")

	if cfg.Cwd != "" {
		fmt.Fprintf(&sb, "cd %s 2>/dev/null; ", shellQuote(cfg.Cwd))
	}
	if cfg.Command == "" {
		sb.WriteString(`exec "${SHELL:-/bin/sh}" -l`)
		return sb.String()
	}
	sb.WriteString("exec ")
	sb.WriteString(shellQuote(cfg.Command))
	for _, a := range cfg.Args {
		sb.WriteByte(' ')
		sb.WriteString(shellQuote(a))
	}
	return sb.String()
}

// cwdCommand prints the shell pid on the first line and its cwd on the
// second.
func cwdCommand(id string) string {
	return fmt.Sprintf(`p=$(cat %s 2>/dev/null) && echo "$p" && `+
		`{ readlink "/proc/$p/cwd" 2>/dev/null || lsof -a -d cwd -p "$p" -Fn 2>/dev/null | sed -n 's/^n//p'; }`,
		shellQuote(pidFile(id)))
}

func parseCwdOutput(out string) (int, string) {
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, ""
	}
	if len(lines) < 2 {
		return pid, ""
	}
	return pid, strings.TrimSpace(lines[1])
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
