package terminal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termrt/internal/framer"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
	"github.com/gluk-w/claworc/termrt/internal/sshtest"
)

func setIdleRelease(t *testing.T, d time.Duration) {
	t.Helper()
	orig := IdleRelease
	IdleRelease = d
	t.Cleanup(func() { IdleRelease = orig })
}

func sshSpawnConfig(t *testing.T) (SpawnConfig, *sshtest.Server) {
	t.Helper()
	keyPath, signer := sshtest.KeyPair(t)
	srv := sshtest.Start(t, signer.PublicKey())
	return SpawnConfig{
		Kind:   KindSSH,
		SSH:    &sshconn.Params{Host: srv.Host, Port: srv.Port, Username: "dev", PrivateKeyPath: keyPath},
		Dialer: sshconn.NewDialer(5*time.Second, nil),
	}, srv
}

func startSSH(t *testing.T, id string, cfg SpawnConfig) (*SSHBackend, *collector) {
	t.Helper()
	c := newCollector()
	b, err := NewSSHBackend(context.Background(), id, cfg, c.callbacks())
	if err != nil {
		t.Fatalf("NewSSHBackend() error: %v", err)
	}
	t.Cleanup(func() { b.Kill() })
	return b, c
}

func TestSSHBackend_FrameAcrossWritesIsOneEmission(t *testing.T) {
	setIdleRelease(t, 2*time.Second)
	cfg, _ := sshSpawnConfig(t)
	b, c := startSSH(t, "frame", cfg)

	for _, chunk := range []string{"\x1b[?2026h", "partial", "content\x1b[?2026l"} {
		if err := b.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.waitFor(t, framer.SyncEnd)

	want := "\x1b[?2026hpartialcontent\x1b[?2026l"
	found := false
	for _, e := range c.emissions() {
		if strings.Contains(e, framer.SyncStart) && e != want {
			t.Fatalf("partial frame emitted: %q", e)
		}
		if e == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("emissions %q lack the atomic frame", c.emissions())
	}
}

func TestSSHBackend_CursorReportsStripped(t *testing.T) {
	setIdleRelease(t, 2*time.Second)
	cfg, _ := sshSpawnConfig(t)
	b, c := startSSH(t, "cpr", cfg)

	b.Write([]byte("hello["))
	b.Write([]byte("18;1Rworld"))
	c.waitFor(t, "world")
	if got := c.joined(); got != "helloworld" {
		t.Fatalf("output = %q, want %q", got, "helloworld")
	}
	if string(b.History()) != "helloworld" {
		t.Fatalf("history = %q", b.History())
	}
}

func TestSSHBackend_IdleReleasesHeldPrefix(t *testing.T) {
	setIdleRelease(t, 30*time.Millisecond)
	cfg, _ := sshSpawnConfig(t)
	b, c := startSSH(t, "idle", cfg)

	b.Write([]byte("array["))
	c.waitFor(t, "array[")
}

func TestSSHBackend_ExitStatus(t *testing.T) {
	cfg, srv := sshSpawnConfig(t)
	b, c := startSSH(t, "exit", cfg)

	b.Write([]byte("exit 7\r"))
	if code := c.waitExit(t); code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}

	execs := srv.Execs()
	if len(execs) == 0 || !strings.Contains(execs[0], "/tmp/.termrt-exit.pid") {
		t.Fatalf("remote command did not record the pid: %q", execs)
	}
}

func TestSSHBackend_ConnectionLost(t *testing.T) {
	cfg, srv := sshSpawnConfig(t)
	_, c := startSSH(t, "drop", cfg)

	srv.DropAll()
	if code := c.waitExit(t); code != ExitConnectionLost {
		t.Fatalf("exit code = %d, want ExitConnectionLost", code)
	}
}

func TestSSHBackend_KillFlushesOpenFrame(t *testing.T) {
	setIdleRelease(t, 2*time.Second)
	cfg, _ := sshSpawnConfig(t)
	b, c := startSSH(t, "kill", cfg)

	b.Write([]byte("abc" + framer.SyncStart + "xyz"))
	c.waitFor(t, "abc")
	time.Sleep(50 * time.Millisecond)

	if !b.Kill() {
		t.Fatal("Kill() = false on first call")
	}
	if b.Kill() {
		t.Fatal("Kill() = true on second call")
	}
	got := c.emissions()
	if last := got[len(got)-1]; last != framer.SyncStart+"xyz" {
		t.Fatalf("last emission = %q, want the flushed partial frame", last)
	}

	n := len(c.emissions())
	time.Sleep(50 * time.Millisecond)
	if len(c.emissions()) != n {
		t.Fatal("output delivered after Kill()")
	}
	select {
	case <-c.exit:
		t.Fatal("exit delivered after Kill()")
	default:
	}
}

func TestSSHBackend_ResizeAndCwd(t *testing.T) {
	cfg, srv := sshSpawnConfig(t)
	srv.SetExec(func(cmd string) (string, int) {
		if strings.Contains(cmd, "readlink") {
			return "4242\n/home/dev/project\n", 0
		}
		return sshtest.DefaultExec(cmd)
	})
	cfg.Cols, cfg.Rows = 100, 30
	b, _ := startSSH(t, "cwd", cfg)

	if err := b.Resize(132, 50); err != nil {
		t.Fatalf("Resize() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rs := srv.Resizes()
		if len(rs) >= 2 && rs[len(rs)-1] == [2]int{132, 50} {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	rs := srv.Resizes()
	if len(rs) < 2 || rs[0] != [2]int{100, 30} || rs[len(rs)-1] != [2]int{132, 50} {
		t.Fatalf("server saw sizes %v", rs)
	}

	cwd, err := b.Cwd(context.Background())
	if err != nil {
		t.Fatalf("Cwd() error: %v", err)
	}
	if cwd != "/home/dev/project" || b.Pid() != 4242 {
		t.Fatalf("Cwd() = %q, Pid() = %d", cwd, b.Pid())
	}
}

func TestSSHBackend_SharedClientSurvivesKill(t *testing.T) {
	cfg, _ := sshSpawnConfig(t)
	client, err := cfg.Dialer.Dial(context.Background(), *cfg.SSH)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	cfg.Client = client

	b, _ := startSSH(t, "shared", cfg)
	b.Kill()

	if _, err := client.Run(context.Background(), "echo ping"); err != nil {
		t.Fatalf("shared client unusable after Kill(): %v", err)
	}
}

func TestSSHBackend_DialFailureIsReturned(t *testing.T) {
	cfg, srv := sshSpawnConfig(t)
	srv.Close()
	if _, err := NewSSHBackend(context.Background(), "x", cfg, Callbacks{}); err == nil {
		t.Fatal("expected spawn to fail against a closed server")
	}
}

func TestRemoteCommand(t *testing.T) {
	got := remoteCommand("abc", SpawnConfig{
		Command: "claude",
		Args:    []string{"--resume", "it's"},
		Cwd:     "/srv/app",
		Env:     map[string]string{"B": "2", "A": "1"},
	})
	want := "echo $$ > '/tmp/.termrt-abc.pid'; export A='1'; export B='2'; export TERM=xterm-256color; " +
		"cd '/srv/app' 2>/dev/null; exec 'claude' '--resume' 'it'\\''s'"
	if got != want {
		t.Fatalf("remoteCommand() =\n%s\nwant\n%s", got, want)
	}
	if shell := remoteCommand("x", SpawnConfig{}); !strings.HasSuffix(shell, `exec "${SHELL:-/bin/sh}" -l`) {
		t.Fatalf("login shell command = %q", shell)
	}
}

func TestParseCwdOutput(t *testing.T) {
	if pid, cwd := parseCwdOutput("12\n/tmp\n"); pid != 12 || cwd != "/tmp" {
		t.Fatalf("parseCwdOutput() = %d, %q", pid, cwd)
	}
	if pid, cwd := parseCwdOutput(""); pid != 0 || cwd != "" {
		t.Fatalf("parseCwdOutput(\"\") = %d, %q", pid, cwd)
	}
}
