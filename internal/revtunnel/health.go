package revtunnel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

// probeCommand must print probeReply for a probe to pass.
const (
	probeCommand = "echo ping"
	probeReply   = "ping"
)

// StartHealthChecker probes every live tunnel each HealthInterval until ctx
// is cancelled or StopHealthChecker is called. Calling it again restarts
// the loop.
func (m *Manager) StartHealthChecker(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.healthCancel != nil {
		m.healthCancel()
	}
	m.healthCancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
	m.log.Info().Dur("interval", m.opts.HealthInterval).Msg("tunnel health checker started")
}

// StopHealthChecker stops the loop started by StartHealthChecker.
func (m *Manager) StopHealthChecker() {
	m.mu.Lock()
	cancel := m.healthCancel
	m.healthCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type probeTarget struct {
	machineID string
	gen       int
	client    sshconn.Client
}

// CheckAll probes every healthy or degraded tunnel concurrently and applies
// the results.
func (m *Manager) CheckAll(ctx context.Context) {
	m.mu.Lock()
	targets := make([]probeTarget, 0, len(m.tunnels))
	for id, t := range m.tunnels {
		if t.conn == nil || (t.state != StateHealthy && t.state != StateDegraded) {
			continue
		}
		targets = append(targets, probeTarget{machineID: id, gen: t.gen, client: t.conn.client})
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			err := m.probeContext(ctx, target.client)
			m.applyProbe(target, err)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) probe(client sshconn.Client) error {
	return m.probeContext(context.Background(), client)
}

// probeContext runs the echo command with HealthTimeout.
func (m *Manager) probeContext(ctx context.Context, client sshconn.Client) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()
	out, err := client.Run(ctx, probeCommand)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) != probeReply {
		return fmt.Errorf("unexpected probe reply %q", strings.TrimSpace(string(out)))
	}
	return nil
}

// applyProbe records one probe result. The first failure degrades a
// healthy tunnel; reaching the failure budget disconnects it.
func (m *Manager) applyProbe(target probeTarget, err error) {
	m.mu.Lock()
	t, ok := m.tunnels[target.machineID]
	if !ok || t.closed || t.gen != target.gen {
		m.mu.Unlock()
		return
	}
	t.lastHealthCheck = time.Now()

	if err == nil {
		t.failures = 0
		t.lastSeenAt = t.lastHealthCheck
		t.lastErr = ""
		m.setStateLocked(t, StateHealthy, "")
		m.unlockAndEmit()
		return
	}

	t.failures++
	msg := fmt.Sprintf("health probe failed (%d/%d): %v", t.failures, m.opts.FailureBudget, err)
	t.lastErr = msg
	if t.failures < m.opts.FailureBudget {
		m.setStateLocked(t, StateDegraded, msg)
		m.unlockAndEmit()
		return
	}
	if t.state == StateHealthy {
		m.setStateLocked(t, StateDegraded, msg)
	}
	stale := m.disconnectLocked(t, msg)
	m.unlockAndEmit()
	stale.close()
}
