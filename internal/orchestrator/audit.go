package orchestrator

import (
	"context"
	"fmt"

	"github.com/gluk-w/claworc/termrt/internal/audit"
	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/portfwd"
	"github.com/gluk-w/claworc/termrt/internal/revtunnel"
	"github.com/gluk-w/claworc/termrt/internal/terminal"
)

func (r *Runtime) auditSession(eventType, sessionID, details string) {
	machineID, _ := r.tunnels.MachineFor(sessionID)
	r.audit.Record(audit.Entry{
		EventType:  eventType,
		InstanceID: sessionID,
		MachineID:  machineID,
		Details:    details,
	})
}

// auditSessionEvent must run before the closed event releases the tunnel
// reference, or the machine is no longer known.
func (r *Runtime) auditSessionEvent(ev terminal.Event) {
	switch ev.Type {
	case terminal.EventExit:
		r.auditSession(audit.EventSessionExit, ev.SessionID, fmt.Sprintf("code=%d", ev.Code))
	case terminal.EventClosed:
		r.auditSession(audit.EventSessionClosed, ev.SessionID, "")
	}
}

func (r *Runtime) auditTunnel(c revtunnel.StateChange) {
	details := fmt.Sprintf("%s -> %s", c.PreviousState, c.NewState)
	if c.Error != "" {
		details += ": " + c.Error
	}
	r.audit.Record(audit.Entry{
		EventType: audit.EventTunnelState,
		MachineID: c.MachineID,
		Details:   details,
	})
}

func (r *Runtime) auditForward(f portfwd.Forward) {
	details := fmt.Sprintf("forward=%s remote=%d local=%d status=%s", f.ID, f.RemotePort, f.LocalPort, f.Status)
	if f.LastError != "" {
		details += " error=" + f.LastError
	}
	machineID, _ := r.tunnels.MachineFor(f.InstanceID)
	r.audit.Record(audit.Entry{
		EventType:  audit.EventForwardState,
		InstanceID: f.InstanceID,
		MachineID:  machineID,
		Details:    details,
	})
}

// AuditEvents returns a page of the audit trail. Without an auditor the
// page is empty.
func (r *Runtime) AuditEvents(ctx context.Context, q database.AuditQuery) (*audit.QueryResult, error) {
	if r.audit == nil {
		return &audit.QueryResult{Entries: []database.AuditEvent{}}, nil
	}
	return r.audit.Query(ctx, q)
}
