package orchestrator

import (
	"context"

	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/portfwd"
)

// forwardStore persists port forwards as database rows.
type forwardStore struct {
	db *database.Store
}

func toRow(f portfwd.Forward) database.PortForward {
	return database.PortForward{
		ID:                f.ID,
		InstanceID:        f.InstanceID,
		RemotePort:        f.RemotePort,
		LocalPort:         f.LocalPort,
		Status:            string(f.Status),
		ReconnectAttempts: f.ReconnectAttempts,
		LastError:         f.LastError,
		CreatedAt:         f.CreatedAt,
	}
}

func (s forwardStore) SaveForward(ctx context.Context, f portfwd.Forward) error {
	return s.db.SaveForward(ctx, toRow(f))
}

func (s forwardStore) UpdateForward(ctx context.Context, f portfwd.Forward) error {
	return s.db.UpdateForward(ctx, toRow(f))
}
