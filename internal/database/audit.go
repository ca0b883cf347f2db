package database

import (
	"context"
	"time"
)

// AuditQuery filters audit events. Zero fields match everything.
type AuditQuery struct {
	EventType  string
	InstanceID string
	MachineID  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func (s *Store) AddAuditEvent(ctx context.Context, e *AuditEvent) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// QueryAuditEvents returns matching events, newest first, and the total
// number of matches.
func (s *Store) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]AuditEvent, int64, error) {
	tx := s.db.WithContext(ctx).Model(&AuditEvent{})
	if q.EventType != "" {
		tx = tx.Where("event_type = ?", q.EventType)
	}
	if q.InstanceID != "" {
		tx = tx.Where("instance_id = ?", q.InstanceID)
	}
	if q.MachineID != "" {
		tx = tx.Where("machine_id = ?", q.MachineID)
	}
	if q.Since != nil {
		tx = tx.Where("created_at >= ?", *q.Since)
	}
	if q.Until != nil {
		tx = tx.Where("created_at <= ?", *q.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []AuditEvent
	if err := tx.Order("created_at DESC, id DESC").Offset(q.Offset).Limit(q.Limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// PurgeAuditEvents deletes events created before cutoff.
func (s *Store) PurgeAuditEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&AuditEvent{})
	return res.RowsAffected, res.Error
}
