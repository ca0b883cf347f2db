// Package database holds the runtime's small persistent state in SQLite:
// machine SSH configs, port-forward rows, settings and the audit trail.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Forward statuses that describe a live forward.
var liveStatuses = []string{"active", "reconnecting"}

// Store is an open database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Machine{}, &PortForward{}, &Setting{}, &AuditEvent{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// Machines

func (s *Store) GetMachine(ctx context.Context, id string) (Machine, error) {
	var m Machine
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return Machine{}, notFound(err, "machine "+id)
	}
	return m, nil
}

func (s *Store) ListMachines(ctx context.Context) ([]Machine, error) {
	var ms []Machine
	if err := s.db.WithContext(ctx).Order("id").Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// UpsertMachine inserts m or replaces the row with the same id.
func (s *Store) UpsertMachine(ctx context.Context, m Machine) error {
	if m.ID == "" {
		return errors.New("machine id is empty")
	}
	if m.Port == 0 {
		m.Port = 22
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "host", "port", "username", "private_key_path", "updated_at"}),
	}).Create(&m).Error
}

func (s *Store) DeleteMachine(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Machine{}).Error
}

// Port forwards

func (s *Store) SaveForward(ctx context.Context, f PortForward) error {
	return s.db.WithContext(ctx).Create(&f).Error
}

// UpdateForward writes the mutable columns of f, zero values included.
func (s *Store) UpdateForward(ctx context.Context, f PortForward) error {
	res := s.db.WithContext(ctx).Model(&PortForward{}).Where("id = ?", f.ID).Updates(map[string]interface{}{
		"local_port":         f.LocalPort,
		"status":             f.Status,
		"reconnect_attempts": f.ReconnectAttempts,
		"last_error":         f.LastError,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: port forward %s", ErrNotFound, f.ID)
	}
	return nil
}

// DeleteForwards removes every row of instanceID.
func (s *Store) DeleteForwards(ctx context.Context, instanceID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&PortForward{})
	return res.RowsAffected, res.Error
}

// ListForwards returns the rows of instanceID, or all rows when it is empty.
func (s *Store) ListForwards(ctx context.Context, instanceID string) ([]PortForward, error) {
	q := s.db.WithContext(ctx).Order("instance_id, remote_port")
	if instanceID != "" {
		q = q.Where("instance_id = ?", instanceID)
	}
	var out []PortForward
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkStaleForwards closes rows left live by a previous run.
func (s *Store) MarkStaleForwards(ctx context.Context, reason string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&PortForward{}).Where("status IN ?", liveStatuses).Updates(map[string]interface{}{
		"status":     "closed",
		"last_error": reason,
	})
	return res.RowsAffected, res.Error
}

// Settings

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var st Setting
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&st).Error; err != nil {
		return "", notFound(err, "setting "+key)
	}
	return st.Value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&Setting{}).Error
}
