package database

import (
	"time"

	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

// Machine is a remote machine sessions can run on.
type Machine struct {
	ID             string    `gorm:"primaryKey" json:"id" yaml:"id"`
	Name           string    `gorm:"not null;default:''" json:"name" yaml:"name"`
	Host           string    `gorm:"not null" json:"host" yaml:"host"`
	Port           int       `gorm:"not null;default:22" json:"port" yaml:"port"`
	Username       string    `gorm:"not null" json:"username" yaml:"username"`
	PrivateKeyPath string    `json:"private_key_path,omitempty" yaml:"private_key_path"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at" yaml:"-"`
}

// Params returns the machine's SSH connection parameters.
func (m Machine) Params() sshconn.Params {
	return sshconn.Params{
		Host:           m.Host,
		Port:           m.Port,
		Username:       m.Username,
		PrivateKeyPath: m.PrivateKeyPath,
	}
}

// PortForward rows survive restarts for status display only; the live
// listener and connection never do.
type PortForward struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	InstanceID        string    `gorm:"not null;index" json:"instance_id"`
	RemotePort        int       `gorm:"not null" json:"remote_port"`
	LocalPort         int       `gorm:"not null" json:"local_port"`
	Status            string    `gorm:"not null;default:active;index" json:"status"`
	ReconnectAttempts int       `gorm:"not null;default:0" json:"reconnect_attempts"`
	LastError         string    `json:"last_error"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditEvent is one entry of the runtime's audit trail.
type AuditEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EventType  string    `gorm:"not null;index" json:"event_type"`
	InstanceID string    `gorm:"index" json:"instance_id,omitempty"`
	MachineID  string    `gorm:"index" json:"machine_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
