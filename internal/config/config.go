package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/termrt"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8070"`
	MachinesFile string `envconfig:"MACHINES_FILE" default:""`

	// AllowedSources is a comma-separated IP/CIDR list of HTTP clients.
	// Empty allows all.
	AllowedSources string `envconfig:"ALLOWED_SOURCES" default:""`
	// AllowedOrigins is a comma-separated list of host patterns whose pages
	// may open the WebSocket, in addition to same-origin pages.
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Terminal sessions
	ScrollbackBytes int    `envconfig:"SCROLLBACK_BYTES" default:"1048576"`
	CwdPollInterval string `envconfig:"CWD_POLL_INTERVAL" default:"5s"`

	// SSH and reverse tunnels
	SSHConnectTimeout   string `envconfig:"SSH_CONNECT_TIMEOUT" default:"20s"`
	ControlPort         int    `envconfig:"CONTROL_PORT" default:"0"`
	ReverseRemotePort   int    `envconfig:"REVERSE_REMOTE_PORT" default:"0"`
	HealthInterval      string `envconfig:"HEALTH_INTERVAL" default:"30s"`
	HealthTimeout       string `envconfig:"HEALTH_TIMEOUT" default:"5s"`
	HealthFailureBudget int    `envconfig:"HEALTH_FAILURE_BUDGET" default:"3"`
	ReconnectBase       string `envconfig:"RECONNECT_BASE" default:"1s"`
	ReconnectMax        string `envconfig:"RECONNECT_MAX" default:"30s"`
	ReconnectAttempts   int    `envconfig:"RECONNECT_ATTEMPTS" default:"10"`

	// Port forwards and discovery
	ForwardReconnectAttempts int    `envconfig:"FORWARD_RECONNECT_ATTEMPTS" default:"10"`
	PortScanInterval         string `envconfig:"PORT_SCAN_INTERVAL" default:"10s"`

	// Audit trail
	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() error {
	if err := envconfig.Process("TERMRT", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return Cfg.Validate()
}

// Validate rejects settings that would expose the API through reverse
// tunnels. CONTROL_PORT is the local endpoint remote machines reach and
// must not be the API's own port.
func (s Settings) Validate() error {
	if s.ControlPort <= 0 {
		return nil
	}
	_, port, err := net.SplitHostPort(s.ListenAddr)
	if err != nil {
		return fmt.Errorf("LISTEN_ADDR %q: %w", s.ListenAddr, err)
	}
	if port == strconv.Itoa(s.ControlPort) {
		return fmt.Errorf("CONTROL_PORT %d is the API port; reverse tunnels would expose the API to remote machines", s.ControlPort)
	}
	return nil
}

// OriginPatterns splits AllowedOrigins into WebSocket origin patterns.
func (s Settings) OriginPatterns() []string {
	var out []string
	for _, p := range strings.Split(s.AllowedOrigins, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Duration parses a duration setting, returning fallback when the value is
// empty, malformed or not positive.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DBPath returns the SQLite path, defaulting to termrt.db under DataPath.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "termrt.db")
}

// LogFilePath returns the log file path, defaulting to termrt.log under
// DataPath.
func (s Settings) LogFilePath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "termrt.log")
}
