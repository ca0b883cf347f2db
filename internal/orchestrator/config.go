package orchestrator

import (
	"fmt"
	"time"

	"github.com/gluk-w/claworc/termrt/internal/config"
	"github.com/gluk-w/claworc/termrt/internal/portfwd"
	"github.com/gluk-w/claworc/termrt/internal/revtunnel"
)

// OptionsFromConfig maps environment settings onto Options. Store, Dialer
// and Scanner are left for the caller.
func OptionsFromConfig(cfg config.Settings) Options {
	reconnectBase := config.Duration(cfg.ReconnectBase, time.Second)
	reconnectMax := config.Duration(cfg.ReconnectMax, 30*time.Second)

	var localAddr string
	if cfg.ControlPort > 0 {
		localAddr = fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort)
	}

	return Options{
		HistoryBytes:    cfg.ScrollbackBytes,
		CwdPollInterval: config.Duration(cfg.CwdPollInterval, 5*time.Second),
		Tunnels: revtunnel.Options{
			LocalAddr:      localAddr,
			RemotePort:     cfg.ReverseRemotePort,
			HealthInterval: config.Duration(cfg.HealthInterval, 30*time.Second),
			HealthTimeout:  config.Duration(cfg.HealthTimeout, 5*time.Second),
			FailureBudget:  cfg.HealthFailureBudget,
			ReconnectBase:  reconnectBase,
			ReconnectMax:   reconnectMax,
			MaxAttempts:    cfg.ReconnectAttempts,
			ConnectTimeout: config.Duration(cfg.SSHConnectTimeout, 20*time.Second),
		},
		Forwards: portfwd.Options{
			ReconnectBase: reconnectBase,
			ReconnectMax:  reconnectMax,
			MaxAttempts:   cfg.ForwardReconnectAttempts,
		},
	}
}
