package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/termrt/internal/audit"
	"github.com/gluk-w/claworc/termrt/internal/config"
	"github.com/gluk-w/claworc/termrt/internal/crypto"
	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/handlers"
	"github.com/gluk-w/claworc/termrt/internal/logging"
	"github.com/gluk-w/claworc/termrt/internal/middleware"
	"github.com/gluk-w/claworc/termrt/internal/orchestrator"
	"github.com/gluk-w/claworc/termrt/internal/portscan"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

type serveOptions struct {
	listen   string
	tls      bool
	tlsHosts []string
	procRoot string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the terminal runtime and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (overrides TERMRT_LISTEN_ADDR)")
	cmd.Flags().BoolVar(&opts.tls, "tls", false, "serve HTTPS with a self-signed certificate kept in the database")
	cmd.Flags().StringSliceVar(&opts.tlsHosts, "tls-host", []string{"localhost", "127.0.0.1"}, "names and addresses the certificate is valid for")
	cmd.Flags().StringVar(&opts.procRoot, "proc", "/proc", "procfs mount used for local port discovery")
	return cmd
}

func runServe(parent context.Context, opts *serveOptions) error {
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Cfg
	if opts.listen != "" {
		cfg.ListenAddr = opts.listen
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logging.Init(cfg.LogFilePath(), cfg.LogLevel)
	defer logging.Close()

	store, err := database.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MachinesFile != "" {
		n, err := store.ImportInventory(ctx, cfg.MachinesFile)
		if err != nil {
			return fmt.Errorf("import machines: %w", err)
		}
		log.Info().Int("machines", n).Str("path", cfg.MachinesFile).Msg("machine inventory imported")
	}

	secrets := crypto.NewSecretStore(store)
	dialer := sshconn.NewDialer(config.Duration(cfg.SSHConnectTimeout, sshconn.DefaultConnectTimeout), secrets.Passphrases())

	rtOpts := orchestrator.OptionsFromConfig(cfg)
	rtOpts.Store = store
	rtOpts.Dialer = dialer
	rtOpts.Auditor = audit.New(store, cfg.AuditRetentionDays)
	if err := rtOpts.Auditor.StartRetention(ctx); err != nil {
		return fmt.Errorf("audit retention: %w", err)
	}
	scanner, err := portscan.NewScanner(opts.procRoot, config.Duration(cfg.PortScanInterval, 10*time.Second))
	if err != nil {
		log.Warn().Err(err).Msg("local port discovery disabled")
	} else {
		rtOpts.Scanner = scanner
	}

	rt, err := orchestrator.New(rtOpts)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	allowed, err := middleware.ParseAllowedSources(cfg.AllowedSources)
	if err != nil {
		return fmt.Errorf("TERMRT_ALLOWED_SOURCES: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.New(rt, cfg.OriginPatterns()).Routes(allowed),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.tls {
		cert, err := secrets.ServerCert(ctx, opts.tlsHosts)
		if err != nil {
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Bool("tls", opts.tls).Msg("server starting")
		var err error
		if opts.tls {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("runtime shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return serveErr
}
