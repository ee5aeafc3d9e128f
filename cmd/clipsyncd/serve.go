package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/clipstack/clipstack/internal/config"
	"github.com/clipstack/clipstack/internal/sync/api"
	"github.com/clipstack/clipstack/internal/sync/broadcast"
	"github.com/clipstack/clipstack/internal/sync/conflict"
	"github.com/clipstack/clipstack/internal/sync/coordinator"
	"github.com/clipstack/clipstack/internal/sync/recorder"
	"github.com/clipstack/clipstack/internal/sync/session"
	"github.com/clipstack/clipstack/internal/sync/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync daemon",
	Long: `Start the sync daemon: HTTP endpoints for pull/push/status plus the
WebSocket endpoint for real-time change notifications.

Endpoints:
  POST /sync/push     Submit a batch of changes
  GET  /sync/pull     Fetch changes past a cursor
  GET  /sync/status   Device sync standing
  GET  /healthz       Liveness check
  WS   /sync/ws       Real-time change stream

Identity comes from the X-User-ID and X-Device-ID request headers;
authentication is handled by the gateway in front of this daemon.

Example usage:
  clipsyncd serve                                # defaults, ./clipsync.db
  clipsyncd serve --config /etc/clipsync.yaml    # explicit config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
			cfg.DBPath = dbPath
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("db", "", "Database path (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// logWriter returns the configured log destination, rotating when a file is
// set.
func logWriter(cfg config.LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

func runServe(cfg *config.Config) error {
	out := logWriter(cfg.Log)
	logger := log.New(out, "[clipsyncd] ", log.LstdFlags)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	registry := session.NewRegistry(st, &session.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
		Logger:           log.New(out, "[session] ", log.LstdFlags),
	})
	registry.Start()
	defer registry.Stop()

	hub := broadcast.NewHub(registry, log.New(out, "[broadcast] ", log.LstdFlags))
	hub.Start()
	defer hub.Stop()

	rec := recorder.New(st, log.New(out, "[recorder] ", log.LstdFlags))
	resolver := conflict.NewResolver(log.New(out, "[conflict] ", log.LstdFlags))

	coord := coordinator.New(st, rec, resolver, registry, hub, &coordinator.Config{
		DefaultPolicy: conflict.Policy(cfg.DefaultPolicy),
		PullLimit:     cfg.PullLimit,
		MergeWorkers:  cfg.MergeWorkers,
		RetryAttempts: 3,
		RetryBackoff:  50 * time.Millisecond,
		Logger:        log.New(out, "[coordinator] ", log.LstdFlags),
	})
	coord.Start()
	defer coord.Stop()
	coord.StartRetentionLoop(ctx, cfg.PruneInterval, cfg.RetentionHorizon())

	if err := config.Watch(configPath, func(next *config.Config) {
		coord.SetDefaultPolicy(conflict.Policy(next.DefaultPolicy))
		logger.Printf("Config reloaded, default policy now %s", next.DefaultPolicy)
	}); err != nil {
		logger.Printf("Warning: config watch disabled: %v", err)
	}

	ws := broadcast.NewWSHandler(registry, log.New(out, "[broadcast] ", log.LstdFlags))
	handler := api.NewServer(coord, st, registry, ws, log.New(out, "[api] ", log.LstdFlags))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Listening on %s (db: %s)", cfg.ListenAddr, cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Printf("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Printf("Stopped")
	return nil
}
