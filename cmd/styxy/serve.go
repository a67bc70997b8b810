package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/styxy-dev/styxy/cmd/styxy/di"
	"github.com/styxy-dev/styxy/internal/audit"
	rostream "github.com/styxy-dev/styxy/internal/ro"
	"github.com/styxy-dev/styxy/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the styxy daemon",
	Long: `Start the port coordination daemon. Startup recovery runs before the
listener opens, so clients never observe a half-repaired registry.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	container, err := di.NewContainer(cfgFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to build container")
		return err
	}

	loggerSvc, err := di.Invoke[*di.LoggerService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize logger")
		return err
	}
	logger := *loggerSvc.Logger
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	// Resolving the server pulls in the whole graph, including the
	// startup recovery run.
	serverSvc, err := di.Invoke[*di.ServerService](container)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build daemon")
		return err
	}

	auditSvc := di.MustInvoke[*di.AuditService](container)
	reaperSvc := di.MustInvoke[*di.ReaperService](container)
	watcherSvc := di.MustInvoke[*di.WatcherService](container)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reaperSvc.Reaper.Start(ctx)
	go func() {
		if err := watcherSvc.Watcher.Watch(ctx); err != nil {
			logger.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	auditSvc.Audit.Emit(audit.ActionDaemonStarted, map[string]any{
		"version": version.Version,
		"addr":    serverSvc.Server.Addr(),
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", serverSvc.Server.Addr()).Str("version", version.Version).Msg("starting styxy")
		serverErr <- serverSvc.Server.ListenAndServe()
	}()

	sigCh := make(chan string, 1)
	go func() {
		sig, err := rostream.WaitForShutdown(ctx)
		if err != nil || sig == nil {
			sigCh <- "context cancelled"
			return
		}
		sigCh <- sig.String()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			shutdown(container, auditSvc, reaperSvc, logger)
			return err
		}
	case sig := <-sigCh:
		logger.Info().Str("signal", sig).Msg("shutting down...")
	}

	cancel()
	shutdown(container, auditSvc, reaperSvc, logger)
	logger.Info().Msg("daemon stopped")
	return nil
}

// shutdown tears the container down in reverse order: server drain,
// final snapshot flush, watcher close, audit stop.
func shutdown(container *di.Container, auditSvc *di.AuditService, reaperSvc *di.ReaperService, logger zerolog.Logger) {
	reaperSvc.Reaper.Stop()
	auditSvc.Audit.Emit(audit.ActionDaemonStopped, map[string]any{"version": version.Version})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := container.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
