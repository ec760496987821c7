package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/cmd/auditwiz/cmd/cmdutil"
	"github.com/Levelup666/AuditWiz/internal/server"
	"github.com/Levelup666/AuditWiz/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AuditWiz API server",
	Long:  `Starts the HTTP API for studies, records, signatures, anchors, documents and the audit ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("tracing shutdown", zap.Error(err))
			}
		}()

		app, err := cmdutil.NewApp(ctx, cfg, logger, cmdutil.Options{})
		if err != nil {
			return err
		}
		defer app.Close()
		logger.Info("connected to database")

		// Anchoring waits for notary confirmation inside the request.
		writeTimeout := 30 * time.Second
		if cfg.Notary.ConfirmTimeout+15*time.Second > writeTimeout {
			writeTimeout = cfg.Notary.ConfirmTimeout + 15*time.Second
		}

		srv := &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           server.NewH2CHandler(app.RouterOptions()),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server", zap.String("addr", cfg.ServerAddr), zap.String("url", cfg.ServerURL))
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
			logger.Info("shutting down server")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped")
		return nil
	},
}
