package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agenthub/internal/hub"
	"agenthub/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the hub's HTTP/WS API and embedded web UI",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := hub.New()
	if err != nil {
		return fmt.Errorf("composing hub: %w", err)
	}
	ctrl.Run(ctx)

	httpAddr := fmt.Sprintf(":%d", viper.GetInt("http_port"))
	apiServer := &http.Server{Addr: httpAddr, Handler: ctrl.Server.Router()}

	metricsAddr := fmt.Sprintf(":%d", viper.GetInt("metrics_port"))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: ctrl.Metrics.Handler()}

	errCh := make(chan error, 2)
	go func() {
		telemetry.LogInfo("serving hub API", "addr", httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		telemetry.LogInfo("serving metrics", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		telemetry.LogInfo("shutting down")
	case err := <-errCh:
		telemetry.LogError("server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	ctrl.Shutdown(shutdownCtx)
	return nil
}
