package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/next-trace/scg-saga-bus/config"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the configured transport until interrupted",
		Long: `Load the YAML configuration, connect the transport and the stores, and
dispatch deliveries until SIGINT or SIGTERM.

Example:
  fabricd run --config ./orders.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, newLogger(cmd.ErrOrStderr(), cfg.Log))
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "path to the YAML configuration (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// NewValidateCommand checks a configuration file without connecting anywhere.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (transport %s)\n", cfg.Service, cfg.Transport.Kind)
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	f, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.bus.Close(); err != nil {
			log.Warn("close", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(f.metrics, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics server starting", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("service starting",
		slog.String("service", cfg.Service),
		slog.String("transport", cfg.Transport.Kind),
		slog.Any("topics", f.topics),
	)

	if err := f.bus.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", cfg.Service, err)
	}

	log.Info("service stopped", slog.String("service", cfg.Service))
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}
