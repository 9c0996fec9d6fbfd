package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// newRunCmd creates the `run` command: the long-lived enforcement daemon.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the warden enforcement daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("ingress.addr", cmd.Flags().Lookup("listen")); err != nil {
				return err
			}
			if err := viper.BindPFlag("gateway.enabled", cmd.Flags().Lookup("gateway")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			components, err := service.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			logger.Info("Warden daemon starting",
				zap.String("ingress_addr", cfg.Ingress.Addr),
				zap.Bool("auto_kill", cfg.Monitor.AutoKill),
				zap.Bool("gateway_enabled", cfg.Gateway.Enabled),
				zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			)

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return components.Ingress.Run(gctx)
			})

			if components.Gateway != nil {
				g.Go(func() error {
					return components.Gateway.Run(gctx)
				})
			}

			if cfg.Metrics.Enabled {
				g.Go(func() error {
					return serveMetrics(gctx, cfg.Metrics.Addr, components, logger)
				})
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Warden daemon stopped")
			return nil
		},
	}

	runCmd.Flags().String("listen", "", "admission API listen address (overrides ingress.addr)")
	runCmd.Flags().Bool("gateway", false, "enable the remote-termination gateway connector")
	return runCmd
}

// serveMetrics exposes the Prometheus registry until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, components *service.Components, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(components.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}
