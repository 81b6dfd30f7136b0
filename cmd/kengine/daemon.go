package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oeway/kernel-engine/internal/api"
	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/eventsink"
	"github.com/oeway/kernel-engine/internal/history"
	"github.com/oeway/kernel-engine/internal/kernel"
	"github.com/oeway/kernel-engine/internal/logging"
	"github.com/oeway/kernel-engine/internal/metrics"
	"github.com/oeway/kernel-engine/internal/observability"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the kernel orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			metrics.InitPrometheus("kengine", nil)
			if cfg.Daemon.OTLPEndpoint != "" {
				err := observability.Init(context.Background(), observability.Config{
					Enabled:     true,
					Exporter:    "otlp",
					Endpoint:    cfg.Daemon.OTLPEndpoint,
					ServiceName: "kengine",
					SampleRate:  1.0,
				})
				if err != nil {
					logging.Op().Warn("tracing disabled", "error", err)
				} else {
					defer observability.Shutdown(context.Background())
				}
			}

			if err := os.MkdirAll(cfg.Runtime.WorkDir, 0o755); err != nil {
				return err
			}

			bus := event.NewBus(0)
			mgr := kernel.NewManager(cfg, bus, newDriverFactory(cfg))

			var sink *eventsink.RedisSink
			if cfg.Redis.Enabled {
				sink, err = eventsink.NewRedisSink(context.Background(), cfg.Redis, bus)
				if err != nil {
					return err
				}
				defer sink.Close()
			}

			var hist *history.Store
			if cfg.History.Enabled {
				hist, err = history.Open(context.Background(), cfg.History.DSN, bus)
				if err != nil {
					return err
				}
				defer hist.Close()
			}

			if cfg.Pool.Enabled {
				go func() {
					start := time.Now()
					mgr.Preload(context.Background())
					logging.Op().Info("pool warm-up complete",
						"duration_ms", time.Since(start).Milliseconds())
				}()
			}

			var httpServer *http.Server
			if httpAddr == "" {
				httpAddr = cfg.Daemon.MetricsAddr
			}
			if httpAddr != "" {
				httpServer = api.StartHTTPServer(httpAddr, api.ServerConfig{
					Manager: mgr,
					History: hist,
				})
				logging.Op().Info("daemon listening", "addr", httpAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			<-sigCh
			logging.Op().Info("shutting down")
			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutdownCtx)
				cancel()
			}
			mgr.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address (API + metrics)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override")

	return cmd
}
