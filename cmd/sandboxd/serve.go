package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/sandboxvm/internal/config"
	"github.com/oriys/sandboxvm/internal/dispatcher"
	"github.com/oriys/sandboxvm/internal/logging"
	"github.com/oriys/sandboxvm/internal/metrics"
	"github.com/oriys/sandboxvm/internal/microvm"
	"github.com/oriys/sandboxvm/internal/network"
	"github.com/oriys/sandboxvm/internal/observability"
	"github.com/oriys/sandboxvm/internal/pool"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		apiAddr      string
		poolSize     int
		logLevel     string
		logFormat    string
		maxOpenFiles uint64
		maxProcesses uint64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher daemon: warm the VM pool and serve /execute over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			} else {
				cfg = config.DefaultConfig()
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("addr") {
				cfg.Dispatcher.APIAddr = apiAddr
			}
			if cmd.Flags().Changed("pool-size") {
				cfg.Pool.Size = poolSize
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Observability.Logging.Format = logFormat
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := setStartupRlimits(maxOpenFiles, maxProcesses); err != nil {
				return fmt.Errorf("set rlimits: %w", err)
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			netMgr, err := network.NewManager(cfg.Network, cfg.Pool.Size)
			if err != nil {
				return fmt.Errorf("network manager: %w", err)
			}
			if err := netMgr.EnsureBridge(); err != nil {
				return fmt.Errorf("ensure bridge: %w", err)
			}

			vmMgr := microvm.NewManager(cfg.Launch, netMgr)

			p := pool.New(cfg.Pool, vmMgr)
			logging.Op().Info("warming VM pool", "size", cfg.Pool.Size)
			if err := p.Warm(context.Background()); err != nil {
				return fmt.Errorf("warm pool: %w", err)
			}

			h := dispatcher.New(cfg.Dispatcher, cfg.Launch.AgentPort, p, vmMgr)
			mux := http.NewServeMux()
			h.RegisterRoutes(mux)

			srv := &http.Server{
				Addr:    cfg.Dispatcher.APIAddr,
				Handler: observability.HTTPMiddleware(mux),
			}

			go func() {
				logging.Op().Info("dispatcher listening", "addr", cfg.Dispatcher.APIAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("dispatcher server error", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received, draining in-flight requests")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("dispatcher shutdown did not complete cleanly", "error", err)
			}

			p.Shutdown()
			logging.Op().Info("sandboxd stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "addr", "", "HTTP listen address (default from config, e.g. :8000)")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "number of warm VMs to maintain")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
	cmd.Flags().Uint64Var(&maxOpenFiles, "max-open-files", 65536, "RLIMIT_NOFILE to set at startup")
	cmd.Flags().Uint64Var(&maxProcesses, "max-processes", 4096, "RLIMIT_NPROC to set at startup")

	return cmd
}

func healthCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running sandboxd instance's /health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
			if err != nil {
				return fmt.Errorf("health probe failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health probe returned status %d: %s", resp.StatusCode, string(body))
			}

			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}
			fmt.Printf("status=%v pool_ready=%v pool_in_use=%v pool_dead=%v\n",
				parsed["status"], parsed["pool_ready"], parsed["pool_in_use"], parsed["pool_dead"])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8000", "dispatcher address to probe")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}
