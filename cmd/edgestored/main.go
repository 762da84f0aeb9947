// Command edgestored is the operator entry point for the sharded edge
// store: it loads configuration, builds the driver/router/store stack, and
// exposes operator tooling (gid generation, stats, a manual lock probe,
// schema migration) plus a long-running serve mode that exports metrics.
// There is no client wire protocol here — callers embed package store
// directly.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/edgestore/internal/config"
	"github.com/dreamware/edgestore/internal/dbconn"
	"github.com/dreamware/edgestore/internal/metrics"
	"github.com/dreamware/edgestore/internal/router"
	"github.com/dreamware/edgestore/internal/store"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "edgestored",
		Short: "Operator CLI for the sharded edge store",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to edgestored.yaml (optional; env vars still apply)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newGidCmd(), newStatsCmd(), newLockCmd())
	return root
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func buildStore(cfg config.Config, log *zap.Logger, reg *prometheus.Registry) (*store.Store, error) {
	hosts := make([]router.Host, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		hosts[i] = router.Host{Addr: h.Addr, DBName: h.DBName}
	}
	opener := dbconn.NewMySQLOpener(dbconn.PoolConfig{
		MaxOpenConns:    cfg.Pool.MaxOpenConns,
		MaxIdleConns:    cfg.Pool.MaxIdleConns,
		ConnMaxLifetime: cfg.Pool.ConnMaxLifetime,
	}, nil)
	return store.New(opener, hosts, store.WithLogger(log), store.WithMetrics(metrics.New(reg)))
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// newServeCmd keeps the process alive exporting Prometheus metrics and
// running the connection health monitor; it is not a server in the sense
// the storage engine cares about; there is no request handling here.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics/health-monitor process for a configured edge store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			reg := prometheus.NewRegistry()
			s, err := buildStore(cfg, log, reg)
			if err != nil {
				return err
			}

			opener := dbconn.NewMySQLOpener(dbconn.DefaultPoolConfig(), nil)
			monitor := dbconn.NewHealthMonitor(opener, 10*time.Second)
			monitor.SetOnUnhealthy(func(host string) {
				log.Warn("shard host unhealthy", zap.String("host", host))
			})
			dests := make([]dbconn.Destination, len(cfg.Hosts))
			for i, h := range cfg.Hosts {
				dests[i] = dbconn.Destination{Host: h.Addr, DBName: h.DBName}
			}
			ctx, cancelMonitor := context.WithCancel(context.Background())
			go monitor.Start(ctx, func() []dbconn.Destination { return dests })

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			httpSrv := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("metrics server failed", zap.Error(err))
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			log.Info("shutting down")
			cancelMonitor()
			monitor.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Warn("metrics server shutdown error", zap.Error(err))
			}

			_ = s // store is held open for the lifetime of the process
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the edge store schema to every configured host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			for _, h := range cfg.Hosts {
				if err := dbconn.Migrate(ctx, h.Addr, h.DBName); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %s/%s\n", h.Addr, h.DBName)
			}
			return nil
		},
	}
}

func newGidCmd() *cobra.Command {
	var colo uint32
	cmd := &cobra.Command{
		Use:   "gid",
		Short: "Generate a new gid, optionally on a specific colocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			s, err := buildStore(cfg, log, nil)
			if err != nil {
				return err
			}

			var coloArg *uint32
			if colo != 0 {
				coloArg = &colo
			}
			g, err := s.GenerateGid(cmd.Context(), coloArg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d (colo=%d counter=%d)\n", uint64(g), g.Colo(), g.Counter())
			return nil
		},
	}
	cmd.Flags().Uint32Var(&colo, "colo", 0, "colocation id to allocate on (0 = random)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-host reachability for every configured shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opener := dbconn.NewMySQLOpener(dbconn.DefaultPoolConfig(), nil)
			for i, h := range cfg.Hosts {
				conn, err := opener.Open(h.Addr, h.DBName)
				status := "ok"
				if err != nil {
					status = err.Error()
				} else {
					ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
					if perr := conn.Ping(ctx); perr != nil {
						status = perr.Error()
					}
					cancel()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "host[%d] %s/%s: %s\n", i, h.Addr, h.DBName, status)
			}
			return nil
		},
	}
}

func newLockCmd() *cobra.Command {
	var colo uint32
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Hold a colocation's transactional lock for a fixed duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if colo == 0 {
				return fmt.Errorf("--colo is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			s, err := buildStore(cfg, log, nil)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			handle, err := s.Lock(ctx, colo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked colo %d for %s\n", colo, hold)
			time.Sleep(hold)
			return handle.Release()
		},
	}
	cmd.Flags().Uint32Var(&colo, "colo", 0, "colocation id to lock (required)")
	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long to hold the lock")
	return cmd
}
