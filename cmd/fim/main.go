// Command fim is the file-integrity monitor binary. It loads a TOML
// configuration file and exposes three subcommands: init builds the
// baseline from a full tree walk, watch runs the live event pipeline with
// a /metrics and /healthz HTTP endpoint, and scan reports divergence
// between the tree and the baseline without mutating either.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/sentra/fim/internal/audit"
	"github.com/sentra/fim/internal/baseline"
	"github.com/sentra/fim/internal/config"
	"github.com/sentra/fim/internal/metrics"
	"github.com/sentra/fim/internal/monitor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errDivergence) {
			fmt.Fprintf(os.Stderr, "fim: %v\n", err)
		}
		os.Exit(1)
	}
}

// errDivergence makes scan exit non-zero when the tree has drifted from
// the baseline, without printing a redundant error line.
var errDivergence = errors.New("divergence detected")

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fim",
		Short:         "file-integrity monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")

	root.AddCommand(newInitCmd(&configPath))
	root.AddCommand(newWatchCmd(&configPath))
	root.AddCommand(newScanCmd(&configPath))
	return root
}

// setup loads the configuration and builds the shared logger.
func setup(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// signalContext returns a context cancelled on SIGTERM or SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "build the baseline from a full walk of the watched paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			// The exclusive lock keeps a concurrent watch or init from
			// interleaving writes with the rebuild.
			store, err := baseline.Open(cfg.BaselineDB, baseline.WithExclusiveLock())
			if err != nil {
				return err
			}
			defer store.Close()

			mon, err := monitor.New(cfg, store, nil, metrics.New(), logger)
			if err != nil {
				return err
			}

			n, err := mon.Init(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline initialised: %d files\n", n)
			return nil
		},
	}
}

func newWatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "run the live monitoring pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			store, err := baseline.Open(cfg.BaselineDB, baseline.WithExclusiveLock())
			if err != nil {
				return err
			}
			defer store.Close()

			sink, err := audit.Open(cfg.AuditLog)
			if err != nil {
				return err
			}
			defer sink.Close()

			m := metrics.New()
			mon, err := monitor.New(cfg, store, sink, m, logger)
			if err != nil {
				return err
			}

			// The pipeline runs on its own context so that a shutdown
			// signal drains in-flight reconciliations through Stop instead
			// of aborting their store writes mid-flight.
			if err := mon.Start(context.Background()); err != nil {
				return err
			}

			// Observability endpoint: Prometheus exposition plus a JSON
			// health snapshot.
			r := chi.NewRouter()
			r.Use(middleware.Recoverer)
			r.Method(http.MethodGet, "/metrics", m.Handler())
			r.Get("/healthz", mon.HealthzHandler)

			srv := &http.Server{
				Addr:         cfg.MetricsBind,
				Handler:      r,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info("metrics server listening", slog.String("addr", cfg.MetricsBind))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", slog.Any("error", err))
				}
			}()

			<-ctx.Done()
			logger.Info("shutdown signal received")

			// Stop the pipeline first so the final audit records land
			// before the sink closes, then the HTTP server.
			mon.Stop()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown error", slog.Any("error", err))
			}

			logger.Info("fim exited cleanly")
			return nil
		},
	}
}

func newScanCmd(configPath *string) *cobra.Command {
	var jsonl bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "report divergence between the watched paths and the baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			// Read-only: no exclusive lock, so scan may run alongside a
			// live watch.
			store, err := baseline.Open(cfg.BaselineDB)
			if err != nil {
				return err
			}
			defer store.Close()

			mon, err := monitor.New(cfg, store, nil, metrics.New(), logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			sum, err := mon.Scan(ctx, func(d monitor.Divergence) error {
				if jsonl {
					return enc.Encode(d)
				}
				switch d.Kind {
				case monitor.DivergenceChanged:
					_, err := fmt.Fprintf(out, "%s\t%s\t%s -> %s\n", d.Kind, d.Path, d.OldHash, d.NewHash)
					return err
				case monitor.DivergenceMissing:
					_, err := fmt.Fprintf(out, "%s\t%s\t%s\n", d.Kind, d.Path, d.OldHash)
					return err
				default:
					_, err := fmt.Fprintf(out, "%s\t%s\t%s\n", d.Kind, d.Path, d.NewHash)
					return err
				}
			})
			if err != nil {
				return err
			}

			if !jsonl {
				fmt.Fprintf(out, "scanned %d files: %d added, %d changed, %d missing, %d skipped\n",
					sum.Scanned, sum.Added, sum.Changed, sum.Missing, sum.Skipped)
			}
			if !sum.Clean() {
				return errDivergence
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonl, "jsonl", false, "emit one JSON object per divergence instead of text")
	return cmd
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
