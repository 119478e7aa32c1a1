// Command attrsvc runs the attribution service's HTTP adapter over
// internal/engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	attrsvcconfig "attrsvc/internal/config/attrsvc"
	"attrsvc/internal/engine"
	"attrsvc/internal/httpapi"
	"attrsvc/internal/jobregistry"
	"attrsvc/internal/logging"
)

var version = "dev"

var (
	pprofAddr string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "attrsvc",
		Short: "Log attribution service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if pprofAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.HandleFunc("/debug/pprof/", pprof.Index)
					mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
					mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
					mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
					if err := http.ListenAndServe(pprofAddr, mux); err != nil {
						slog.Error("pprof server failed", "error", err)
					}
				}()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&pprofAddr, "pprof", "", "address to serve pprof debug endpoints on, empty disables")

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		addr                  string
		allowedRoot           string
		minFileSizeKB         int
		maxJobs               int
		cacheMaxEntries       int
		cacheTTLSeconds       int
		ttlPendingSeconds     int
		ttlTerminatedSeconds  int
		ttlMaxJobAgeSeconds   int
		pollIntervalSeconds   int
		computeTimeoutSeconds int
		cacheSnapshotPath     string
		logLevel              string
		debugComponents       []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel, debugComponents)

			cfg := attrsvcconfig.AnalyzerConfig{
				AllowedRoot:           allowedRoot,
				MinFileSizeKB:         minFileSizeKB,
				MaxJobs:               maxJobs,
				CacheMaxEntries:       cacheMaxEntries,
				CacheTTLSeconds:       cacheTTLSeconds,
				TTLPendingSeconds:     ttlPendingSeconds,
				TTLTerminatedSeconds:  ttlTerminatedSeconds,
				TTLMaxJobAgeSeconds:   ttlMaxJobAgeSeconds,
				PollIntervalSeconds:   pollIntervalSeconds,
				ComputeTimeoutSeconds: computeTimeoutSeconds,
				CacheSnapshotPath:     cacheSnapshotPath,
			}

			e, err := engine.New(engine.Config{
				Analyzer:     cfg,
				Logger:       logger,
				Compute:      unconfiguredCompute,
				ParseLogsDir: jobregistry.ParseLogsDirDirective,
			})
			if err != nil {
				return fmt.Errorf("constructing engine: %w", err)
			}
			defer e.Shutdown()

			handler := httpapi.NewHandler(e)
			server := &http.Server{Addr: addr, Handler: handler}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("serving", "addr", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-errCh:
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&allowedRoot, "allowed-root", "", "directory every analyzed file must resolve under (required)")
	cmd.Flags().IntVar(&minFileSizeKB, "min-file-size-kb", 1, "minimum file size to analyze, in KiB")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 1024, "maximum tracked jobs")
	cmd.Flags().IntVar(&cacheMaxEntries, "cache-max-entries", 1000, "maximum cached analysis results")
	cmd.Flags().IntVar(&cacheTTLSeconds, "cache-ttl-seconds", 3600, "cache entry time-to-live")
	cmd.Flags().IntVar(&ttlPendingSeconds, "ttl-pending-seconds", 3600, "pending job time-to-live")
	cmd.Flags().IntVar(&ttlTerminatedSeconds, "ttl-terminated-seconds", 86400, "terminal job time-to-live")
	cmd.Flags().IntVar(&ttlMaxJobAgeSeconds, "ttl-max-job-age-seconds", 7*86400, "maximum job age regardless of activity")
	cmd.Flags().IntVar(&pollIntervalSeconds, "poll-interval-seconds", 30, "sweep interval")
	cmd.Flags().IntVar(&computeTimeoutSeconds, "compute-timeout-seconds", 300, "compute deadline")
	cmd.Flags().StringVar(&cacheSnapshotPath, "cache-snapshot-path", "", "optional path for cache snapshot persistence")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringSliceVar(&debugComponents, "debug-component", nil, "components to log at debug level regardless of --log-level (repeatable)")
	_ = cmd.MarkFlagRequired("allowed-root")

	return cmd
}

func newLogger(level string, debugComponents []string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	// The base handler admits everything; the component filter applies the
	// effective levels so per-component overrides can go below --log-level.
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := logging.NewComponentFilterHandler(base, lvl)
	for _, c := range debugComponents {
		filter.SetLevel(c, slog.LevelDebug)
	}
	return slog.New(filter)
}

// unconfiguredCompute is the default LLM compute hook wired by the CLI:
// the engine depends only on an abstract compute function, so the binary
// ships a stub that makes the gap explicit until a real client is wired in
// by an embedder.
func unconfiguredCompute(ctx context.Context, fileBytes []byte, cctx engine.ComputeContext) (engine.AnalysisResult, error) {
	return engine.AnalysisResult{}, fmt.Errorf("attrsvc: no LLM compute client configured")
}
