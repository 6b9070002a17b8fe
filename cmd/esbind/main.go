package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lychee-technology/esbind"
	"github.com/lychee-technology/esbind/factory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cliOptions holds the persistent flags.
type cliOptions struct {
	typesFile string // YAML file listing tracked types
	debug     bool   // Development logger at debug level
}

// openRuntime is swapped in tests.
var openRuntime = factory.Open

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	rootCmd := &cobra.Command{
		Use:   "esbind",
		Short: "Keep Elasticsearch indices in sync with PostgreSQL tables",
		Long: `esbind mirrors tracked PostgreSQL tables into Elasticsearch indices and rebuilds
them behind read/write aliases without downtime.

Connections are configured through environment variables (ES_ADDRESSES, DB_HOST,
DB_NAME, ...). Tracked types come from the YAML file given with --types.

Examples:
  esbind --types types.yaml init shop.Author
  esbind --types types.yaml rebuild Author --chunk-size 500
  esbind --types types.yaml sync Author --ids 1,2,3
  esbind --types types.yaml search Author --where name=starts_with:Ad --sort name
  esbind --types types.yaml changelog --interval 30s`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(opts.debug)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.typesFile, "types", os.Getenv("TYPES_FILE"), "YAML file listing tracked types")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable development logging")
	registerCommands(rootCmd, opts)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	zap.L().Sync()
	if err != nil {
		os.Exit(1)
	}
}

func setupLogger(debug bool) error {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// withRuntime opens the runtime for the duration of fn and serves metrics while it runs.
func (o *cliOptions) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *factory.Runtime) error) error {
	if o.typesFile == "" {
		return errors.New("--types (or TYPES_FILE) is required")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := factory.ConfigFromEnv()
	rt, err := openRuntime(ctx, cfg, o.typesFile)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		stopMetrics := startMetricsListener(cfg.Metrics.Listen)
		defer stopMetrics()
	}
	return fn(ctx, rt)
}

func startMetricsListener(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Warnw("metrics listener stopped", "addr", addr, "error", err)
		}
	}()
	zap.S().Infow("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// lookupType resolves a command argument into a registered spec.
func lookupType(rt *factory.Runtime, name string) (*esbind.TypeSpec, error) {
	return rt.Spec(name)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
