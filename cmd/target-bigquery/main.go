package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/internal/pipeline"
	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-target/pkg/logger"
	"github.com/ajitpratap0/nebula-target/pkg/metrics"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/observability"
	"github.com/ajitpratap0/nebula-target/pkg/protocol"

	// Register the warehouses
	_ "github.com/ajitpratap0/nebula-target/pkg/connector/destinations/bigquery"
	_ "github.com/ajitpratap0/nebula-target/pkg/connector/destinations/memory"
	_ "github.com/ajitpratap0/nebula-target/pkg/connector/destinations/sqlite"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		logFailure(logger.Get(), err)
		_ = logger.Sync()
		os.Exit(exitCode(err))
	}
	_ = logger.Sync()
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var configPath string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Load protocol messages from stdin into the warehouse",
		Long: `Read SCHEMA, RECORD, STATE and ACTIVATE_VERSION messages from stdin, one JSON
object per line, and load them into the configured warehouse. Checkpoint
values are written to stdout once every row before them is committed.

Example:
  tap-postgres | target-bigquery run --config target.json > state.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, stdin, stdout)
		},
	}

	var printPath string
	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Check a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if printPath != "" {
				if err := config.Save(printPath, cfg); err != nil {
					return err
				}
			}
			fmt.Fprintf(stderr, "configuration is valid (warehouse %s)\n", cfg.Warehouse)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&printPath, "print", "", "Write the effective configuration as YAML to this path")

	root := &cobra.Command{
		Use:   "target-bigquery",
		Short: "Load a change-data-capture stream into BigQuery",
		Long: `target-bigquery consumes a line-oriented stream of typed records, evolves
warehouse tables as the upstream schema drifts and merges each batch
atomically into its target table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}
	root.SetOut(stderr)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a JSON or YAML configuration file. Environment variables are used when omitted")

	root.AddCommand(runCmd, validateCmd, &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stderr, "target-bigquery v%s\n", version)
			fmt.Fprintf(stderr, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(stderr, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(stderr, "Warehouses: %v\n", registry.List())
		},
	})
	return root
}

func loadConfig(path string) (*config.TargetConfig, error) {
	if path == "" {
		return config.LoadEnv()
	}
	return config.Load(path)
}

func run(ctx context.Context, configPath string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Observability.LogLevel, Encoding: cfg.Observability.LogEncoding}); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to initialize logger")
	}
	log := logger.Get().With(zap.String("warehouse", cfg.Warehouse))

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    "target-bigquery",
		ServiceVersion: version,
	})
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to initialize tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv, err := metrics.Serve(addr)
		if err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to serve metrics").WithDetail("addr", addr)
		}
		log.Info("serving metrics", zap.String("addr", srv.Addr()))
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	wh, err := registry.Create(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := wh.Close(); err != nil {
			log.Warn("failed to close warehouse", zap.Error(err))
		}
	}()

	engine, err := pipeline.NewEngine(ctx, cfg, wh, protocol.NewStateWriter(stdout), log)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := pipeline.NewDispatcher(engine, cfg.MaxLineBytes, log).Run(ctx, stdin); err != nil {
		return err
	}
	log.Info("target finished", zap.Duration("duration", time.Since(start)))
	return nil
}

func logFailure(log *zap.Logger, err error) {
	fields := []zap.Field{zap.String("error_type", string(nebulaerrors.TypeOf(err))), zap.Error(err)}
	var e *nebulaerrors.Error
	if errors.As(err, &e) && len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	log.Error("target failed", fields...)
}

// exitCode is 2 for configuration errors and 1 for everything else.
func exitCode(err error) int {
	if nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig) {
		return 2
	}
	return 1
}
