package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/synoptiq/go-stageflow"
	"github.com/synoptiq/go-stageflow/stages"
)

// Flag names, also used as viper keys. Every flag can be set through a
// STAGEFLOW_ environment variable, e.g. STAGEFLOW_METRICS_ADDR.
const (
	flagConfig      = "config"
	flagInput       = "input"
	flagOutputFile  = "output-file"
	flagMetricsAddr = "metrics-addr"
	flagLogLevel    = "log-level"
)

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("STAGEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           appName,
		Short:         "Run configurable multi-stage pipelines",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringP(flagConfig, "c", "pipeline.yml", "pipeline configuration file")
	root.PersistentFlags().String(flagLogLevel, "", "log level: debug, info, warn, error (overrides the configuration)")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(newRunCommand(v), newValidateCommand(v))
	return root
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline over a YAML list of records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, runOptions{
				ConfigPath:  v.GetString(flagConfig),
				InputPath:   v.GetString(flagInput),
				OutputPath:  v.GetString(flagOutputFile),
				MetricsAddr: v.GetString(flagMetricsAddr),
				LogLevel:    v.GetString(flagLogLevel),
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP(flagInput, "i", "", "YAML file holding the list of input records")
	cmd.Flags().StringP(flagOutputFile, "o", "", "write the final record here instead of stdout")
	cmd.Flags().String(flagMetricsAddr, "", "serve Prometheus metrics on this address, e.g. :9090")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func newValidateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and check that every module is registered",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := stageflow.LoadPipelineConfigFromFile(v.GetString(flagConfig))
			if err != nil {
				return err
			}
			registry, err := newRegistry()
			if err != nil {
				return err
			}
			if err := registry.CheckModules(config.AtStep); err != nil {
				return err
			}
			if err := registry.CheckModules(config.AtFinal); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration %q is valid: %d step and %d final stages\n",
				config.Name, len(config.AtStep), len(config.AtFinal))
			return err
		},
	}
}

// newRegistry returns a registry with the built-in and stages modules.
func newRegistry() (*stageflow.Registry, error) {
	registry := stageflow.NewRegistry()
	if err := registry.RegisterBuiltins(); err != nil {
		return nil, err
	}
	if err := stages.Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

type runOptions struct {
	ConfigPath  string
	InputPath   string
	OutputPath  string
	MetricsAddr string
	LogLevel    string
}

func runPipeline(ctx context.Context, opts runOptions, stdout io.Writer) (err error) {
	if opts.InputPath == "" {
		return fmt.Errorf("--%s is required", flagInput)
	}
	config, err := stageflow.LoadPipelineConfigFromFile(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.LogLevel != "" {
		config.Logging.Level = opts.LogLevel
	}
	logger, err := stageflow.NewLogger(config.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting stageflow",
		zap.String("version", Version),
		zap.String("config", opts.ConfigPath),
		zap.String("pipeline", config.Name))

	records, err := loadRecords(opts.InputPath)
	if err != nil {
		return err
	}

	factory := stageflow.NewObservabilityFactory(logger)
	tracerProvider, err := factory.CreateTracerProvider(ctx, config.Tracing, appName)
	if err != nil {
		return err
	}
	defer func() {
		if errShutdown := tracerProvider.Shutdown(context.Background()); errShutdown != nil {
			logger.Warn("tracer shutdown failed", zap.Error(errShutdown))
		}
	}()

	if opts.MetricsAddr != "" {
		config.Metrics = stageflow.MetricsConfig{Enabled: true, Type: stageflow.MetricsTypePrometheus}
	}
	collector, err := factory.CreateMetricsCollector(config.Metrics)
	if err != nil {
		return err
	}
	if prom, ok := collector.(*stageflow.PrometheusMetricsCollector); ok && opts.MetricsAddr != "" {
		server := newMetricsServer(opts.MetricsAddr, prom.Registry(), logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop(context.Background())
	}

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	ms, err := stageflow.New(config, registry,
		stageflow.WithLogger(logger),
		stageflow.WithMetricsCollector(collector),
		stageflow.WithTracerProvider(tracerProvider),
		stageflow.WithTimingWriter(os.Stderr),
	)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := ms.Close(context.Background()); errClose != nil && err == nil {
			err = errClose
		}
	}()

	result, err := ms.Run(ctx, records)
	if err != nil {
		return err
	}
	return writeResult(result, opts.OutputPath, stdout)
}

// loadRecords reads a YAML sequence of mappings.
func loadRecords(path string) ([]stageflow.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse input records: %w", err)
	}
	records := make([]stageflow.Record, len(raw))
	for i, r := range raw {
		records[i] = stageflow.Record(r)
	}
	return records, nil
}

func writeResult(result stageflow.Record, path string, stdout io.Writer) error {
	data, err := yaml.Marshal(stageflow.Plain(result))
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
