package main

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/tandem/internal/config"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configFile string
	logLevel   string
	jsonOutput bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Run test plans in parallel while honouring order, exclusion and fixture constraints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print machine-readable JSON")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfig reads the config file and environment, then applies the
// global flags.
func (o *globalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// newLogger builds a production zap logger at level and bridges it to logr.
func newLogger(level string) (logr.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	z, err := zcfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}
