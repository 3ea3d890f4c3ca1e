// Package cmd provides the CLI commands for redline.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/manenim/redline/internal/config"
	"github.com/manenim/redline/pkg/limiter"
)

var (
	cfgFile string
	verbose bool
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "redline",
	Short: "redline - distributed rate limiting on Redis",
	Long: `redline runs rate limiters whose state lives in Redis, so every process
sharing a namespace enforces the same limits.

Configuration:
  Config is loaded from redline.yaml in the current directory or
  $HOME/.redline/.

  Environment variables override config values with the REDLINE_ prefix.
  Example: REDLINE_REDIS_URL=redis://cache:6379/0

Commands:
  serve       Run a demo HTTP server guarded by limiters
  probe       Inspect the shared state of a limiter
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./redline.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func initConfig() {
	v = config.New(cfgFile)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// connect loads the configuration and opens a Connection sharing logger.
func connect(logger *zap.Logger, opts ...limiter.Option) (*limiter.Connection, limiter.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, cfg, err
	}
	conn, err := limiter.Connect(cfg, append([]limiter.Option{limiter.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, cfg, err
	}
	return conn, cfg, nil
}
