// Grounded on MeKo-Christian-WaterColorMap/internal/cmd/root.go: a single
// persistent-flag/viper-bound root command, slog configured from a
// --log-level flag, a --config file resolved by viper before any
// subcommand runs.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "terraflow",
	Short: "Hydrological terrain analysis over tiled DEMs",
	Long: `terraflow conditions a digital elevation model and derives its
drainage structure: depression fill, least-cost breach, D8 flow
direction, flat resolution, flow accumulation, a stream network,
basin labels, and flow length with longest-path polylines.`,
}

// Execute runs the root command, exiting non-zero on any error per §7
// (the pipeline surfaces the first fatal error).
func Execute() {
	if logger == nil {
		initLogging()
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./terraflow.yaml)")
	rootCmd.PersistentFlags().Int("workers", 0, "worker pool size (0 selects runtime.NumCPU)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	for _, key := range []string{"workers", "log-level"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", key, err))
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("terraflow")
	}

	viper.SetEnvPrefix("TERRAFLOW")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && logger != nil {
		logger.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

func initLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(viper.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error", "err":
		level = slog.LevelError
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
