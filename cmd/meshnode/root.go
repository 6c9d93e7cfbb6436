package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/exepirit/meshlink/internal/config"
	"github.com/exepirit/meshlink/internal/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile   string
	deviceURL string
	logLevel  string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd is the base command for meshnode.
var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "Offline mesh node relaying packets between nearby devices",
	Long: `meshnode runs a store-and-forward mesh router over a local radio.
It discovers nearby nodes, relays packets hop by hop under a TTL budget,
and buffers packets for peers that are temporarily out of range.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if deviceURL != "" {
			cfg.Device.URL = deviceURL
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = log.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.meshlink/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&deviceURL, "device", "d", "", "radio URL (supported schema: ble, serial, mqtt)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}
