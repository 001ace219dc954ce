package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/pysugar/checkin-nexus/internal/config"
	"github.com/pysugar/checkin-nexus/internal/logging"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Checkin Nexus - scheduled check-ins for new-api style providers",
	Long: `Checkin Nexus logs into relay providers with a headless browser, keeps the
session cookies it obtains, and performs the daily check-in and balance query
for every configured account.`,
	SilenceUsage: true,
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./checkin.yaml)")
}

// loadConfig reads configuration and builds the process logger from it.
func loadConfig() (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, logger, nil
}
