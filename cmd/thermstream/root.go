package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/irview/thermstream/internal/config"
	"github.com/irview/thermstream/internal/logger"
)

var (
	cfg      *config.Config
	cfgFile  string
	logLevel string
	logColor bool
)

var rootCmd = &cobra.Command{
	Use:   "thermstream",
	Short: "Thermal camera capture, recording, and live view",
	Long: `thermstream drives a dual-plane thermal camera: it decodes the raw
sensor stream into a pseudo-color image and a 16-bit temperature plane,
records both alongside audio into a single MKV, and serves a live WebRTC
view.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if logLevel == "" {
			logLevel = cfg.LogLevel
		}
		level, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.Init(level, os.Stderr, logColor)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error, silent)")
	rootCmd.PersistentFlags().BoolVar(&logColor, "log-color", true, "enable colored log output")

	rootCmd.AddCommand(streamCmd)
}
