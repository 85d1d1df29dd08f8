package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/sos-scanner/config"
	"github.com/Perceptus-Labs/sos-scanner/utils"
)

// Version is the application version.
const Version = "0.1.0"

var (
	configPath string
	devLogs    bool

	// cfg is loaded once in PersistentPreRunE and shared by subcommands.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:     "sos-scanner",
	Short:   "Camera scanner that proposes medical-supply labels for operator confirmation",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		logger, err := utils.NewLogger(cfg.LogLevel, devLogs)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		zap.L().Sync()
	},
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "Human readable development logging")
}
