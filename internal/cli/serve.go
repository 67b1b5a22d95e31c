package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clinicgrid/ingestd/internal/config"
	"github.com/clinicgrid/ingestd/internal/daemon"
)

var serveConfigPath string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to ingestd YAML config file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion daemon",
	Long:  "Watches the configured inbox for completed DICOM studies and uploads them until interrupted.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := daemon.New(cfg, logger)

	logger.WithFields(logrus.Fields{
		"inbox":     cfg.InboxPath,
		"processed": cfg.ProcessedPath,
		"failed":    cfg.FailedPath,
	}).Info("ingestd serve starting; press Ctrl-C to stop")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon exited: %w", err)
	}
	return nil
}

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}
