package cli

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/clinicgrid/ingestd/internal/config"
)

func TestNewLoggerFallsBackToInfoOnInvalidLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "not-a-real-level"

	logger := newLogger(cfg)
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", logger.GetLevel())
	}
}

func TestNewLoggerUsesJSONFormatterWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.LogFormat = "json"

	logger := newLogger(cfg)
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want *logrus.JSONFormatter", logger.Formatter)
	}
}
