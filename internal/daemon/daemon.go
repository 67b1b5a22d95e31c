// Package daemon assembles the Readiness Tracker, Ingestion Loop, and
// ambient HTTP surface (metrics, health, readiness) into the running
// ingestion service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/clinicgrid/ingestd/internal/auth"
	"github.com/clinicgrid/ingestd/internal/config"
	"github.com/clinicgrid/ingestd/internal/metrics"
	"github.com/clinicgrid/ingestd/internal/study"
	"github.com/clinicgrid/ingestd/internal/upload"
)

const pidFileName = ".ingestd.pid"

// Daemon owns the full running service: the ingestion loop plus the
// metrics/health HTTP surface.
type Daemon struct {
	cfg     config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	loop    *IngestionLoop
	ready   atomic.Bool
}

// New builds a Daemon from a validated configuration.
func New(cfg config.Config, logger *logrus.Logger) *Daemon {
	m := metrics.New()
	tokens := auth.New(cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakClientID, cfg.KeycloakClientSecret)
	uploader := upload.New(cfg.OrthancURL, cfg.MaxRetries, cfg.RetryDelay)
	processor := study.NewProcessor(uploader, tokens.Acquire, m, logger, cfg.ProcessedPath, cfg.FailedPath)
	loop := NewIngestionLoop(cfg.InboxPath, cfg.Cooldown(), cfg.MaxConcurrent, processor, m, logger)

	return &Daemon{cfg: cfg, logger: logger, metrics: m, loop: loop}
}

// Run ensures the directory layout, acquires the singleton PID lock,
// starts the metrics/health server, and runs the ingestion loop until
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	dirs := DirConfig{Inbox: d.cfg.InboxPath, Processed: d.cfg.ProcessedPath, Failed: d.cfg.FailedPath}
	if err := EnsureDirs(dirs); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	if _, err := os.Stat(d.cfg.InboxPath); err == nil {
		d.ready.Store(true)
	}

	pidPath := filepath.Join(d.cfg.InboxPath, pidFileName)
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	defer os.Remove(pidPath)

	srv := d.newHTTPServer()
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	d.logger.WithFields(logrus.Fields{
		"inbox":         d.cfg.InboxPath,
		"metrics_port":  d.cfg.MetricsPort,
		"max_concurrent": d.cfg.MaxConcurrent,
		"cooldown":      d.cfg.Cooldown(),
	}).Info("ingestd starting")

	loopErr := make(chan error, 1)
	go func() { loopErr <- d.loop.Run(ctx) }()

	select {
	case err := <-serverErr:
		return fmt.Errorf("metrics server: %w", err)
	case err := <-loopErr:
		return err
	}
}

func (d *Daemon) newHTTPServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", d.cfg.MetricsPort),
		Handler: mux,
	}
}

// acquirePIDLock writes the current PID to path, refusing to start if
// another live process already holds it. A PID file left behind by a
// crashed process (no such process running) is treated as stale and
// overwritten.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another ingestd instance is running (PID %d)", pid)
				}
			}
		}
		os.Remove(path)
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}
