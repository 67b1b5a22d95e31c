package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinicgrid/ingestd/internal/metrics"
	"github.com/clinicgrid/ingestd/internal/study"
)

// tickInterval is how often the loop drains the readiness tracker.
const tickInterval = 5 * time.Second

// IngestionLoop wires filesystem events and a ticker into the
// Readiness Tracker, dispatching drained folders to a bounded worker
// pool (C5).
type IngestionLoop struct {
	root      string
	cooldown  time.Duration
	workers   int
	processor *study.Processor
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	tracker   *Tracker
}

// NewIngestionLoop builds a loop over root (the inbox directory),
// draining folders quiet for cooldown to workers-many concurrent
// processor runs.
func NewIngestionLoop(root string, cooldown time.Duration, workers int, processor *study.Processor, m *metrics.Metrics, logger *logrus.Logger) *IngestionLoop {
	return &IngestionLoop{
		root:      root,
		cooldown:  cooldown,
		workers:   workers,
		processor: processor,
		metrics:   m,
		logger:    logger,
		tracker:   NewTracker(),
	}
}

// Run blocks until ctx is cancelled and then returns nil; a watcher
// that cannot start falls back to polling rather than ending Run. It
// always drains in-flight workers before returning.
func (l *IngestionLoop) Run(ctx context.Context) error {
	startupTime := time.Now()
	l.rescanAt(startupTime)

	dispatch := make(chan ReadyFolder, l.workers*4)
	var wg sync.WaitGroup
	for i := 0; i < l.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for folder := range dispatch {
				l.processor.Process(ctx, folder.Path, folder.Tenant)
			}
		}()
	}
	defer func() {
		close(dispatch)
		wg.Wait()
	}()

	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	defer cancelWatcher()

	ew, err := newEventWatcher(l.root, l.tracker, l.logger)
	if err != nil {
		l.logger.WithError(err).Warn("fsnotify unavailable, falling back to directory polling")
		pw := newPollWatcher(l.root, l.tracker, pollDefault)
		go pw.run(watcherCtx)
	} else {
		go func() {
			if runErr := ew.run(watcherCtx); runErr != nil {
				l.logger.WithError(runErr).Error("event watcher exited")
			}
		}()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, folder := range l.tracker.Drain(time.Now(), l.cooldown) {
				if _, err := os.Stat(folder.Path); err != nil {
					continue
				}
				select {
				case dispatch <- folder:
				case <-ctx.Done():
					return nil
				}
			}
			l.metrics.PendingImports.Set(float64(l.tracker.Pending()))
		}
	}
}

// rescanAt enumerates every existing {tenant}/{study} folder under
// root and stamps it with at, so the first drain happens one cooldown
// after startup rather than immediately swallowing folders that were
// already mid-write when the daemon started.
func (l *IngestionLoop) rescanAt(at time.Time) {
	tenants, err := os.ReadDir(l.root)
	if err != nil {
		return
	}
	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		tenantPath := filepath.Join(l.root, tenant.Name())
		studies, err := os.ReadDir(tenantPath)
		if err != nil {
			continue
		}
		for _, s := range studies {
			if !s.IsDir() {
				continue
			}
			l.tracker.NoteAt(filepath.Join(tenantPath, s.Name()), tenant.Name(), at)
		}
	}
}
