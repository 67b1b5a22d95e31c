package daemon

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// pollDefault is the polling interval used when fsnotify cannot be
// initialized (e.g. inotify watch limits exhausted).
const pollDefault = 5 * time.Second

// eventWatcher recursively watches the inbox root with fsnotify and
// feeds every write under a {tenant}/{study} folder into a Tracker.
// New subdirectories are watched as they're created, so the tree
// doesn't need to be fully populated at startup.
type eventWatcher struct {
	root    string
	tracker *Tracker
	logger  *logrus.Logger
	fsw     *fsnotify.Watcher
}

func newEventWatcher(root string, tracker *Tracker, logger *logrus.Logger) (*eventWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &eventWatcher{root: root, tracker: tracker, logger: logger, fsw: fsw}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *eventWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// run blocks until ctx is cancelled or the watcher's channels close.
func (w *eventWatcher) run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}

func (w *eventWatcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.WithError(err).WithField("dir", event.Name).Warn("failed to watch new directory")
			}
		}
	}

	if folder, tenant, ok := studyFolderFor(w.root, event.Name); ok {
		w.tracker.Note(folder, tenant)
	}
}

// studyFolderFor maps an absolute path under root to the study folder
// and tenant it belongs to. A path is only eligible two levels below
// root: root/{tenant}/{study}/... An event directly in root or in a
// tenant directory (no study folder yet) is ignored.
func studyFolderFor(root, path string) (folder, tenant string, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", "", false
	}

	tenant = parts[0]
	folder = filepath.Join(root, parts[0], parts[1])
	return folder, tenant, true
}

// pollWatcher is the polling fallback for filesystems where fsnotify
// is unavailable. It notes a study folder only when the newest
// modification time under it has advanced since the previous poll, so
// a folder that has stopped changing still ages out of its cooldown.
type pollWatcher struct {
	root     string
	tracker  *Tracker
	interval time.Duration
	lastSeen map[string]time.Time
}

func newPollWatcher(root string, tracker *Tracker, interval time.Duration) *pollWatcher {
	if interval <= 0 {
		interval = pollDefault
	}
	return &pollWatcher{root: root, tracker: tracker, interval: interval, lastSeen: make(map[string]time.Time)}
}

func (w *pollWatcher) run(ctx context.Context) {
	w.scan()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *pollWatcher) scan() {
	tenants, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		tenantPath := filepath.Join(w.root, tenant.Name())
		studies, err := os.ReadDir(tenantPath)
		if err != nil {
			continue
		}
		for _, study := range studies {
			if !study.IsDir() {
				continue
			}
			studyPath := filepath.Join(tenantPath, study.Name())
			newest := latestModTime(studyPath)
			if newest.IsZero() {
				continue
			}
			if prev, seen := w.lastSeen[studyPath]; !seen || newest.After(prev) {
				w.lastSeen[studyPath] = newest
				w.tracker.Note(studyPath, tenant.Name())
			}
		}
	}
}

func latestModTime(dir string) time.Time {
	var latest time.Time
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest
}
