package daemon

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/clinicgrid/ingestd/internal/metrics"
	"github.com/clinicgrid/ingestd/internal/study"
	"github.com/clinicgrid/ingestd/internal/upload"
)

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func writeTestInstance(t *testing.T, path string) {
	t.Helper()
	elem, err := dicom.NewElement(tag.SOPInstanceUID, []string{"1.2.3.4"})
	if err != nil {
		t.Fatalf("NewElement: %v", err)
	}
	ds := dicom.Dataset{Elements: []*dicom.Element{elem}}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := dicom.Write(f, ds); err != nil {
		t.Fatalf("dicom.Write: %v", err)
	}
}

func TestIngestionLoopDrainsAndProcessesAfterCooldown(t *testing.T) {
	var uploaded int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root := t.TempDir()
	processedRoot := t.TempDir()
	failedRoot := t.TempDir()

	studyDir := filepath.Join(root, "clinicA", "study1")
	os.MkdirAll(studyDir, 0o750)
	writeTestInstance(t, filepath.Join(studyDir, "a.dcm"))

	u := upload.New(srv.URL, 0, time.Millisecond)
	m := metrics.New()
	processor := study.NewProcessor(u, func(ctx context.Context) (string, bool) { return "", false }, m, silentLogger(), processedRoot, failedRoot)

	loop := NewIngestionLoop(root, 50*time.Millisecond, 2, processor, m, silentLogger())

	// The loop drains only on its tickInterval ticker, so allow at
	// least one tick past the 50ms cooldown.
	ctx, cancel := context.WithTimeout(context.Background(), tickInterval+5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.Now().Add(tickInterval + 3*time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(studyDir); os.IsNotExist(err) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if _, err := os.Stat(studyDir); !os.IsNotExist(err) {
		t.Fatal("expected study folder to be relocated out of the inbox")
	}
	dest := filepath.Join(processedRoot, "clinicA", time.Now().Format("2006-01-02"), "study1")
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected processed study at %s: %v", dest, err)
	}
}

func TestIngestionLoopSkipsFolderThatNoLongerExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root := t.TempDir()
	processedRoot := t.TempDir()
	failedRoot := t.TempDir()

	u := upload.New(srv.URL, 0, time.Millisecond)
	m := metrics.New()
	processor := study.NewProcessor(u, func(ctx context.Context) (string, bool) { return "", false }, m, silentLogger(), processedRoot, failedRoot)

	loop := NewIngestionLoop(root, 20*time.Millisecond, 2, processor, m, silentLogger())
	loop.tracker.Note(filepath.Join(root, "clinicA", "vanished"), "clinicA")

	// Run long enough for one tickInterval drain to reach the vanished folder.
	ctx, cancel := context.WithTimeout(context.Background(), tickInterval+time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	<-done

	entries, _ := os.ReadDir(processedRoot)
	if len(entries) != 0 {
		t.Errorf("expected no processed output for a vanished folder, got %v", entries)
	}
	entries, _ = os.ReadDir(failedRoot)
	if len(entries) != 0 {
		t.Errorf("expected no failed output for a vanished folder, got %v", entries)
	}
}
