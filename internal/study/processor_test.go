package study

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/clinicgrid/ingestd/internal/metrics"
	"github.com/clinicgrid/ingestd/internal/upload"
)

func noTokens(ctx context.Context) (string, bool) { return "", false }

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func writeInstance(t *testing.T, dir, name, sopUID string) {
	t.Helper()
	mustElem := func(tg tag.Tag, vals ...string) *dicom.Element {
		e, err := dicom.NewElement(tg, vals)
		if err != nil {
			t.Fatalf("NewElement(%v): %v", tg, err)
		}
		return e
	}
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustElem(tag.MediaStorageSOPClassUID, "1.2.840.10008.5.1.4.1.1.7"),
		mustElem(tag.MediaStorageSOPInstanceUID, sopUID),
		mustElem(tag.TransferSyntaxUID, "1.2.840.10008.1.2.1"),
		mustElem(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.7"),
		mustElem(tag.SOPInstanceUID, sopUID),
	}}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := dicom.Write(f, ds); err != nil {
		t.Fatalf("dicom.Write: %v", err)
	}
}

func newTestProcessor(t *testing.T, handler http.HandlerFunc) (*Processor, string, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u := upload.New(srv.URL, 0, time.Millisecond)
	m := metrics.New()
	processedRoot := t.TempDir()
	failedRoot := t.TempDir()
	p := NewProcessor(u, noTokens, m, silentLogger(), processedRoot, failedRoot)
	return p, processedRoot, failedRoot
}

func TestProcessAllInstancesSucceed(t *testing.T) {
	p, processedRoot, _ := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	folder := filepath.Join(t.TempDir(), "STUDY_OK")
	os.MkdirAll(folder, 0o750)
	writeInstance(t, folder, "a.dcm", "1.2.3.1")
	writeInstance(t, folder, "b.dcm", "1.2.3.2")

	outcome := p.Process(context.Background(), folder, "clinicA")
	if outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", outcome)
	}
	if _, err := os.Stat(folder); !os.IsNotExist(err) {
		t.Error("source folder should have been relocated")
	}

	dest := filepath.Join(processedRoot, "clinicA", time.Now().Format("2006-01-02"), "STUDY_OK")
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected folder at %s: %v", dest, err)
	}
	if _, err := os.Stat(dest + ".error.json"); !os.IsNotExist(err) {
		t.Error("successful import should not write an error record")
	}

	if got := testutil.ToFloat64(p.metrics.ImportsTotal.WithLabelValues("clinicA", "success")); got != 1 {
		t.Errorf("imports_total{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.metrics.InstancesUploadedTotal.WithLabelValues("clinicA")); got != 2 {
		t.Errorf("instances_uploaded_total = %v, want 2", got)
	}
}

func TestProcessPartialFailureIsFiledAsProcessedWithNoErrorRecord(t *testing.T) {
	var calls int32
	p, processedRoot, _ := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	folder := filepath.Join(t.TempDir(), "STUDY_PARTIAL")
	os.MkdirAll(folder, 0o750)
	writeInstance(t, folder, "a.dcm", "1.2.3.1")
	writeInstance(t, folder, "b.dcm", "1.2.3.2")

	outcome := p.Process(context.Background(), folder, "clinicB")
	if outcome != OutcomePartial {
		t.Fatalf("outcome = %s, want partial", outcome)
	}

	dest := filepath.Join(processedRoot, "clinicB", time.Now().Format("2006-01-02"), "STUDY_PARTIAL")
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected partially-succeeded study under processed root: %v", err)
	}
	if _, err := os.Stat(dest + ".error.json"); !os.IsNotExist(err) {
		t.Error("partial outcome should not write an error record")
	}
}

func TestProcessAllInstancesFailed(t *testing.T) {
	p, _, failedRoot := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	folder := filepath.Join(t.TempDir(), "STUDY_FAIL")
	os.MkdirAll(folder, 0o750)
	writeInstance(t, folder, "a.dcm", "1.2.3.1")

	outcome := p.Process(context.Background(), folder, "clinicC")
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}

	dest := filepath.Join(failedRoot, "clinicC", time.Now().Format("2006-01-02"), "STUDY_FAIL")
	if _, err := os.Stat(dest + ".error.json"); err != nil {
		t.Errorf("expected error record: %v", err)
	}
}

func TestProcessEmptyFolderIsFailedWithNoInstancesReason(t *testing.T) {
	p, _, failedRoot := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	folder := filepath.Join(t.TempDir(), "STUDY_EMPTY")
	os.MkdirAll(folder, 0o750)
	os.WriteFile(filepath.Join(folder, "readme.txt"), []byte("no images here"), 0o644)

	outcome := p.Process(context.Background(), folder, "clinicD")
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}

	dest := filepath.Join(failedRoot, "clinicD", time.Now().Format("2006-01-02"), "STUDY_EMPTY")
	data, err := os.ReadFile(dest + ".error.json")
	if err != nil {
		t.Fatalf("read error record: %v", err)
	}
	var record ErrorRecord
	json.Unmarshal(data, &record)
	if record.Reason == "" {
		t.Error("expected a non-empty reason")
	}
}
