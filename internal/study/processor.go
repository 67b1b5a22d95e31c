package study

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinicgrid/ingestd/internal/dicomfile"
	"github.com/clinicgrid/ingestd/internal/metrics"
	"github.com/clinicgrid/ingestd/internal/upload"
)

// Processor runs the per-folder import pipeline: discover instances,
// mutate and upload each one, classify the outcome, and relocate the
// folder into the processed or failed tree.
type Processor struct {
	uploader      *upload.Uploader
	tokens        upload.TokenSource
	metrics       *metrics.Metrics
	logger        *logrus.Logger
	processedRoot string
	failedRoot    string
}

// NewProcessor builds a Processor. tokens is consulted once per HTTP
// upload attempt, retries included; in anonymous-auth deployments it should be a source
// that always reports ok=false.
func NewProcessor(uploader *upload.Uploader, tokens upload.TokenSource, m *metrics.Metrics, logger *logrus.Logger, processedRoot, failedRoot string) *Processor {
	return &Processor{
		uploader:      uploader,
		tokens:        tokens,
		metrics:       m,
		logger:        logger,
		processedRoot: processedRoot,
		failedRoot:    failedRoot,
	}
}

// Process imports one study folder for tenant (the clinic identifier
// stamped into the DICOM InstitutionName attribute) and moves it into
// the processed or failed tree. It never returns an error: every
// failure mode is recorded as an Outcome and, where applicable, an
// error.json sibling of the relocated folder.
func (p *Processor) Process(ctx context.Context, folder, tenant string) Outcome {
	p.metrics.ActiveImports.Inc()
	defer p.metrics.ActiveImports.Dec()

	start := time.Now()
	result := p.runSafely(ctx, folder, tenant)
	elapsed := time.Since(start)

	p.metrics.ImportDuration.WithLabelValues(tenant).Observe(elapsed.Seconds())
	p.metrics.ImportsTotal.WithLabelValues(tenant, string(result.Outcome)).Inc()
	if result.Successes > 0 {
		p.metrics.InstancesUploadedTotal.WithLabelValues(tenant).Add(float64(result.Successes))
	}

	log := p.logger.WithFields(logrus.Fields{
		"study_folder": filepath.Base(folder),
		"clinic_id":    tenant,
		"outcome":      result.Outcome,
		"successes":    result.Successes,
		"failures":     len(result.Errors),
		"duration_ms":  elapsed.Milliseconds(),
	})
	switch result.Outcome {
	case OutcomeSuccess:
		log.Info("study imported")
	case OutcomePartial:
		log.Warn("study imported with partial failures")
	default:
		log.WithField("reason", result.Reason).Error("study import failed")
	}

	p.finalize(folder, tenant, result)
	return result.Outcome
}

// runSafely recovers from anything escaping run so that a single bad
// folder degrades to an OutcomeError instead of taking down the
// worker that drew it.
func (p *Processor) runSafely(ctx context.Context, folder, tenant string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Outcome: OutcomeError, Reason: fmt.Sprintf("panic during import: %v", r)}
		}
	}()
	return p.run(ctx, folder, tenant)
}

func (p *Processor) run(ctx context.Context, folder, tenant string) Result {
	files, err := discoverInstances(folder)
	if err != nil {
		return Result{Outcome: OutcomeError, Reason: fmt.Sprintf("discovery failed: %v", err)}
	}
	if len(files) == 0 {
		return Result{Outcome: OutcomeFailed, Reason: "no DICOM instances found in study folder"}
	}

	var successes int
	var errs []InstanceError
	for _, path := range files {
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			rel = filepath.Base(path)
		}

		if uploadErr := p.uploadOne(ctx, path, tenant); uploadErr != nil {
			errs = append(errs, InstanceError{File: rel, Error: uploadErr.Error()})
			p.logger.WithFields(logrus.Fields{
				"study_folder": filepath.Base(folder),
				"clinic_id":    tenant,
				"file":         rel,
			}).WithError(uploadErr).Warn("instance upload failed")
			continue
		}
		successes++
	}

	switch {
	case successes > 0 && len(errs) == 0:
		return Result{Outcome: OutcomeSuccess, Successes: successes}
	case successes > 0:
		return Result{Outcome: OutcomePartial, Successes: successes, Errors: errs}
	default:
		return Result{Outcome: OutcomeFailed, Reason: "every instance in the study failed to upload", Errors: errs}
	}
}

// uploadOne parses, mutates, and uploads a single instance, logging
// its SOP Instance UID and content hash for traceability. Those two
// fields are log-only: the persisted error record carries only file
// and error, per the fixed schema.
func (p *Processor) uploadOne(ctx context.Context, path, tenant string) error {
	inst, err := dicomfile.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid DICOM file: %w", err)
	}

	if err := inst.SetInstitutionName(tenant); err != nil {
		return fmt.Errorf("set institution name: %w", err)
	}

	var buf bytes.Buffer
	if err := inst.WriteTo(&buf); err != nil {
		return fmt.Errorf("re-encode instance: %w", err)
	}

	sum := contentHash(buf.Bytes())
	p.logger.WithFields(logrus.Fields{
		"sop_instance_uid": inst.SOPInstanceUID(),
		"content_sha256":   sum,
		"clinic_id":        tenant,
	}).Debug("uploading instance")

	uploadStart := time.Now()
	result := p.uploader.Upload(ctx, buf.Bytes(), filepath.Base(path), p.tokens)
	p.metrics.UploadDuration.Observe(time.Since(uploadStart).Seconds())

	if !result.OK {
		return fmt.Errorf("%s", result.Reason)
	}
	return nil
}

// finalize relocates folder into the processed or failed tree
// depending on outcome, and, for a quarantined study, writes the
// error.json sibling. A failure to move the folder is logged and
// leaves the folder in place in the inbox. Nothing re-queues it: it is
// picked up again only when a new filesystem change under it or the
// startup rescan notes it.
func (p *Processor) finalize(folder, tenant string, result Result) {
	root := p.processedRoot
	quarantine := result.Outcome == OutcomeFailed || result.Outcome == OutcomeError
	if quarantine {
		root = p.failedRoot
	}

	dest, err := moveStudy(folder, root, tenant)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"study_folder": filepath.Base(folder),
			"clinic_id":    tenant,
		}).WithError(err).Error("failed to relocate study folder; left in place in the inbox")
		return
	}

	if !quarantine {
		return
	}

	record := buildErrorRecord(tenant, filepath.Base(folder), result)
	if err := writeErrorRecord(dest, record); err != nil {
		p.logger.WithFields(logrus.Fields{
			"study_folder": filepath.Base(dest),
			"clinic_id":    tenant,
		}).WithError(err).Error("failed to write error record")
	}
}
