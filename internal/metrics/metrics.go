// Package metrics registers the Prometheus collectors the ingestion
// pipeline exposes, per spec §6's metrics surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the pipeline writes to, registered
// against a private registry so repeated construction in tests never
// collides with prometheus.DefaultRegisterer.
type Metrics struct {
	Registry *prometheus.Registry

	ImportsTotal           *prometheus.CounterVec
	InstancesUploadedTotal *prometheus.CounterVec
	ImportDuration         *prometheus.HistogramVec
	UploadDuration         prometheus.Histogram
	PendingImports         prometheus.Gauge
	ActiveImports          prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ImportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom_imports_total",
			Help: "Total number of study import attempts by clinic and outcome.",
		}, []string{"clinic_id", "status"}),
		InstancesUploadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom_instances_uploaded_total",
			Help: "Total number of DICOM instances successfully uploaded by clinic.",
		}, []string{"clinic_id"}),
		ImportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dicom_import_duration_seconds",
			Help:    "Duration of whole-study imports by clinic.",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"clinic_id"}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dicom_upload_duration_seconds",
			Help:    "Duration of individual STOW-RS upload requests.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		PendingImports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dicom_pending_imports",
			Help: "Number of study folders awaiting cooldown expiry.",
		}),
		ActiveImports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dicom_active_imports",
			Help: "Number of study folders currently being processed.",
		}),
	}

	reg.MustRegister(
		m.ImportsTotal,
		m.InstancesUploadedTotal,
		m.ImportDuration,
		m.UploadDuration,
		m.PendingImports,
		m.ActiveImports,
	)

	return m
}
