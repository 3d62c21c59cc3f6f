// Package metrics is the process-wide metrics facade used by the pipeline.
//
// Core code only talks to this package; concrete backends (e.g. datadog)
// implement Backend and are installed once at startup with SetBackend. The
// default backend discards everything, so libraries and tests never need to
// configure metrics.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions, e.g. {"step": "intern", "status": "ok"}.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names emitted by the pipeline.
const (
	StepTotal        = "sceneetl_step_total"
	StepDuration     = "sceneetl_step_duration_seconds"
	RecordsTotal     = "sceneetl_records_total"
	DimensionEntries = "sceneetl_dimension_entries_total"
	GatewayFallbacks = "sceneetl_gateway_fallbacks_total"
	DocumentsTotal   = "sceneetl_documents_total"
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the nop
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the installed backend to submit buffered data.
func Flush() error {
	return current().Flush()
}

// RecordStep records one pipeline step: a counter and a duration sample,
// both labelled with the step name and ok/error status.
func RecordStep(step string, start time.Time, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDuration, time.Since(start).Seconds(), l)
}

// RecordRecords counts records of a kind (e.g. "extracted", "persisted").
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordDimensionEntries counts newly minted entries for a dimension.
func RecordDimensionEntries(dimension string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(DimensionEntries, float64(n), Labels{"dimension": dimension})
}

// RecordGatewayFallback counts a failed lookup that was treated as empty.
func RecordGatewayFallback(dimension string) {
	IncCounter(GatewayFallbacks, 1, Labels{"dimension": dimension})
}

// RecordDocument counts one processed document by outcome.
func RecordDocument(err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	IncCounter(DocumentsTotal, 1, Labels{"status": status})
}
