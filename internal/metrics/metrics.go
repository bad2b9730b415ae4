// Package metrics exposes reconciliation counters and timings in the
// Prometheus format.
package metrics

import (
	"errors"
	"net/http"
	"time"

	gometrics "github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"multijob/internal/domain"
)

// Metrics owns its registry so several services can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	operations gometrics.LabeledTimer
	runs       gometrics.LabeledCounter
	subJobs    gometrics.LabeledCounter
	failures   gometrics.LabeledCounter
	warnings   gometrics.Counter
}

func New() *Metrics {
	ns := gometrics.NewNamespace("multijob", "reconcile", nil)
	m := &Metrics{
		Registry:   prometheus.NewRegistry(),
		operations: ns.NewLabeledTimer("operations", "The number of seconds it takes to process each pipeline operation", "mode"),
		runs:       ns.NewLabeledCounter("runs", "The number of completed pipeline operations", "mode", "outcome"),
		subJobs:    ns.NewLabeledCounter("subjobs", "The number of sub-jobs changed by pipeline operations", "action"),
		failures:   ns.NewLabeledCounter("failures", "The number of failed pipeline operations", "mode", "reason"),
		warnings:   ns.NewCounter("warnings", "The number of warnings raised while reconciling"),
	}
	m.Registry.MustRegister(ns)
	return m
}

// Outcome is what a finished operation reports to ObserveRun.
type Outcome struct {
	Mode     string
	NoOp     bool
	Added    int
	Deleted  int
	Repaired int
	Warnings int
	Err      error
}

// ObserveRun records one finished operation started at start.
func (m *Metrics) ObserveRun(o Outcome, start time.Time) {
	if m == nil {
		return
	}
	m.operations.WithValues(o.Mode).UpdateSince(start)
	if o.Err != nil {
		m.failures.WithValues(o.Mode, reason(o.Err)).Inc()
		return
	}
	outcome := domain.OutcomeNoop
	if o.Added+o.Deleted+o.Repaired > 0 {
		outcome = domain.OutcomeApplied
	}
	m.runs.WithValues(o.Mode, outcome).Inc()
	if o.Added > 0 {
		m.subJobs.WithValues("added").Inc(float64(o.Added))
	}
	if o.Deleted > 0 {
		m.subJobs.WithValues("deleted").Inc(float64(o.Deleted))
	}
	if o.Repaired > 0 {
		m.subJobs.WithValues("repaired").Inc(float64(o.Repaired))
	}
	if o.Warnings > 0 {
		m.warnings.Inc(float64(o.Warnings))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func reason(err error) string {
	var (
		invalid  domain.InvalidDescriptorError
		notFound domain.ProjectNotFoundError
		exists   domain.JobAlreadyExistsError
	)
	switch {
	case errors.As(err, &invalid):
		return "invalid_descriptor"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &exists):
		return "already_exists"
	default:
		return "internal"
	}
}
