package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/jobdriver/pkg/models"
)

// Dispatch outcomes
const (
	OutcomeHandled   = "handled"
	OutcomeUnbound   = "unbound"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Recorder holds the driver's Prometheus collectors. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	phase            *prometheus.GaugeVec
	entities         *prometheus.GaugeVec
	commandsTotal    *prometheus.CounterVec
	journalDropped   prometheus.Counter
}

// NewRecorder creates a recorder backed by its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_events_total",
				Help: "Lifecycle events delivered to the dispatcher by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driver_dispatch_duration_seconds",
				Help:    "Time spent inside bound handlers",
				Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
			},
			[]string{"kind"},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "driver_job_phase",
				Help: "1 for the job's current phase, 0 otherwise",
			},
			[]string{"phase"},
		),
		entities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "driver_job_entities",
				Help: "Evaluators, contexts and tasks currently tracked by the job",
			},
			[]string{"type"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_commands_total",
				Help: "Operator commands by result",
			},
			[]string{"result"},
		),
		journalDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driver_journal_dropped_total",
				Help: "Journal entries dropped because the writer queue was full",
			},
		),
	}

	r.registry.MustRegister(
		r.eventsTotal,
		r.dispatchDuration,
		r.phase,
		r.entities,
		r.commandsTotal,
		r.journalDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch counts one dispatch call
func (r *Recorder) ObserveDispatch(kind models.EventKind, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.eventsTotal.WithLabelValues(string(kind), outcome).Inc()
	if outcome == OutcomeHandled || outcome == OutcomeFailed {
		r.dispatchDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}
}

// SetState publishes the job phase and entity counts
func (r *Recorder) SetState(snap models.Snapshot) {
	if r == nil {
		return
	}
	for _, p := range []models.Phase{
		models.PhaseStarting, models.PhaseRunning, models.PhaseStopping,
		models.PhaseStopped, models.PhaseFailed,
	} {
		v := 0.0
		if p == snap.Phase {
			v = 1
		}
		r.phase.WithLabelValues(string(p)).Set(v)
	}
	r.entities.WithLabelValues("evaluators").Set(float64(len(snap.Evaluators)))
	r.entities.WithLabelValues("contexts").Set(float64(len(snap.Contexts)))
	r.entities.WithLabelValues("running_tasks").Set(float64(len(snap.RunningTasks)))
	r.entities.WithLabelValues("completed_tasks").Set(float64(len(snap.CompletedTasks)))
}

// CommandResult counts an operator command outcome
func (r *Recorder) CommandResult(result string) {
	if r == nil {
		return
	}
	r.commandsTotal.WithLabelValues(result).Inc()
}

// JournalDropped counts a dropped journal entry
func (r *Recorder) JournalDropped() {
	if r == nil {
		return
	}
	r.journalDropped.Inc()
}

// WriteTextfile writes the driver_ families to path in the text exposition
// format, for node_exporter's textfile collector. The file is replaced
// atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "driver_") {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
