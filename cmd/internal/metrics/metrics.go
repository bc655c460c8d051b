// Package metrics exposes Prometheus instruments for the tontine service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tontine/cmd/internal/tontine"
)

const namespace = "tontine"

// Recorder implements tontine.OperationObserver and counts dropped events.
type Recorder struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	dropped       *prometheus.CounterVec
	overdueMarked prometheus.Counter
}

var _ tontine.OperationObserver = (*Recorder)(nil)

// NewRecorder registers the instruments on reg. Passing a fresh prometheus.NewRegistry keeps tests isolated.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and result kind.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including conflict retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"op"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because the delivery queue was full or stopped.",
		}, []string{"type"}),
		overdueMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contributions_marked_late_total",
			Help:      "Contributions moved to LATE by the overdue sweeper.",
		}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.latency, r.dropped, r.overdueMarked} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterRuntime adds the Go runtime and process collectors.
func RegisterRuntime(reg prometheus.Registerer) error {
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func (r *Recorder) ObserveOperation(op string, err error, elapsed time.Duration) {
	r.operations.WithLabelValues(op, tontine.ErrorKind(err)).Inc()
	r.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// EventDropped matches notify.WithOnDrop.
func (r *Recorder) EventDropped(ev tontine.Event) {
	r.dropped.WithLabelValues(string(ev.Type)).Inc()
}

// OverdueMarked adds n contributions flagged by a sweep.
func (r *Recorder) OverdueMarked(n int) {
	if n > 0 {
		r.overdueMarked.Add(float64(n))
	}
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
