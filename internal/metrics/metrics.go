// Package metrics exposes the Prometheus counters for history sync and audio caching.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gita"

// Metrics groups the collectors. A nil *Metrics records nothing, so
// components can be built without a registry in tests.
type Metrics struct {
	remoteOps       *prometheus.CounterVec
	columnFallbacks prometheus.Counter
	snapshotEvents  *prometheus.CounterVec
	audioLookups    *prometheus.CounterVec
	synthFailures   prometheus.Counter
	dispatcherDrops prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		remoteOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "operations_total",
			Help:      "Remote session store operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		columnFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "audio_column_fallbacks_total",
			Help:      "Message upserts retried without the audio_data column.",
		}),
		snapshotEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "events_total",
			Help:      "Local snapshot recoveries (reset on corruption, shrink on quota).",
		}, []string{"event"}),
		audioLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "lookups_total",
			Help:      "Audio resolution by source: message, cache or synthesized.",
		}, []string{"source"}),
		synthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "synthesis_failures_total",
			Help:      "Speech synthesis calls that failed or returned unusable audio.",
		}),
		dispatcherDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "skipped_total",
			Help:      "Background syncs skipped because the dispatcher was saturated.",
		}),
	}
	reg.MustRegister(m.remoteOps, m.columnFallbacks, m.snapshotEvents, m.audioLookups, m.synthFailures, m.dispatcherDrops)
	return m
}

func (m *Metrics) RemoteOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.remoteOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ColumnFallback() {
	if m == nil {
		return
	}
	m.columnFallbacks.Inc()
}

func (m *Metrics) SnapshotReset() {
	if m == nil {
		return
	}
	m.snapshotEvents.WithLabelValues("reset").Inc()
}

func (m *Metrics) SnapshotShrink() {
	if m == nil {
		return
	}
	m.snapshotEvents.WithLabelValues("shrink").Inc()
}

func (m *Metrics) AudioLookup(source string) {
	if m == nil {
		return
	}
	m.audioLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) SynthesisFailure() {
	if m == nil {
		return
	}
	m.synthFailures.Inc()
}

func (m *Metrics) SyncSkipped() {
	if m == nil {
		return
	}
	m.dispatcherDrops.Inc()
}

// RegisterQueue exposes background sync queue gauges read from stats at
// scrape time.
func RegisterQueue(reg prometheus.Registerer, stats func() (running, idle, queued int)) {
	gauge := func(name, help string, pick func(r, i, q int) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      name,
			Help:      help,
		}, func() float64 {
			r, i, q := stats()
			return float64(pick(r, i, q))
		})
	}
	reg.MustRegister(
		gauge("workers", "Background sync workers alive.", func(r, _, _ int) int { return r }),
		gauge("idle_workers", "Background sync workers waiting for work.", func(_, i, _ int) int { return i }),
		gauge("queued_jobs", "Background syncs accepted but not yet started.", func(_, _, q int) int { return q }),
	)
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
