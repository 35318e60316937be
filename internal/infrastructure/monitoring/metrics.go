// Package monitoring exposes Prometheus metrics for the session core.
//
// No HTTP exposition lives here; embedders mount the registry they pass in
// (or the default one) on whatever surface they already serve.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all session core metrics.
type Metrics struct {
	// Registry metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEvicted prometheus.Counter
	SessionsDeleted prometheus.Counter
	EngineInits     *prometheus.CounterVec

	// Store metrics
	SessionsSaved  prometheus.Counter
	SessionsLoaded prometheus.Counter
	LoadFailures   prometheus.Counter
	CleanupDeleted prometheus.Counter

	// Snapshot / rollback metrics
	CheckpointsCaptured prometheus.Counter
	CheckpointsEvicted  prometheus.Counter
	FilesRestored       prometheus.Counter
	FilesDeleted        prometheus.Counter
	FileRestoreFailures prometheus.Counter
	RollbackFallbacks   prometheus.Counter
}

// New creates metrics registered on the default Prometheus registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates metrics registered on the given registerer.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate
// registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assistant_sessions_in_memory",
			Help: "Number of sessions currently held in the registry",
		}),
		SessionsCreated: factory("assistant_sessions_created_total", "Total sessions created"),
		SessionsEvicted: factory("assistant_sessions_evicted_total", "Total sessions evicted from memory"),
		SessionsDeleted: factory("assistant_sessions_deleted_total", "Total sessions deleted"),
		EngineInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_engine_inits_total",
			Help: "Engine initializations by outcome",
		}, []string{"outcome"}),

		SessionsSaved:  factory("assistant_sessions_saved_total", "Total session saves"),
		SessionsLoaded: factory("assistant_sessions_loaded_total", "Total sessions loaded from disk"),
		LoadFailures:   factory("assistant_session_load_failures_total", "Sessions skipped during load due to corruption"),
		CleanupDeleted: factory("assistant_sessions_cleaned_total", "Sessions removed by on-disk cleanup"),

		CheckpointsCaptured: factory("assistant_checkpoints_captured_total", "Checkpoints captured"),
		CheckpointsEvicted:  factory("assistant_checkpoints_evicted_total", "Checkpoints evicted from the ring"),
		FilesRestored:       factory("assistant_rollback_files_restored_total", "Files restored by rollback"),
		FilesDeleted:        factory("assistant_rollback_files_deleted_total", "Files deleted by rollback"),
		FileRestoreFailures: factory("assistant_rollback_file_failures_total", "Per-file rollback failures"),
		RollbackFallbacks:   factory("assistant_rollback_fallbacks_total", "Rollbacks that used the editor-undo fallback"),
	}

	reg.MustRegister(m.SessionsActive, m.EngineInits)
	return m
}

// Nop returns metrics backed by an unexported registry, for callers that
// do not care about exposition.
func Nop() *Metrics {
	return NewWith(prometheus.NewRegistry())
}
