package dbstore

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the storage driver's Prometheus collectors. Registration is
// idempotent per process (sync.Once) since tests may construct more than
// one Driver against the default registry.
type metrics struct {
	objectsWritten  prometheus.Counter
	objectsRead     prometheus.Counter
	refCASFailures  prometheus.Counter
	reflogAppended  prometheus.Counter
}

var metricsOnce sync.Once
var singleton *metrics

func newMetrics() *metrics {
	metricsOnce.Do(func() {
		singleton = &metrics{
			objectsWritten: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gitgres_objects_written_total",
				Help: "Objects inserted into the object store (insert-or-ignore; no-ops included).",
			}),
			objectsRead: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gitgres_objects_read_total",
				Help: "Object store read/read-header/read-prefix calls that found a row.",
			}),
			refCASFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gitgres_ref_cas_failures_total",
				Help: "Ref updates rejected for a compare-and-swap mismatch (ValueChanged).",
			}),
			reflogAppended: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gitgres_reflog_entries_total",
				Help: "Reflog rows appended alongside a ref update.",
			}),
		}
		for _, c := range []prometheus.Collector{
			singleton.objectsWritten,
			singleton.objectsRead,
			singleton.refCASFailures,
			singleton.reflogAppended,
		} {
			// Ignore AlreadyRegisteredError: a second Driver in the same
			// process shares the first one's collectors.
			if err := prometheus.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					_ = are
					continue
				}
			}
		}
	})
	return singleton
}
