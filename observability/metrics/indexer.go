package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type IndexerMetrics struct {
	eventsIngested *prometheus.CounterVec
	eventsSkipped  *prometheus.CounterVec
	storeFailures  *prometheus.CounterVec
	reconnects     prometheus.Counter
	cursor         prometheus.Gauge
}

var (
	indexerOnce     sync.Once
	indexerRegistry *IndexerMetrics
)

func Indexer() *IndexerMetrics {
	indexerOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fundindexer_events_ingested_total",
				Help: "Count of ledger events persisted by type.",
			}, []string{"type"}),
			eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fundindexer_events_skipped_total",
				Help: "Count of stream events dropped before persistence by reason.",
			}, []string{"reason"}),
			storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fundindexer_store_failures_total",
				Help: "Number of failed store writes by operation.",
			}, []string{"operation"}),
			reconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fundindexer_stream_reconnects_total",
				Help: "Number of times the event stream was re-established.",
			}),
			cursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fundindexer_cursor",
				Help: "Sequence of the last event durably indexed.",
			}),
		}
		prometheus.MustRegister(
			indexerRegistry.eventsIngested,
			indexerRegistry.eventsSkipped,
			indexerRegistry.storeFailures,
			indexerRegistry.reconnects,
			indexerRegistry.cursor,
		)
	})
	return indexerRegistry
}

func (m *IndexerMetrics) ObserveEventIngested(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsIngested.WithLabelValues(eventType).Inc()
}

func (m *IndexerMetrics) ObserveEventSkipped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.eventsSkipped.WithLabelValues(reason).Inc()
}

func (m *IndexerMetrics) IncStoreFailure(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.storeFailures.WithLabelValues(operation).Inc()
}

func (m *IndexerMetrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *IndexerMetrics) SetCursor(sequence uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(sequence))
}
