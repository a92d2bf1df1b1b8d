package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "liquidator"

var (
	indexerMetricsOnce sync.Once
	indexerRegistry    *IndexerMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	storageMetricsOnce sync.Once
	storageRegistry    *StorageMetrics
)

// IndexerMetrics bundles collectors tracking event-stream ingestion.
type IndexerMetrics struct {
	events  *prometheus.CounterVec
	dropped prometheus.Counter
	enrich  prometheus.Histogram
}

// Indexer returns the lazily-initialised indexer metrics registry.
func Indexer() *IndexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "events_total",
				Help:      "Count of stream events segmented by processing outcome.",
			}, []string{"outcome"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "channel_dropped_total",
				Help:      "Count of position updates dropped because the engine channel was full.",
			}),
			enrich: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "enrich_duration_seconds",
				Help:      "Latency distribution for per-event on-chain enrichment.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			indexerRegistry.events,
			indexerRegistry.dropped,
			indexerRegistry.enrich,
		)
	})
	return indexerRegistry
}

// RecordEvent increments the event counter for the supplied outcome. Outcomes
// should be stable strings such as "published", "extension", "unknown_asset",
// "closed", or "decode_error" so dashboards stay consistent.
func (m *IndexerMetrics) RecordEvent(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unspecified"
	}
	m.events.WithLabelValues(outcome).Inc()
}

// RecordDrop counts a fire-and-forget channel send that found the buffer full.
func (m *IndexerMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// ObserveEnrich records the latency of one event's enrichment round-trip.
func (m *IndexerMetrics) ObserveEnrich(d time.Duration) {
	if m == nil {
		return
	}
	m.enrich.Observe(d.Seconds())
}

// OracleMetrics bundles collectors tracking price refresh health.
type OracleMetrics struct {
	refreshes *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	prices    *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the price service.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "refreshes_total",
				Help:      "Count of per-asset price refreshes segmented by source and outcome.",
			}, []string{"source", "ticker", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "refresh_duration_seconds",
				Help:      "Latency distribution for full refresh passes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
			prices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "usd_price",
				Help:      "Last stored USD price per tracked ticker.",
			}, []string{"ticker"}),
		}
		prometheus.MustRegister(
			oracleRegistry.refreshes,
			oracleRegistry.latency,
			oracleRegistry.prices,
		)
	})
	return oracleRegistry
}

// RecordRefresh counts one per-asset refresh attempt.
func (m *OracleMetrics) RecordRefresh(source, ticker string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(labelSource(source), labelTicker(ticker), outcome).Inc()
}

// ObservePass records the duration of a full refresh pass.
func (m *OracleMetrics) ObservePass(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(labelSource(source)).Observe(d.Seconds())
}

// SetPrice publishes the freshly stored USD price for a ticker.
func (m *OracleMetrics) SetPrice(ticker string, price float64) {
	if m == nil {
		return
	}
	m.prices.WithLabelValues(labelTicker(ticker)).Set(price)
}

// EngineMetrics wraps collectors tracking sweep and liquidation activity.
type EngineMetrics struct {
	tracked      prometheus.Gauge
	sweeps       prometheus.Counter
	sweepLatency prometheus.Histogram
	liquidatable prometheus.Counter
	attempts     *prometheus.CounterVec
	attemptTime  prometheus.Histogram
	errors       *prometheus.CounterVec
}

// Engine exposes the metrics registry for the monitoring engine.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			tracked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "positions_tracked",
				Help:      "Number of positions currently held in the store.",
			}),
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "sweeps_total",
				Help:      "Count of completed eligibility sweeps.",
			}),
			sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "sweep_duration_seconds",
				Help:      "Latency distribution for full sweeps.",
				Buckets:   prometheus.DefBuckets,
			}),
			liquidatable: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "liquidatable_total",
				Help:      "Count of positions found liquidatable across sweeps.",
			}),
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "attempts_total",
				Help:      "Count of liquidation attempts segmented by result.",
			}, []string{"result"}),
			attemptTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "attempt_duration_seconds",
				Help:      "Latency distribution for liquidation attempts submit-to-finality.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of engine failures segmented by stage and reason.",
			}, []string{"stage", "reason"}),
		}
		prometheus.MustRegister(
			engineRegistry.tracked,
			engineRegistry.sweeps,
			engineRegistry.sweepLatency,
			engineRegistry.liquidatable,
			engineRegistry.attempts,
			engineRegistry.attemptTime,
			engineRegistry.errors,
		)
	})
	return engineRegistry
}

// SetTracked publishes the current store size.
func (m *EngineMetrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}

// ObserveSweep records one completed sweep and its duration.
func (m *EngineMetrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepLatency.Observe(d.Seconds())
}

// RecordLiquidatable counts a position crossing the eligibility threshold.
func (m *EngineMetrics) RecordLiquidatable() {
	if m == nil {
		return
	}
	m.liquidatable.Inc()
}

// RecordAttempt counts a finished liquidation attempt. Results should be
// stable strings: "confirmed", "reverted", "benign_race", "skipped_profit",
// or "error".
func (m *EngineMetrics) RecordAttempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "unspecified"
	}
	m.attempts.WithLabelValues(result).Inc()
	m.attemptTime.Observe(d.Seconds())
}

// RecordError increments the failure counter for the supplied stage.
func (m *EngineMetrics) RecordError(stage, reason string) {
	if m == nil {
		return
	}
	if stage = strings.TrimSpace(stage); stage == "" {
		stage = "unknown"
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(stage, reason).Inc()
}

// StorageMetrics tracks snapshot persistence health.
type StorageMetrics struct {
	saves   *prometheus.CounterVec
	latency prometheus.Histogram
}

// Storage returns the metrics registry for the snapshot backend.
func Storage() *StorageMetrics {
	storageMetricsOnce.Do(func() {
		storageRegistry = &StorageMetrics{
			saves: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "saves_total",
				Help:      "Count of snapshot writes segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "save_duration_seconds",
				Help:      "Latency distribution for snapshot writes.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(storageRegistry.saves, storageRegistry.latency)
	})
	return storageRegistry
}

// ObserveSave records one snapshot write.
func (m *StorageMetrics) ObserveSave(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.saves.WithLabelValues(outcome).Inc()
	m.latency.Observe(d.Seconds())
}

func labelTicker(ticker string) string {
	trimmed := strings.TrimSpace(ticker)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelSource(source string) string {
	trimmed := strings.TrimSpace(strings.ToLower(source))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
