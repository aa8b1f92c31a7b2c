// Package prometheus provides the Prometheus implementations of the pagefs
// metrics interfaces. Importing this package (typically blank-imported from
// the binary) registers the constructors with pkg/metrics.
package prometheus

import (
	"time"

	"github.com/marmos91/pagefs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterPagerMetricsConstructor(newPagerMetrics)
}

// pagerMetrics is the Prometheus implementation of metrics.PagerMetrics.
type pagerMetrics struct {
	pageIns         prometheus.Counter
	pageInBytes     prometheus.Counter
	pageInDuration  prometheus.Histogram
	zeroFills       prometheus.Counter
	zeroFillBytes   prometheus.Counter
	supplies        *prometheus.CounterVec
	supplyBytes     prometheus.Counter
	registeredFiles prometheus.Gauge
	downgrades      prometheus.Counter
	watchRearms     prometheus.Counter
}

// newPagerMetrics creates a new Prometheus-backed PagerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func newPagerMetrics() metrics.PagerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &pagerMetrics{
		pageIns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pagefs_pager_page_ins_total",
			Help: "Total page faults dispatched to a file node",
		}),
		pageInBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pagefs_pager_page_in_bytes_total",
			Help: "Total bytes requested through page-in dispatch",
		}),
		pageInDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pagefs_pager_page_in_duration_seconds",
			Help:    "Duration of page-in dispatch, including synchronous supply",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		zeroFills: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pagefs_pager_zero_fills_total",
			Help: "Total faults answered from the zero-fill scratch buffer",
		}),
		zeroFillBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pagefs_pager_zero_fill_bytes_total",
			Help: "Total bytes supplied from the zero-fill scratch buffer",
		}),
		supplies: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pagefs_pager_supplies_total",
			Help: "Total SupplyPages calls by result",
		}, []string{"result"}), // "ok", "error"
		supplyBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pagefs_pager_supply_bytes_total",
			Help: "Total bytes pushed into memory objects via SupplyPages",
		}),
		registeredFiles: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pagefs_pager_registered_files",
			Help: "Current number of registered file nodes",
		}),
		downgrades: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pagefs_pager_downgrades_total",
			Help: "Total verified zero-children strong-to-weak downgrades",
		}),
		watchRearms: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pagefs_pager_watch_rearms_total",
			Help: "Total zero-children watches re-armed after a racy signal",
		}),
	}
}

func (m *pagerMetrics) ObservePageIn(bytes uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.pageIns.Inc()
	m.pageInBytes.Add(float64(bytes))
	m.pageInDuration.Observe(duration.Seconds())
}

func (m *pagerMetrics) ObserveZeroFill(bytes uint64) {
	if m == nil {
		return
	}
	m.zeroFills.Inc()
	m.zeroFillBytes.Add(float64(bytes))
}

func (m *pagerMetrics) ObserveSupply(bytes uint64, failed bool) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.supplies.WithLabelValues(result).Inc()
	if !failed {
		m.supplyBytes.Add(float64(bytes))
	}
}

func (m *pagerMetrics) SetRegisteredFiles(count int) {
	if m == nil {
		return
	}
	m.registeredFiles.Set(float64(count))
}

func (m *pagerMetrics) RecordDowngrade() {
	if m == nil {
		return
	}
	m.downgrades.Inc()
}

func (m *pagerMetrics) RecordWatchRearm() {
	if m == nil {
		return
	}
	m.watchRearms.Inc()
}
