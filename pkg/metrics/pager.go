package metrics

import "time"

// PagerMetrics provides observability for the page-fault servicing loop.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	pm := metrics.NewPagerMetrics()
//	p, err := pager.New(pager.Config{Metrics: pm})
//
//	// Without metrics (zero overhead)
//	p, err := pager.New(pager.Config{})
type PagerMetrics interface {
	// ObservePageIn records a fault dispatched to a file node's page-in
	// path: the faulted byte count and the dispatch duration.
	ObservePageIn(bytes uint64, duration time.Duration)

	// ObserveZeroFill records a fault answered from the zero-fill scratch
	// buffer because no live file node was registered for the key.
	ObserveZeroFill(bytes uint64)

	// ObserveSupply records bytes pushed into a memory object through
	// SupplyPages, and whether the supply failed.
	ObserveSupply(bytes uint64, failed bool)

	// SetRegisteredFiles updates the current registry size.
	SetRegisteredFiles(count int)

	// RecordDowngrade increments the strong-to-weak downgrade counter
	// (a verified zero-children transition).
	RecordDowngrade()

	// RecordWatchRearm increments the re-arm counter (a zero-children
	// signal whose re-queried count was non-zero).
	RecordWatchRearm()
}

// NewPagerMetrics creates a new Prometheus-backed PagerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewPagerMetrics() PagerMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusPagerMetrics()
}

// newPrometheusPagerMetrics is implemented in pkg/metrics/prometheus.
// The indirection avoids an import cycle while keeping the API clean.
var newPrometheusPagerMetrics func() PagerMetrics

// RegisterPagerMetricsConstructor registers the Prometheus pager metrics
// constructor. Called by pkg/metrics/prometheus during package init.
func RegisterPagerMetricsConstructor(constructor func() PagerMetrics) {
	newPrometheusPagerMetrics = constructor
}
