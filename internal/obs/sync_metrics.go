package obs

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics counts price sync and inventory outcomes.
type SyncMetrics struct {
	// ProductsTotal counts synced products by result (ok, partial, skipped, failed).
	ProductsTotal *prometheus.CounterVec
	// PriceListUpdatesTotal counts per price list outcomes by schedule and result.
	PriceListUpdatesTotal *prometheus.CounterVec
	// RunDuration records whole-run latency in seconds.
	RunDuration prometheus.Histogram
	// InventoryUpdatesTotal counts inventory writes by target (database, localline) and result.
	InventoryUpdatesTotal *prometheus.CounterVec
}

// MustRegisterSyncMetrics registers the sync collectors on reg, reusing any already registered.
func MustRegisterSyncMetrics(namespace string, reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &SyncMetrics{
		ProductsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricesync_products_total",
			Help:      "Products processed by the price sync, by result.",
		}, []string{"result"})),
		PriceListUpdatesTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricesync_pricelist_updates_total",
			Help:      "Price list entry updates by schedule and result.",
		}, []string{"schedule", "result"})),
		RunDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pricesync_run_duration_seconds",
			Help:      "Duration of full price sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		})),
		InventoryUpdatesTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_updates_total",
			Help:      "Inventory update writes by target and result.",
		}, []string{"target", "result"})),
	}
}
