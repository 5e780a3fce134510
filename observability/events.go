package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type priceMetrics struct {
	updates *prometheus.CounterVec
}

var (
	priceMetricsOnce sync.Once
	priceRegistry    *priceMetrics
)

// Prices returns the metrics registry tracking pushed oracle samples.
func Prices() *priceMetrics {
	priceMetricsOnce.Do(func() {
		priceRegistry = &priceMetrics{
			updates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "price_updates_total",
				Help:      "Count of pushed price samples segmented by reserve symbol and result.",
			}, []string{"symbol", "result"}),
		}
		prometheus.MustRegister(priceRegistry.updates)
	})
	return priceRegistry
}

// RecordUpdate counts a pushed sample. Samples older than the stored one are
// recorded as "ignored".
func (m *priceMetrics) RecordUpdate(symbol string, accepted bool) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(symbol))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	result := "accepted"
	if !accepted {
		result = "ignored"
	}
	m.updates.WithLabelValues(normalized, result).Inc()
}
