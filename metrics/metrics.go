// Package metrics exposes the per-module Prometheus counters spec §7
// requires: malformed-input counts (dropped records), dropped-bin
// counts (skipped linear-algebra failures), cuckoo rehash counts, and
// alert counts. Grounded on etalazz-vsa's
// internal/ratelimiter/telemetry/churn package: package-level vec
// metrics registered once in init(), labeled rather than duplicated
// per module.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MalformedRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_malformed_records_total",
		Help: "Records dropped per module for malformed input (spec §7: wrong record size, invalid SIP URI, unparseable timestamp).",
	}, []string{"module"})

	DroppedBinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_dropped_bins_total",
		Help: "Bins skipped per module after a linear-algebra failure (spec §7: the window is not advanced past the failed bin).",
	}, []string{"module"})

	RehashesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_cuckoo_rehashes_total",
		Help: "Cuckoo hash table rehash/resize events per table.",
	}, []string{"table"})

	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_alerts_total",
		Help: "Alerts emitted per detector, split by whether the firing was a continuation of a prior attack.",
	}, []string{"type", "continuation"})
)

func init() {
	prometheus.MustRegister(MalformedRecordsTotal, DroppedBinsTotal, RehashesTotal, AlertsTotal)
}

// RecordMalformed increments the malformed-input counter for module.
func RecordMalformed(module string) {
	MalformedRecordsTotal.WithLabelValues(module).Inc()
}

// RecordDroppedBin increments the dropped-bin counter for module.
func RecordDroppedBin(module string) {
	DroppedBinsTotal.WithLabelValues(module).Inc()
}

// RecordRehash increments the rehash counter for table.
func RecordRehash(table string) {
	RehashesTotal.WithLabelValues(table).Inc()
}

// RecordAlert increments the alert counter for typ, split by whether
// the firing was a continuation (spec §4.7) of a prior attack.
func RecordAlert(typ string, continuation bool) {
	label := "false"
	if continuation {
		label = "true"
	}
	AlertsTotal.WithLabelValues(typ, label).Inc()
}
