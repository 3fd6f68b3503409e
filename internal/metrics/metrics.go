// Package metrics exposes PulseOne's Prometheus collectors: pipeline stage
// latency, alarm trigger/clear counters, target send counters, and breaker
// state gauges (prometheus.go). This package has one job — scraping by
// external monitoring (Grafana, Alertmanager); there is no JSON dashboard
// endpoint, since PulseOne has no UI.
package metrics

import "time"

var startTime = time.Now()

// StartTime returns the time the process started, for uptime reporting.
func StartTime() time.Time {
	return startTime
}
