package observability

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that exports metrics in
// Prometheus text exposition format at /metrics.
func (m *Metrics) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.GetMetrics()
		fmt.Fprintf(w, "# HELP uplink_sessions_created_total Total number of sessions created.\n")
		fmt.Fprintf(w, "# TYPE uplink_sessions_created_total counter\n")
		fmt.Fprintf(w, "uplink_sessions_created_total %d\n\n", snap["sessions_created"])

		fmt.Fprintf(w, "# HELP uplink_sessions_resumed_total Total number of sessions resumed.\n")
		fmt.Fprintf(w, "# TYPE uplink_sessions_resumed_total counter\n")
		fmt.Fprintf(w, "uplink_sessions_resumed_total %d\n\n", snap["sessions_resumed"])

		fmt.Fprintf(w, "# HELP uplink_handshakes_rejected_total Total number of rejected handshakes.\n")
		fmt.Fprintf(w, "# TYPE uplink_handshakes_rejected_total counter\n")
		fmt.Fprintf(w, "uplink_handshakes_rejected_total %d\n\n", snap["handshakes_rejected"])

		fmt.Fprintf(w, "# HELP uplink_requests_total Total number of admin API requests.\n")
		fmt.Fprintf(w, "# TYPE uplink_requests_total counter\n")
		fmt.Fprintf(w, "uplink_requests_total %d\n\n", snap["request_count"])

		fmt.Fprintf(w, "# HELP uplink_errors_total Total number of admin API errors.\n")
		fmt.Fprintf(w, "# TYPE uplink_errors_total counter\n")
		fmt.Fprintf(w, "uplink_errors_total %d\n\n", snap["error_count"])

		fmt.Fprintf(w, "# HELP uplink_sessions_active Current number of live sessions.\n")
		fmt.Fprintf(w, "# TYPE uplink_sessions_active gauge\n")
		fmt.Fprintf(w, "uplink_sessions_active %d\n\n", snap["sessions_active"])

		fmt.Fprintf(w, "# HELP uplink_channels_registered Current number of registered channels.\n")
		fmt.Fprintf(w, "# TYPE uplink_channels_registered gauge\n")
		fmt.Fprintf(w, "uplink_channels_registered %d\n\n", snap["channels_registered"])

		// Latency percentiles from the rolling window.
		latencies := m.LatencySnapshot()
		if len(latencies) > 0 {
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			fmt.Fprintf(w, "# HELP uplink_request_duration_seconds Admin request latency percentiles.\n")
			fmt.Fprintf(w, "# TYPE uplink_request_duration_seconds summary\n")
			fmt.Fprintf(w, "uplink_request_duration_seconds{quantile=\"0.5\"} %f\n", percentile(latencies, 0.5))
			fmt.Fprintf(w, "uplink_request_duration_seconds{quantile=\"0.95\"} %f\n", percentile(latencies, 0.95))
			fmt.Fprintf(w, "uplink_request_duration_seconds{quantile=\"0.99\"} %f\n", percentile(latencies, 0.99))
			fmt.Fprintf(w, "uplink_request_duration_seconds_count %d\n\n", len(latencies))
		}
	}
}

// percentile returns the p-th percentile value from sorted durations.
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Seconds()
}
