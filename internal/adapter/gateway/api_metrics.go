package gateway

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"runtime"
	"slices"
	"time"
)

func writeMetric(w io.Writer, name, typ, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		st := deps.Manager.Status(deps.Manager.Now())
		recording := 0
		if st.Recording {
			recording = 1
		}

		// Privacy state.
		writeMetric(w, "guardian_recording", "gauge", "Whether any capture session is open.", recording)
		writeMetric(w, "guardian_capture_sessions_active", "gauge", "Open capture sessions.", st.ActiveSessions)
		writeMetric(w, "guardian_records_retained", "gauge", "Capture records currently retained.", st.Records)
		writeMetric(w, "guardian_records_expired", "gauge", "Retained records past their TTL awaiting sweep.", st.ExpiredRecords)
		writeMetric(w, "guardian_buffer_bytes", "gauge", "Buffered payload bytes.", st.BufferBytes)
		writeMetric(w, "guardian_ledger_entries", "gauge", "Transmission ledger entries.", st.LedgerEntries)
		writeMetric(w, "guardian_ledger_evicted_total", "counter", "Ledger entries dropped at capacity.", st.LedgerEvicted)
		writeMetric(w, "guardian_policy_ttl_hours", "gauge", "Active retention TTL in hours.", st.Policy.TTLHours)

		// Event counters.
		c := metrics.Counts()
		writeMetric(w, "guardian_captures_started_total", "counter", "Captures authorized.", c.CapturesStarted)
		writeMetric(w, "guardian_captures_denied_total", "counter", "Captures denied by the consent gate.", c.CapturesDenied)
		writeMetric(w, "guardian_records_purged_total", "counter", "Records purged by retention sweeps.", c.RecordsPurged)
		writeMetric(w, "guardian_nukes_total", "counter", "Full data wipes.", c.Nukes)
		writeMetric(w, "guardian_transmissions_total", "counter", "Transmissions recorded.", c.Transmissions)
		writeMetric(w, "guardian_guidance_ready_total", "counter", "Guidance messages produced.", c.GuidanceReady)
		writeMetric(w, "guardian_guidance_aborted_total", "counter", "Guidance requests aborted.", c.GuidanceAborted)

		topics := metrics.TopicCounts()
		names := slices.Sorted(maps.Keys(topics))
		fmt.Fprintln(w, "# HELP guardian_events_total Lifecycle events published, by topic.")
		fmt.Fprintln(w, "# TYPE guardian_events_total counter")
		for _, name := range names {
			fmt.Fprintf(w, "guardian_events_total{topic=%q} %d\n", name, topics[name])
		}

		// Gateway.
		writeMetric(w, "guardian_gateway_clients", "gauge", "Connected WebSocket clients.", s.Clients())
		writeMetric(w, "guardian_gateway_dropped_frames_total", "counter", "Frames dropped for slow clients.", s.DroppedFrames())
		writeMetric(w, "guardian_uptime_seconds", "gauge", "Seconds since start.", fmt.Sprintf("%.0f", time.Since(startTime).Seconds()))

		// Go runtime.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", runtime.NumGoroutine())
		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", mem.Alloc)
		writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", mem.Sys)
	}
}
