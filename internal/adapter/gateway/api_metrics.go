package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		counts := countAgents(deps.Swarm.ListAgents())

		// Agent metrics.
		fmt.Fprintf(w, "# HELP swarmd_agents_total Number of registered agents.\n")
		fmt.Fprintf(w, "# TYPE swarmd_agents_total gauge\n")
		fmt.Fprintf(w, "swarmd_agents_total %d\n", counts.Total)

		fmt.Fprintf(w, "# HELP swarmd_agents_live Number of agents with a live runtime.\n")
		fmt.Fprintf(w, "# TYPE swarmd_agents_live gauge\n")
		fmt.Fprintf(w, "swarmd_agents_live %d\n", counts.Live)

		fmt.Fprintf(w, "# HELP swarmd_agents_streaming Number of agents currently streaming.\n")
		fmt.Fprintf(w, "# TYPE swarmd_agents_streaming gauge\n")
		fmt.Fprintf(w, "swarmd_agents_streaming %d\n", counts.Streaming)

		// Message metrics.
		fmt.Fprintf(w, "# HELP swarmd_messages_received_total Total user messages received.\n")
		fmt.Fprintf(w, "# TYPE swarmd_messages_received_total counter\n")
		fmt.Fprintf(w, "swarmd_messages_received_total %d\n", metrics.MessagesRecv.Load())

		fmt.Fprintf(w, "# HELP swarmd_messages_sent_total Total agent messages sent.\n")
		fmt.Fprintf(w, "# TYPE swarmd_messages_sent_total counter\n")
		fmt.Fprintf(w, "swarmd_messages_sent_total %d\n", metrics.MessagesSent.Load())

		fmt.Fprintf(w, "# HELP swarmd_runtime_errors_total Total asynchronous runtime errors.\n")
		fmt.Fprintf(w, "# TYPE swarmd_runtime_errors_total counter\n")
		fmt.Fprintf(w, "swarmd_runtime_errors_total %d\n", metrics.RuntimeErrors.Load())

		fmt.Fprintf(w, "# HELP swarmd_status_changes_total Total agent status transitions.\n")
		fmt.Fprintf(w, "# TYPE swarmd_status_changes_total counter\n")
		fmt.Fprintf(w, "swarmd_status_changes_total %d\n", metrics.StatusChanges.Load())

		fmt.Fprintf(w, "# HELP swarmd_cron_jobs_fired_total Total cron job executions.\n")
		fmt.Fprintf(w, "# TYPE swarmd_cron_jobs_fired_total counter\n")
		fmt.Fprintf(w, "swarmd_cron_jobs_fired_total %d\n", metrics.CronJobsFired.Load())

		// Uptime.
		fmt.Fprintf(w, "# HELP swarmd_uptime_seconds Seconds since the process started.\n")
		fmt.Fprintf(w, "# TYPE swarmd_uptime_seconds gauge\n")
		fmt.Fprintf(w, "swarmd_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}
