package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters are published as a single metric with an `event` label, which
// keeps the in-process registry a plain map while remaining scrapable.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP duocall_signaling_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE duocall_signaling_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "duocall_signaling_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}
	})
}
