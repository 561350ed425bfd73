package collector

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

type metrics struct {
	messages        atomic.Uint64
	results         atomic.Uint64
	rejected        atomic.Uint64
	skipped         atomic.Uint64
	rows            atomic.Uint64
	nodataRows      atomic.Uint64
	complete        atomic.Uint64
	timeouts        atomic.Uint64
	startedUnix     atomic.Int64
	lastMessageUnix atomic.Int64
}

// Handler serves /healthz and /metrics. It is safe to call while Run is active.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		run := c.opts.RunID

		counter := func(name, help string, v uint64) {
			fmt.Fprintf(rw, "# HELP gridcollect_%s %s\n", name, help)
			fmt.Fprintf(rw, "# TYPE gridcollect_%s counter\n", name)
			fmt.Fprintf(rw, "gridcollect_%s{run=%q} %d\n", name, run, v)
		}
		counter("messages_total", "Messages received.", c.m.messages.Load())
		counter("results_total", "Cell results accepted.", c.m.results.Load())
		counter("rejected_total", "Cell results rejected as stale, duplicate or masked.", c.m.rejected.Load())
		counter("skipped_rows_total", "Output rows skipped for missing CM-count or Crop.", c.m.skipped.Load())
		counter("rows_written_total", "Data rows written.", c.m.rows.Load())
		counter("nodata_rows_total", "NODATA rows written ahead of data rows.", c.m.nodataRows.Load())
		counter("poll_timeouts_total", "Receive timeouts.", c.m.timeouts.Load())

		fmt.Fprintf(rw, "# HELP gridcollect_last_message_unix Time of the last received message.\n")
		fmt.Fprintf(rw, "# TYPE gridcollect_last_message_unix gauge\n")
		fmt.Fprintf(rw, "gridcollect_last_message_unix{run=%q} %d\n", run, c.m.lastMessageUnix.Load())

		fmt.Fprintf(rw, "# HELP gridcollect_scenario_next_row Next row to be written per scenario.\n")
		fmt.Fprintf(rw, "# TYPE gridcollect_scenario_next_row gauge\n")
		prog := *c.progress.Load()
		for _, p := range prog {
			fmt.Fprintf(rw, "gridcollect_scenario_next_row{run=%q,period=%q,rotation=%q} %d\n", run, p.Key.Period, p.Key.Rotation, p.Next)
		}
		fmt.Fprintf(rw, "# HELP gridcollect_scenario_buffered_cells Cells held in the reorder buffer per scenario.\n")
		fmt.Fprintf(rw, "# TYPE gridcollect_scenario_buffered_cells gauge\n")
		for _, p := range prog {
			fmt.Fprintf(rw, "gridcollect_scenario_buffered_cells{run=%q,period=%q,rotation=%q} %d\n", run, p.Key.Period, p.Key.Rotation, p.BufferedCells)
		}

		if c.opts.Index != nil {
			st := c.opts.Index.Stats()
			fmt.Fprintf(rw, "# HELP gridcollect_index_queue_depth Index writer backlog.\n")
			fmt.Fprintf(rw, "# TYPE gridcollect_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "gridcollect_index_queue_depth{run=%q} %d\n", run, st.QueueDepth)
			fmt.Fprintf(rw, "# HELP gridcollect_index_dropped_total Index writes dropped under backpressure.\n")
			fmt.Fprintf(rw, "# TYPE gridcollect_index_dropped_total counter\n")
			fmt.Fprintf(rw, "gridcollect_index_dropped_total{run=%q,kind=%q} %d\n", run, "flush", st.DropFlushTotal)
			fmt.Fprintf(rw, "gridcollect_index_dropped_total{run=%q,kind=%q} %d\n", run, "file", st.DropFileTotal)
			fmt.Fprintf(rw, "gridcollect_index_dropped_total{run=%q,kind=%q} %d\n", run, "reject", st.DropRejectTotal)
		}
	})
	return mux
}
