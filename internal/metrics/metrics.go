// Registers:
//
//	#candleflow_stream_messages_total
//	#candleflow_stream_reconnects_total
//	#candleflow_stream_duplicates_total
//	#candleflow_sink_flushes_total
//	#candleflow_backfill_pages_total
//	#candleflow_backfill_failures_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StreamMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candleflow_stream_messages_total",
			Help: "Number of live feed payloads received",
		},
		[]string{"provider", "feed"},
	)

	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candleflow_stream_reconnects_total",
			Help: "Number of stream reconnect attempts",
		},
		[]string{"provider", "feed"},
	)

	StreamDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candleflow_stream_duplicates_total",
			Help: "Number of replayed events dropped by the dedup window",
		},
		[]string{"provider"},
	)

	SinkFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candleflow_sink_flushes_total",
			Help: "Number of batches appended to the sink",
		},
		[]string{"kind"},
	)

	BackfillPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candleflow_backfill_pages_total",
			Help: "Number of candle pages fetched during backfill",
		},
		[]string{"provider", "symbol"},
	)

	BackfillFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candleflow_backfill_failures_total",
			Help: "Number of backfill jobs that exhausted their retry budget",
		},
		[]string{"provider", "symbol"},
	)
)

var once sync.Once

// Init registers the collectors and starts the metrics endpoint. Safe to
// call more than once; counters work even if Init is never called.
func Init(addr string) {
	once.Do(func() {
		if addr == "" {
			addr = "0.0.0.0:2112"
		}

		_ = prometheus.Register(StreamMessages)
		_ = prometheus.Register(StreamReconnects)
		_ = prometheus.Register(StreamDuplicates)
		_ = prometheus.Register(SinkFlushes)
		_ = prometheus.Register(BackfillPages)
		_ = prometheus.Register(BackfillFailures)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}
