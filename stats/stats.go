// Package stats exposes spaced's runtime counters and gauges via
// Prometheus (spec.md §5 "Observability"): SST retransmits, forwarder
// drops by reason, OSeg lookup latency, Prox enter/leave rates, and
// fair-queue per-peer used weight.
//
// Names follow Prometheus conventions -- "_total" on counters, "_seconds"
// on the latency histogram, no kind suffix on gauges. The StatsD-style
// ".n"/".ns"/".bps" kind suffixes are not used, since the Prometheus
// metric type already records the kind.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/sirikata/spaced/cmn/nlog"
)

// Registry bundles every metric spaced exports, registered against a
// private prometheus.Registry so a test process can create more than one
// without colliding on the global default registerer.
type Registry struct {
	reg *prometheus.Registry

	SSTRetransmits      *prometheus.CounterVec   // labels: peer
	ForwarderDrops      *prometheus.CounterVec   // labels: reason
	OSegLookupLatency   prometheus.Histogram     // seconds
	OSegCacheHits       prometheus.Counter
	OSegCacheMisses     prometheus.Counter
	ProxEnterRate       *prometheus.CounterVec   // labels: query
	ProxLeaveRate       *prometheus.CounterVec   // labels: query
	FairQueueShare      *prometheus.GaugeVec     // labels: peer -- used weight last reported for that peer
	ConnSessions        *prometheus.GaugeVec     // labels: state
	MigrationsOut       prometheus.Counter
	MigrationsIn        prometheus.Counter
	MigrationsAborted   prometheus.Counter
}

const namespace = "spaced"

// New builds and registers the full metric set. Server identifies this
// process in a multi-server deployment (set as a constant label so one
// Prometheus scrape target per server is distinguishable after relabeling
// upstream).
func New(server string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"server": server}

	r := &Registry{
		reg: reg,
		SSTRetransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sst",
			Name:        "retransmits_total",
			Help:        "Segments retransmitted after RTO expiry, by peer server.",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		ForwarderDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "forwarder",
			Name:        "drops_total",
			Help:        "Datagrams dropped by the forwarder, by drop reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		OSegLookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "oseg",
			Name:        "lookup_latency_seconds",
			Help:        "Directory lookup latency for OSeg misses that require a store round trip.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		OSegCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "oseg",
			Name:        "cache_hits_total",
			Help:        "CacheLookup calls resolved without a directory round trip.",
			ConstLabels: constLabels,
		}),
		OSegCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "oseg",
			Name:        "cache_misses_total",
			Help:        "CacheLookup calls that required an asynchronous Lookup.",
			ConstLabels: constLabels,
		}),
		ProxEnterRate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "prox",
			Name:        "enter_events_total",
			Help:        "Proximity enter events delivered, by query id.",
			ConstLabels: constLabels,
		}, []string{"query"}),
		ProxLeaveRate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "prox",
			Name:        "leave_events_total",
			Help:        "Proximity leave events delivered, by query id.",
			ConstLabels: constLabels,
		}, []string{"query"}),
		FairQueueShare: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "forwarder",
			Name:        "fair_queue_used_weight",
			Help:        "Per-peer used weight last reported by the fair-queueing loop (spec.md §4.6).",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		ConnSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "conn",
			Name:        "sessions",
			Help:        "Object sessions currently in each connection-manager state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		MigrationsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conn",
			Name:        "migrations_out_total",
			Help:        "Outgoing migrations that completed successfully.",
			ConstLabels: constLabels,
		}),
		MigrationsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conn",
			Name:        "migrations_in_total",
			Help:        "Incoming migrations applied successfully.",
			ConstLabels: constLabels,
		}),
		MigrationsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conn",
			Name:        "migrations_aborted_total",
			Help:        "Outgoing migrations aborted before an ack was received.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		r.SSTRetransmits, r.ForwarderDrops, r.OSegLookupLatency, r.OSegCacheHits,
		r.OSegCacheMisses, r.ProxEnterRate, r.ProxLeaveRate, r.FairQueueShare,
		r.ConnSessions, r.MigrationsOut, r.MigrationsIn, r.MigrationsAborted,
	)
	return r
}

// Handler returns the HTTP handler a daemon mounts at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// GatherForTest exposes the underlying registry's Gather for assertions;
// production code should scrape via Handler/Serve instead.
func (r *Registry) GatherForTest() ([]*dto.MetricFamily, error) { return r.reg.Gather() }

// Serve starts a dedicated metrics listener; cmd/spaced runs this on its
// own goroutine alongside the main datagram-processing loop.
func (r *Registry) Serve(addr string) error {
	nlog.Infof("stats: serving Prometheus metrics on %s/metrics", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return http.ListenAndServe(addr, mux)
}
