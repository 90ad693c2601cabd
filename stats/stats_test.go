package stats_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/sirikata/spaced/stats"
)

func TestRegistryExportsRegisteredMetrics(t *testing.T) {
	r := stats.New("server-1")

	r.ForwarderDrops.WithLabelValues("no_route").Inc()
	r.ForwarderDrops.WithLabelValues("no_route").Inc()
	r.SSTRetransmits.WithLabelValues("2").Inc()
	r.OSegLookupLatency.Observe(0.002)
	r.FairQueueShare.WithLabelValues("2").Set(0.75)
	r.ConnSessions.WithLabelValues("CONNECTED").Set(3)

	families, err := prometheusGather(t, r)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	want := map[string]bool{
		"spaced_forwarder_drops_total":        false,
		"spaced_sst_retransmits_total":        false,
		"spaced_oseg_lookup_latency_seconds":  false,
		"spaced_forwarder_fair_queue_used_weight": false,
		"spaced_conn_sessions":                false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("expected metric family %q in gathered output", name)
		}
	}
}

func prometheusGather(t *testing.T, r *stats.Registry) ([]*dto.MetricFamily, error) {
	t.Helper()
	return r.GatherForTest()
}
