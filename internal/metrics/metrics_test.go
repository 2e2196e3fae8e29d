package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterExposesNamespacedCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	SwarmAddsTotal.WithLabelValues("ok").Inc()
	StreamAbortsTotal.WithLabelValues("client_gone").Inc()
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 12 {
		t.Fatalf("families = %d, want 12", len(families))
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "animestream_") {
			t.Errorf("metric %q missing namespace", mf.GetName())
		}
	}
}
