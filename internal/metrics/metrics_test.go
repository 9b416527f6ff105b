package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGlobalIsSingleton(t *testing.T) {
	if Global() != Global() {
		t.Fatal("Global returned different instances")
	}
}

func TestImagesGeneratedCounts(t *testing.T) {
	m := Global()
	before := testutil.ToFloat64(m.ImagesGenerated.WithLabelValues("web", "ok"))
	m.ImagesGenerated.WithLabelValues("web", "ok").Inc()
	after := testutil.ToFloat64(m.ImagesGenerated.WithLabelValues("web", "ok"))
	if after != before+1 {
		t.Fatalf("counter = %v, want %v", after, before+1)
	}
}
