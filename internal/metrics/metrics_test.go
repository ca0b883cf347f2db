package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetCounts(t *testing.T) {
	SetCounts(Forwards, []string{"active", "failed"}, map[string]int{"active": 3})
	if got := testutil.ToFloat64(Forwards.WithLabelValues("active")); got != 3 {
		t.Errorf("active = %v, want 3", got)
	}
	if got := testutil.ToFloat64(Forwards.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed = %v, want 0", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	FramesEmitted.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "termrt_framer_frames_total") {
		t.Fatal("frames counter missing from /metrics output")
	}
}
