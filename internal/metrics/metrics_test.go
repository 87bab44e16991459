package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsEndpoint(t *testing.T) {
	UplinksDropped.WithLabelValues("malformed").Inc()
	Downlinks.WithLabelValues("rewritten").Inc()

	handler := promhttp.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"scgw_uplinks_received_total",
		`scgw_uplinks_dropped_total{reason="malformed"}`,
		`scgw_downlinks_total{result="rewritten"}`,
		"scgw_radio_state",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics", name)
		}
	}
}
