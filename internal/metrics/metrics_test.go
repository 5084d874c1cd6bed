package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.RecordItem("done")
	c.RecordItem("done")
	c.RecordItem("failed")
	c.RecordFetchAttempt("unpaywall", "hit")

	if got := testutil.ToFloat64(c.items.WithLabelValues("done")); got != 2 {
		t.Errorf("items done = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.items.WithLabelValues("failed")); got != 1 {
		t.Errorf("items failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.fetchAttempts.WithLabelValues("unpaywall", "hit")); got != 1 {
		t.Errorf("fetch attempts = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordItem("done")
	c.RecordFetchAttempt("arxiv", "miss")
	c.ObserveRateWait("source", 0.1)
	c.ItemStarted()
	c.ItemFinished()
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector()
	c.RecordItem("done")

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, "sysrev_items_total") {
		t.Errorf("metrics output missing sysrev_items_total:\n%s", body)
	}
}
