package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	m := New()
	m.ForkCreated()
	m.ForkCreated()
	m.MergeCompleted(1, 20*time.Millisecond)
	m.MergeFailed("already_merged")

	if got := testutil.ToFloat64(m.forksCreated); got != 2 {
		t.Fatalf("forks created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.merges.WithLabelValues("success")); got != 1 {
		t.Fatalf("successful merges = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.merges.WithLabelValues("already_merged")); got != 1 {
		t.Fatalf("already merged = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveRequest("POST", "/api/forks/{id}/merge", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`offshoot_http_requests_total{method="POST",route="/api/forks/{id}/merge",status="200"} 1`,
		"offshoot_forks_created_total 0",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ForkCreated()
	if got := testutil.ToFloat64(b.forksCreated); got != 0 {
		t.Fatalf("second registry saw %v forks", got)
	}
}
