package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Brownie44l1/snapcheck/internal/model"
)

func TestCountersAndStates(t *testing.T) {
	m := New()
	m.ObserveRequest("/predict", 200, 20*time.Millisecond)
	m.ObserveRequest("/predict", 503, time.Millisecond)
	m.ObserveRequest("/predict", 200, time.Millisecond)
	m.ObservePrediction(model.Correct, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.requestCount.WithLabelValues("/predict", "200")); got != 2 {
		t.Fatalf("200 count %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.predictions.WithLabelValues("CORRECT")); got != 1 {
		t.Fatalf("CORRECT count %v, want 1", got)
	}

	m.SetModelState(model.Ready)
	if got := testutil.ToFloat64(m.modelState.WithLabelValues("READY")); got != 1 {
		t.Fatalf("READY gauge %v", got)
	}
	if got := testutil.ToFloat64(m.modelState.WithLabelValues("UNINITIALIZED")); got != 0 {
		t.Fatalf("UNINITIALIZED gauge %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"snapcheck_live_tensors", "snapcheck_model_state", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition lacks %s", name)
		}
	}
}
