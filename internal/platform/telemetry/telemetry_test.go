package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestHistogram_ObserveAndBuckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})

	h.Observe(0.5)
	h.Observe(3)
	h.Observe(7)
	h.Observe(100) // beyond all boundaries, lands only in +Inf

	if h.Count() != 4 {
		t.Errorf("count = %d, want 4", h.Count())
	}
	if h.Sum() != 110.5 {
		t.Errorf("sum = %g, want 110.5", h.Sum())
	}
	cum := h.cumulativeBuckets()
	want := []int64{1, 2, 3}
	for i, w := range want {
		if cum[i] != w {
			t.Errorf("bucket[%d] = %d, want %d", i, cum[i], w)
		}
	}
}

func TestHistogram_ConcurrentObserve(t *testing.T) {
	h := newHistogram(defaultDurationBuckets)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Observe(0.01)
			}
		}()
	}
	wg.Wait()
	if h.Count() != 5000 {
		t.Errorf("count = %d, want 5000", h.Count())
	}
}

func TestProvider_ObservePhase(t *testing.T) {
	p := NewProvider("ehr-migrate")

	p.ObservePhase("transform", true, 1500*time.Millisecond)
	p.ObservePhase("transform", true, 200*time.Millisecond)
	p.ObservePhase("validate", false, 10*time.Millisecond)

	if got := p.PhaseCount("transform"); got != 2 {
		t.Errorf("transform observations = %d, want 2", got)
	}
	if got := p.Counter("pipeline.phase.count", "transform", "passed"); got != 2 {
		t.Errorf("transform passed count = %d, want 2", got)
	}
	if got := p.Counter("pipeline.phase.count", "validate", "failed"); got != 1 {
		t.Errorf("validate failed count = %d, want 1", got)
	}
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	p.ObservePhase("transform", true, time.Second)
	p.AddRecords("patient", "promoted", 3)
	p.CountProposal("heuristic")
	p.SetDBPool(1, 2)
}

func TestProvider_AddRecords(t *testing.T) {
	p := NewProvider("ehr-migrate")
	p.AddRecords("patient", "promoted", 3)
	p.AddRecords("patient", "promoted", 2)
	p.AddRecords("patient", "failed", 1)
	p.AddRecords("invoice", "promoted", 0) // no-op

	if got := p.Counter("migration.records.count", "patient", "promoted"); got != 5 {
		t.Errorf("promoted patients = %d, want 5", got)
	}
	if got := p.Counter("migration.records.count", "invoice", "promoted"); got != 0 {
		t.Errorf("promoted invoices = %d, want 0", got)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	p := NewProvider("ehr-migrate")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := p.Middleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := LabelsKey(http.MethodGet, "/api/v1/runs", "200")
	hist := p.httpDurations.getOrCreate(key, defaultDurationBuckets)
	if hist.Count() != 1 {
		t.Errorf("duration observations = %d, want 1", hist.Count())
	}
	if p.gauges.get("http.server.active_requests") != 0 {
		t.Error("active requests gauge should return to 0")
	}
}

func TestHandler_Exposition(t *testing.T) {
	p := NewProvider("ehr-migrate")
	p.ObservePhase("profile", true, 100*time.Millisecond)
	p.AddRecords("patient", "promoted", 3)
	p.CountProposal("heuristic")
	p.SetDBPool(4, 6)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE pipeline_phase_duration_seconds histogram",
		`pipeline_phase_duration_seconds_count{phase="profile"} 1`,
		`pipeline_phase_count{phase="profile",result="passed"} 1`,
		`migration_records_count{entity_type="patient",disposition="promoted"} 3`,
		`ai_proposal_count{proposer="heuristic"} 1`,
		"db_pool_active_connections 4",
		"db_pool_idle_connections 6",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}
