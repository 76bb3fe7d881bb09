package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}

	if h.Count() != 5 {
		t.Fatalf("expected count 5, got %d", h.Count())
	}
	if h.Sum() != 31.5 {
		t.Fatalf("expected sum 31.5, got %g", h.Sum())
	}
	cum := h.cumulativeBuckets()
	want := []int64{2, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Fatalf("bucket %d: expected %d, got %d", i, want[i], cum[i])
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
		t.Fatalf("expected 5000 observations, got %d", h.Count())
	}
	if got := h.Sum(); got < 49.99 || got > 50.01 {
		t.Fatalf("expected sum near 50, got %g", got)
	}
}

// ---------------------------------------------------------------------------
// Queue counters
// ---------------------------------------------------------------------------

func TestProvider_Count(t *testing.T) {
	p := NewProvider()
	p.Count("ticket_issued")
	p.Count("ticket_issued")
	p.Count("advance")

	if got := p.QueueOperations("ticket_issued"); got != 2 {
		t.Errorf("ticket_issued: expected 2, got %d", got)
	}
	if got := p.QueueOperations("skip"); got != 0 {
		t.Errorf("skip: expected 0, got %d", got)
	}

	out := p.Render()
	if !strings.Contains(out, `queue_operations_total{event="ticket_issued"} 2`) {
		t.Errorf("missing ticket_issued series:\n%s", out)
	}
	if strings.Index(out, `event="advance"`) > strings.Index(out, `event="ticket_issued"`) {
		t.Error("expected events in sorted order")
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func newInstrumentedEcho(p *Provider) *echo.Echo {
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/doctors/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "doctor")
	})
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "busy")
	})
	e.GET("/metrics", p.Handler())
	return e
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	p := NewProvider()
	e := newInstrumentedEcho(p)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/doctors/"+id, nil))
	}

	h := p.durationHistogram(http.MethodGet, "/api/v1/doctors/:id", "200")
	if h == nil {
		t.Fatal("expected a series keyed by the route pattern")
	}
	if h.Count() != 3 {
		t.Errorf("expected 3 observations, got %d", h.Count())
	}
	if p.respSize.Count() != 3 {
		t.Errorf("expected 3 response sizes, got %d", p.respSize.Count())
	}
	if p.ActiveRequests() != 0 {
		t.Errorf("expected no active requests, got %d", p.ActiveRequests())
	}
}

func TestMiddleware_StatusFromError(t *testing.T) {
	p := NewProvider()
	e := newInstrumentedEcho(p)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if p.durationHistogram(http.MethodGet, "/fail", "409") == nil {
		t.Error("expected a 409 series")
	}
}

func TestMiddleware_RequestSize(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	e.Use(p.Middleware())
	e.POST("/book", func(c echo.Context) error { return c.NoContent(http.StatusCreated) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/book", strings.NewReader(`{"doctor_id":"x"}`)))
	if p.reqSize.Count() != 1 {
		t.Errorf("expected one request size observation, got %d", p.reqSize.Count())
	}
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

func TestHandler_Exposition(t *testing.T) {
	p := NewProvider()
	clients := 3.0
	p.GaugeFunc("websocket_clients", "Connected websocket clients.", func() float64 { return clients })
	e := newInstrumentedEcho(p)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/doctors/x", nil))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/api/v1/doctors/:id",status_code="200"} 1`,
		`le="+Inf"`,
		"# TYPE http_server_active_requests gauge",
		"# TYPE http_server_response_size_bytes histogram",
		"# TYPE queue_operations_total counter",
		"# TYPE websocket_clients gauge",
		"websocket_clients 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	clients = 1
	if !strings.Contains(p.Render(), "websocket_clients 1") {
		t.Error("gauge should be sampled on every scrape")
	}
}
