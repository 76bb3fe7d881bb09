package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/config"
	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             env,
		StoreBackend:    config.BackendMemory,
		CORSOrigins:     []string{"http://localhost:3000"},
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
		JWTSecret:       testSecret,
		TxMaxAttempts:   3,
		TxBackoffBase:   time.Millisecond,
		TxBackoffMax:    5 * time.Millisecond,
		WaitBands:       "0:5-10 min,2:10-20 min,4:20-35 min,*:35-50 min",
		PatientMinutes:  "5-8",
		ShutdownTimeout: time.Second,
		MetricsEnabled:  true,
	}
}

func newTestServer(t *testing.T, env string) (*echo.Echo, *app) {
	t.Helper()
	cfg := testConfig(env)
	a, err := newApp(cfg, queue.NewMemoryStore(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return newServer(cfg, a, zerolog.Nop()), a
}

func do(e *echo.Echo, method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func issue(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := auth.IssueToken(auth.JWTConfig{SigningKey: []byte(testSecret)}, "tester", roles, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestServer_Health(t *testing.T) {
	e, _ := newTestServer(t, "production")
	rec := do(e, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id on the response")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
	if do(e, http.MethodGet, "/health/db", "", "").Code != http.StatusNotFound {
		t.Error("/health/db should not exist without a database pool")
	}
}

func TestServer_RequiresTokenOutsideDevelopment(t *testing.T) {
	e, _ := newTestServer(t, "production")

	if rec := do(e, http.MethodGet, "/api/v1/doctors", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/board", "", ""); rec.Code != http.StatusOK {
		t.Errorf("board should be public, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/doctors", "", issue(t, auth.RolePatient)); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_BookAndAdvanceFlow(t *testing.T) {
	e, _ := newTestServer(t, "production")
	admin := issue(t, auth.RoleAdmin)
	desk := issue(t, auth.RoleReceptionist)

	rec := do(e, http.MethodPost, "/api/v1/doctors", `{"name":"Dr. Shah","specialization":"ENT"}`, admin)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create doctor: %d %s", rec.Code, rec.Body.String())
	}
	var d queue.Doctor
	json.Unmarshal(rec.Body.Bytes(), &d)

	for _, phone := range []string{"5550001", "5550002"} {
		body := `{"doctor_id":"` + d.ID.String() + `","patient":{"name":"P","phone":"` + phone + `","age":30,"gender":"female"}}`
		if rec := do(e, http.MethodPost, "/api/v1/appointments", body, desk); rec.Code != http.StatusCreated {
			t.Fatalf("book %s: %d %s", phone, rec.Code, rec.Body.String())
		}
	}

	if rec := do(e, http.MethodPost, "/api/v1/doctors/"+d.ID.String()+"/queue/advance", "", issue(t, auth.RolePatient)); rec.Code != http.StatusForbidden {
		t.Errorf("patients must not advance the queue, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/doctors/"+d.ID.String()+"/queue/advance", "", desk); rec.Code != http.StatusOK {
		t.Fatalf("advance: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/v1/doctors/"+d.ID.String()+"/queue/view", "", desk)
	var view struct {
		CurrentNumber int    `json:"current_number"`
		WaitingCount  int    `json:"waiting_count"`
		EstimatedWait string `json:"estimated_wait"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.CurrentNumber != 1 || view.WaitingCount != 1 || view.EstimatedWait != "10-20 min" {
		t.Errorf("unexpected view %+v", view)
	}

	rec = do(e, http.MethodGet, "/api/v1/patients/5550002/status", "", desk)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"people_ahead":1`) {
		t.Errorf("unexpected patient status %d %s", rec.Code, rec.Body.String())
	}
}

func TestServer_DevelopmentAcceptsDevRole(t *testing.T) {
	e, _ := newTestServer(t, "development")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/doctors", strings.NewReader(`{"name":"Dr. Dev"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.DevRoleHeader, auth.RolePatient)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("patient dev role should not create doctors, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	e, a := newTestServer(t, "production")
	admin := issue(t, auth.RoleAdmin)
	rec := do(e, http.MethodPost, "/api/v1/doctors", `{"name":"Dr. Rao"}`, admin)
	var d queue.Doctor
	json.Unmarshal(rec.Body.Bytes(), &d)
	do(e, http.MethodPost, "/api/v1/doctors/"+d.ID.String()+"/queue/advance", "", admin)

	if got := a.metrics.QueueOperations("advance"); got != 1 {
		t.Errorf("expected one advance counted, got %d", got)
	}
	rec = do(e, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics should be public, got %d", rec.Code)
	}
	for _, want := range []string{`queue_operations_total{event="advance"} 1`, "websocket_clients 0", `route="/api/v1/doctors"`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	cfg := testConfig("production")
	cfg.MetricsEnabled = false
	b, err := newApp(cfg, queue.NewMemoryStore(), nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if rec := do(newServer(cfg, b, zerolog.Nop()), http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("disabled metrics: expected 404, got %d", rec.Code)
	}
}

func TestServer_WebSocketRouteRegistered(t *testing.T) {
	e, _ := newTestServer(t, "production")
	for _, r := range e.Routes() {
		if r.Method == http.MethodGet && r.Path == "/api/v1/ws" {
			return
		}
	}
	t.Fatal("expected GET /api/v1/ws")
}

func TestNewApp_RejectsBadPolicy(t *testing.T) {
	cfg := testConfig("production")
	cfg.WaitBands = "0:soon"
	if _, err := newApp(cfg, queue.NewMemoryStore(), nil, zerolog.Nop()); err == nil {
		t.Error("expected error for bands without an open band")
	}
	cfg = testConfig("production")
	cfg.PatientMinutes = "8-5"
	if _, err := newApp(cfg, queue.NewMemoryStore(), nil, zerolog.Nop()); err == nil {
		t.Error("expected error for inverted patient minutes")
	}
}

func TestLoadDoctorSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doctors.json")
	os.WriteFile(path, []byte(`[
		{"name":"Dr. A","specialization":"General"},
		{"name":"Dr. B","specialization":"ENT","is_available":false}
	]`), 0o600)

	doctors, err := loadDoctorSeed(path)
	if err != nil {
		t.Fatalf("loadDoctorSeed: %v", err)
	}
	if len(doctors) != 2 || !doctors[0].IsAvailable || doctors[1].IsAvailable {
		t.Fatalf("unexpected doctors %+v %+v", doctors[0], doctors[1])
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`[{"specialization":"ENT"}]`), 0o600)
	if _, err := loadDoctorSeed(bad); err == nil {
		t.Error("expected error for a doctor without a name")
	}
	if _, err := loadDoctorSeed(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestKnownRole(t *testing.T) {
	for _, r := range []string{auth.RolePatient, auth.RoleReceptionist, auth.RoleDoctor, auth.RoleAdmin} {
		if !knownRole(r) {
			t.Errorf("%s should be known", r)
		}
	}
	if knownRole("janitor") {
		t.Error("janitor should not be a role")
	}
}
