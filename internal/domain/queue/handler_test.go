package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	svc, _ := newTestService(t)
	return NewHandler(svc), echo.New()
}

// newTestRouter mounts the handler behind dev authentication so role checks
// run as they do in the server.
func newTestRouter(svc *Service) *echo.Echo {
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware(auth.JWTConfig{SigningKey: []byte("test")}))
	NewHandler(svc).RegisterRoutes(api)
	return e
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_CreateDoctor(t *testing.T) {
	h, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/doctors", `{"name":"Dr. Rao","specialization":"ENT"}`), rec)
	if err := h.CreateDoctor(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var d Doctor
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Name != "Dr. Rao" || !d.IsAvailable {
		t.Errorf("unexpected doctor %+v", d)
	}
}

func TestHandler_CreateDoctor_MissingName(t *testing.T) {
	h, e := newTestHandler(t)
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"specialization":"ENT"}`), httptest.NewRecorder())
	expectHTTPError(t, h.CreateDoctor(c), http.StatusBadRequest)
}

func TestHandler_GetDoctor(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.GetDoctor(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.GetDoctor(c), http.StatusNotFound)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetDoctor(c), http.StatusBadRequest)
}

func TestHandler_ListDoctors_Paginated(t *testing.T) {
	h, e := newTestHandler(t)
	for i := 0; i < 3; i++ {
		mustDoctor(t, h.svc)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/doctors?limit=2", nil), rec)
	if err := h.ListDoctors(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []Doctor `json:"data"`
		Total int      `json:"total"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 2 || body.Total != 3 {
		t.Errorf("expected 2 of 3 doctors, got %d of %d", len(body.Data), body.Total)
	}
	if !strings.Contains(body.Links.Next, "offset=2") {
		t.Errorf("expected a next link, got %q", body.Links.Next)
	}
}

func TestHandler_SetAvailability(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)

	c := e.NewContext(jsonRequest(http.MethodPut, "/", `{}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	expectHTTPError(t, h.SetAvailability(c), http.StatusBadRequest)

	rec := httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPut, "/", `{"available":false}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.SetAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Doctor
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.IsAvailable {
		t.Error("doctor should be unavailable")
	}
}

func TestHandler_BookAppointment(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)

	body := `{"doctor_id":"` + d.ID.String() + `","patient":{"name":"Asha","phone":"555-0100","age":31,"gender":"female","problem":"fever"}}`
	rec := httptest.NewRecorder()
	req := jsonRequest(http.MethodPost, "/api/v1/appointments", body)
	req = req.WithContext(auth.WithIdentity(req.Context(), "u1", []string{auth.RoleReceptionist}))
	c := e.NewContext(req, rec)
	if err := h.BookAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var b Booking
	json.Unmarshal(rec.Body.Bytes(), &b)
	if b.QueueNumber != 1 || b.WaitingAhead != 0 {
		t.Errorf("unexpected booking %+v", b)
	}
	appt, err := h.svc.store.Appointments().GetByID(context.Background(), b.AppointmentID)
	if err != nil {
		t.Fatal(err)
	}
	if appt.CreatedBy != SourceReceptionist {
		t.Errorf("expected receptionist source, got %s", appt.CreatedBy)
	}
}

func TestHandler_BookAppointment_Errors(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad doctor id", `{"doctor_id":"nope","patient":{"name":"A","phone":"1"}}`, http.StatusBadRequest},
		{"unknown doctor", `{"doctor_id":"` + uuid.New().String() + `","patient":{"name":"A","phone":"1"}}`, http.StatusNotFound},
		{"missing phone", `{"doctor_id":"` + d.ID.String() + `","patient":{"name":"A"}}`, http.StatusBadRequest},
		{"malformed json", `{"doctor_id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(jsonRequest(http.MethodPost, "/", tt.body), httptest.NewRecorder())
			expectHTTPError(t, h.BookAppointment(c), tt.code)
		})
	}

	h.svc.SetDoctorAvailability(context.Background(), d.ID, false)
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"doctor_id":"`+d.ID.String()+`","patient":{"name":"A","phone":"1"}}`), httptest.NewRecorder())
	expectHTTPError(t, h.BookAppointment(c), http.StatusConflict)
}

func TestHandler_BookAppointment_IdempotentReplay(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)
	body := `{"doctor_id":"` + d.ID.String() + `","patient":{"name":"A","phone":"1"}}`

	codes := make([]int, 2)
	var ids [2]string
	for i := range codes {
		req := jsonRequest(http.MethodPost, "/", body)
		req.Header.Set(IdempotencyKeyHeader, "abc")
		rec := httptest.NewRecorder()
		if err := h.BookAppointment(e.NewContext(req, rec)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		codes[i] = rec.Code
		var b Booking
		json.Unmarshal(rec.Body.Bytes(), &b)
		ids[i] = b.AppointmentID.String()
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusOK {
		t.Errorf("expected 201 then 200, got %v", codes)
	}
	if ids[0] != ids[1] {
		t.Error("replay returned a different appointment")
	}
}

func TestHandler_AdvanceAndQueue(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)

	advance := func() advanceResponse {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
		c.SetParamNames("id")
		c.SetParamValues(d.ID.String())
		if err := h.AdvanceQueue(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var resp advanceResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp
	}

	if resp := advance(); resp.Entry != nil {
		t.Errorf("expected null entry on empty queue, got %+v", resp.Entry)
	}
	mustBook(t, h.svc, d.ID, "1")
	mustBook(t, h.svc, d.ID, "2")
	if resp := advance(); resp.Entry == nil || resp.Entry.QueueNumber != 1 {
		t.Fatalf("expected #1, got %+v", resp.Entry)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.GetQueue(c); err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if len(snap.Entries) != 2 || snap.Entries[0].Status != EntryCurrent {
		t.Errorf("unexpected snapshot %+v", snap.Entries)
	}
}

func TestHandler_SkipAndComplete(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)
	first := mustBook(t, h.svc, d.ID, "1")
	second := mustBook(t, h.svc, d.ID, "2")
	h.svc.Advance(context.Background(), d.ID)

	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(second.AppointmentID.String())
	expectHTTPError(t, h.CompleteAppointment(c), http.StatusConflict)

	rec := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(first.AppointmentID.String())
	if err := h.CompleteAppointment(c); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(second.EntryID.String())
	if err := h.SkipEntry(c); err != nil {
		t.Fatal(err)
	}
	var e2 QueueEntry
	json.Unmarshal(rec.Body.Bytes(), &e2)
	if e2.Status != EntrySkipped {
		t.Errorf("expected skipped, got %s", e2.Status)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(second.EntryID.String())
	expectHTTPError(t, h.SkipEntry(c), http.StatusConflict)
}

func TestHandler_UpdateAppointmentStatus(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)
	b := mustBook(t, h.svc, d.ID, "1")

	tests := []struct {
		body string
		code int
	}{
		{`{"status":"bogus"}`, http.StatusBadRequest},
		{`{"status":"waiting"}`, http.StatusConflict},
		{`{"status":"in-progress"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		c := e.NewContext(jsonRequest(http.MethodPut, "/", tt.body), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(b.AppointmentID.String())
		expectHTTPError(t, h.UpdateAppointmentStatus(c), tt.code)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, "/", `{"status":"cancelled"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(b.AppointmentID.String())
	if err := h.UpdateAppointmentStatus(c); err != nil {
		t.Fatal(err)
	}
	var appt Appointment
	json.Unmarshal(rec.Body.Bytes(), &appt)
	if appt.Status != AppointmentCancelled {
		t.Errorf("expected cancelled, got %s", appt.Status)
	}
}

func TestHandler_ListPatientAppointments(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)
	mustBook(t, h.svc, d.ID, "5550100")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/appointments?phone=555-0100", nil), rec)
	if err := h.ListPatientAppointments(c); err != nil {
		t.Fatal(err)
	}
	var appts []Appointment
	json.Unmarshal(rec.Body.Bytes(), &appts)
	if len(appts) != 1 || appts[0].QueueNumber != 1 {
		t.Errorf("unexpected appointments %+v", appts)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil), httptest.NewRecorder())
	expectHTTPError(t, h.ListPatientAppointments(c), http.StatusBadRequest)
}

func TestHandler_ListDoctorAppointments_BadDate(t *testing.T) {
	h, e := newTestHandler(t)
	d := mustDoctor(t, h.svc)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?date=03-02-2026", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	expectHTTPError(t, h.ListDoctorAppointments(c), http.StatusBadRequest)
}

func TestHandler_ConflictSetsRetryAfter(t *testing.T) {
	store := &conflictStore{Store: NewMemoryStore(), n: -1}
	svc := NewService(store, zerolog.Nop(), WithRetryPolicy(testRetry))
	d := &Doctor{Name: "Dr. Sen", IsAvailable: true}
	svc.CreateDoctor(context.Background(), d)
	e := newTestRouter(svc)

	body := `{"doctor_id":"` + d.ID.String() + `","patient":{"name":"A","phone":"1"}}`
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, jsonRequest(http.MethodPost, "/api/v1/appointments", body))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("expected Retry-After header on allocation failure")
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	svc, _ := newTestService(t)
	d := mustDoctor(t, svc)
	e := newTestRouter(svc)

	tests := []struct {
		name   string
		role   string
		method string
		path   string
		body   string
		code   int
	}{
		{"patient reads queue", auth.RolePatient, http.MethodGet, "/api/v1/doctors/" + d.ID.String() + "/queue", "", http.StatusOK},
		{"patient cannot advance", auth.RolePatient, http.MethodPost, "/api/v1/doctors/" + d.ID.String() + "/queue/advance", "", http.StatusForbidden},
		{"doctor advances", auth.RoleDoctor, http.MethodPost, "/api/v1/doctors/" + d.ID.String() + "/queue/advance", "", http.StatusOK},
		{"doctor cannot book", auth.RoleDoctor, http.MethodPost, "/api/v1/appointments", `{}`, http.StatusForbidden},
		{"receptionist cannot add doctors", auth.RoleReceptionist, http.MethodPost, "/api/v1/doctors", `{"name":"x"}`, http.StatusForbidden},
		{"admin adds doctors", auth.RoleAdmin, http.MethodPost, "/api/v1/doctors", `{"name":"x"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jsonRequest(tt.method, tt.path, tt.body)
			req.Header.Set(auth.DevRoleHeader, tt.role)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	e := echo.New()
	tests := []struct {
		err  error
		code int
	}{
		{&ValidationError{Msg: "x"}, http.StatusBadRequest},
		{&NotFoundError{Kind: "doctor", ID: "1"}, http.StatusNotFound},
		{&InvalidStateError{Entity: "queue entry", From: "completed", To: "skipped"}, http.StatusConflict},
		{&StoreUnavailableError{Err: errors.New("down")}, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		expectHTTPError(t, httpError(c, tt.err), tt.code)
	}
}
