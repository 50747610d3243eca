package booking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	t.Helper()
	env := newTestEnv(t)
	env.mustRule(t, "dr-house", []int{1, 3, 5}, "09:00", "09:30")
	return NewHandler(env.svc, zerolog.Nop()), env, echo.New()
}

func newRequest(method, body string, caller Caller) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	role := auth.RolePatient
	if caller.Admin {
		role = auth.RoleAdmin
	}
	return req.WithContext(auth.WithIdentity(req.Context(), caller.UserID, role))
}

func expectHTTPError(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
	return httpErr
}

func TestHandler_CreateAppointment(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"specialty":"cardiology","doctor_id":"dr-house","date":"2025-06-11","time":"09:00"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, body, patient1), rec)

	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var a Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.PatientID != "p-1" || a.Status != StatusPending || a.Date.String() != "2025-06-11" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	// Same slot again.
	c = e.NewContext(newRequest(http.MethodPost, body, patient2), httptest.NewRecorder())
	httpErr := expectHTTPError(t, h.CreateAppointment(c), http.StatusConflict)
	if httpErr.Message != "An appointment already exists for that doctor, date, and time" {
		t.Errorf("unexpected message %v", httpErr.Message)
	}
}

func TestHandler_CreateAppointment_BadRequest(t *testing.T) {
	h, _, e := newTestHandler(t)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing doctor", `{"date":"2025-06-11","time":"09:00"}`, http.StatusBadRequest},
		{"bad json", `{"date":`, http.StatusBadRequest},
		{"not offered", `{"doctor_id":"dr-house","date":"2025-06-11","time":"10:00"}`, http.StatusConflict},
		{"other patient", `{"patient_id":"p-2","doctor_id":"dr-house","date":"2025-06-11","time":"09:00"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(newRequest(http.MethodPost, tt.body, patient1), httptest.NewRecorder())
			expectHTTPError(t, h.CreateAppointment(c), tt.code)
		})
	}
}

func TestHandler_GetAppointment(t *testing.T) {
	h, env, e := newTestHandler(t)
	a, _ := env.svc.CreateAppointment(context.Background(), patient1, booking("dr-house", "2025-06-11", "09:00"))

	tests := []struct {
		name   string
		id     string
		caller Caller
		code   int
	}{
		{"owner", a.ID.String(), patient1, http.StatusOK},
		{"admin", a.ID.String(), admin, http.StatusOK},
		{"other patient", a.ID.String(), patient2, http.StatusForbidden},
		{"unknown", uuid.New().String(), admin, http.StatusNotFound},
		{"malformed", "not-a-uuid", admin, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(newRequest(http.MethodGet, "", tt.caller), rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			err := h.GetAppointment(c)
			if tt.code == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			expectHTTPError(t, err, tt.code)
		})
	}
}

func TestHandler_ConfirmAndDelete(t *testing.T) {
	h, env, e := newTestHandler(t)
	a, _ := env.svc.CreateAppointment(context.Background(), patient1, booking("dr-house", "2025-06-11", "09:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, "", admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.ConfirmAppointment(c); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"confirmed"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodDelete, "", admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.DeleteAppointment(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_UpdateAppointment_Conflict(t *testing.T) {
	h, env, e := newTestHandler(t)
	ctx := context.Background()
	a, _ := env.svc.CreateAppointment(ctx, patient1, booking("dr-house", "2025-06-11", "09:00"))
	_, _ = env.svc.CreateAppointment(ctx, patient2, booking("dr-house", "2025-06-11", "09:30"))

	c := e.NewContext(newRequest(http.MethodPut, `{"time":"09:30"}`, admin), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	expectHTTPError(t, h.UpdateAppointment(c), http.StatusConflict)
}

func TestHandler_InternalErrorIsGeneric(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store.Schedules(), failingUpdates{store.Appointments()},
		WithClock(func() time.Time { return testNow }),
		WithConfig(Config{Location: time.UTC}))
	ctx := context.Background()
	_, _ = svc.CreateRule(ctx, admin, "dr-house", []int{3}, []string{"09:00"})
	a, err := svc.CreateAppointment(ctx, patient1, booking("dr-house", "2025-06-11", "09:00"))
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}

	h := NewHandler(svc, zerolog.Nop())
	c := echo.New().NewContext(newRequest(http.MethodPost, "", admin), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	httpErr := expectHTTPError(t, h.ConfirmAppointment(c), http.StatusInternalServerError)
	if msg, _ := httpErr.Message.(string); strings.Contains(msg, "connection reset") {
		t.Errorf("internal error details leaked: %s", msg)
	}
}

func TestHandler_Availability(t *testing.T) {
	h, env, e := newTestHandler(t)
	_, _ = env.svc.CreateAppointment(context.Background(), patient1, booking("dr-house", "2025-06-11", "09:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "", patient2), rec)
	c.SetParamNames("doctorId", "date")
	c.SetParamValues("dr-house", "2025-06-11")
	if err := h.OpenSlots(c); err != nil {
		t.Fatalf("OpenSlots: %v", err)
	}
	var slots struct {
		Date  string   `json:"date"`
		Slots []string `json:"slots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &slots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if slots.Date != "2025-06-11" || len(slots.Slots) != 1 || slots.Slots[0] != "09:30" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c = e.NewContext(newRequest(http.MethodGet, "", patient2), httptest.NewRecorder())
	c.SetParamNames("doctorId", "date")
	c.SetParamValues("dr-house", "11-06-2025")
	expectHTTPError(t, h.OpenSlots(c), http.StatusBadRequest)

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodGet, "", patient2), rec)
	c.SetParamNames("doctorId")
	c.SetParamValues("dr-house")
	if err := h.AvailableDates(c); err != nil {
		t.Fatalf("AvailableDates: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"2025-06-09"`) || strings.Contains(rec.Body.String(), `"2025-06-10"`) {
		t.Errorf("unexpected dates %s", rec.Body.String())
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	h, env, e := newTestHandler(t)
	ctx := context.Background()
	_, _ = env.svc.CreateAppointment(ctx, patient1, booking("dr-house", "2025-06-11", "09:00"))
	_, _ = env.svc.CreateAppointment(ctx, patient2, booking("dr-house", "2025-06-11", "09:30"))

	req := newRequest(http.MethodGet, "", admin)
	req.URL.RawQuery = "limit=1"
	rec := httptest.NewRecorder()
	if err := h.ListAppointments(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListAppointments: %v", err)
	}
	var page struct {
		Data    []Appointment `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page %s", rec.Body.String())
	}
}

func TestHandler_Rules(t *testing.T) {
	h, _, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"weekdays":[2,4],"time_slots":["14:00","14:30"]}`, admin), rec)
	c.SetParamNames("doctorId")
	c.SetParamValues("dr-wilson")
	if err := h.CreateRule(c); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c = e.NewContext(newRequest(http.MethodPost, `{"weekdays":[],"time_slots":["14:00"]}`, admin), httptest.NewRecorder())
	c.SetParamNames("doctorId")
	c.SetParamValues("dr-wilson")
	expectHTTPError(t, h.CreateRule(c), http.StatusBadRequest)

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodGet, "", patient1), rec)
	c.SetParamNames("doctorId")
	c.SetParamValues("dr-wilson")
	if err := h.ListRules(c); err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	var rules []ScheduleRule
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil || len(rules) != 1 {
		t.Errorf("unexpected rules %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodDelete, "", admin), rec)
	c.SetParamNames("doctorId")
	c.SetParamValues("dr-wilson")
	if err := h.PurgeDoctor(c); err != nil {
		t.Fatalf("PurgeDoctor: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"rules":1`) {
		t.Errorf("unexpected purge result %s", rec.Body.String())
	}
}

func TestHandler_AdminRoutesRequireRole(t *testing.T) {
	h, env, e := newTestHandler(t)
	a, _ := env.svc.CreateAppointment(context.Background(), patient1, booking("dr-house", "2025-06-11", "09:00"))

	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	h.RegisterRoutes(api)

	tests := []struct {
		method, path, role string
		code               int
	}{
		{http.MethodPost, "/api/v1/appointments/" + a.ID.String() + "/confirm", auth.RolePatient, http.StatusForbidden},
		{http.MethodDelete, "/api/v1/doctors/dr-house", auth.RolePatient, http.StatusForbidden},
		{http.MethodGet, "/api/v1/doctors/dr-house/rules", auth.RolePatient, http.StatusOK},
		{http.MethodPost, "/api/v1/appointments/" + a.ID.String() + "/confirm", auth.RoleAdmin, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		req.Header.Set("X-User-ID", "p-1")
		req.Header.Set("X-User-Role", tt.role)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.code {
			t.Errorf("%s %s as %s: expected %d, got %d", tt.method, tt.path, tt.role, tt.code, rec.Code)
		}
	}
}

func TestAuthorizeTopic(t *testing.T) {
	patientCtx := auth.WithIdentity(context.Background(), "p-1", auth.RolePatient)
	adminCtx := auth.WithIdentity(context.Background(), "admin-1", auth.RoleAdmin)

	tests := []struct {
		name  string
		ctx   context.Context
		topic string
		want  bool
	}{
		{"rules for patient", patientCtx, RulesTopic("dr-house"), true},
		{"empty rules topic", patientCtx, "rules/", false},
		{"own appointments", patientCtx, PatientTopic("p-1"), true},
		{"other patient", patientCtx, PatientTopic("p-2"), false},
		{"all appointments as patient", patientCtx, AllAppointmentsTopic, false},
		{"all appointments as admin", adminCtx, AllAppointmentsTopic, true},
		{"any patient as admin", adminCtx, PatientTopic("p-2"), true},
		{"anonymous", context.Background(), RulesTopic("dr-house"), false},
		{"unknown topic", adminCtx, "billing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AuthorizeTopic(tt.ctx, tt.topic); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
