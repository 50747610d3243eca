package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

func newAuditContext(method, path string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "patient-7", auth.RolePatient))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestAudit_LogsAPIRequest(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newAuditContext(http.MethodPost, "/api/v1/appointments/1f0c7e0e-5b0e-4a55-9d4b-8a8f2c1b3c4d/confirm")
	c.Set("request_id", "req-123")
	c.Set("tenant_id", "default")

	err := Audit(zerolog.New(&buf))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line := decodeLogLine(t, &buf)
	want := map[string]interface{}{
		"type":        "audit",
		"user_id":     "patient-7",
		"tenant_id":   "default",
		"request_id":  "req-123",
		"resource":    "appointments",
		"resource_id": "1f0c7e0e-5b0e-4a55-9d4b-8a8f2c1b3c4d",
		"action":      "confirm",
		"status":      float64(200),
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newAuditContext(http.MethodGet, "/health")
	called := false
	_ = Audit(zerolog.New(&buf))(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	if !called {
		t.Fatal("handler must run")
	}
	if buf.Len() != 0 {
		t.Errorf("expected no audit line, got %s", buf.String())
	}
}

func TestAudit_HandlerErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newAuditContext(http.MethodDelete, "/api/v1/rules/abc")
	wantErr := echo.NewHTTPError(http.StatusForbidden, "forbidden")

	err := Audit(zerolog.New(&buf))(func(c echo.Context) error { return wantErr })(c)
	if err != wantErr {
		t.Fatalf("handler error must pass through, got %v", err)
	}
	line := decodeLogLine(t, &buf)
	if line["status"] != float64(403) || line["level"] != "warn" || line["action"] != "delete" {
		t.Errorf("unexpected audit line %v", line)
	}

	buf.Reset()
	c, _ = newAuditContext(http.MethodGet, "/api/v1/appointments")
	_ = Audit(zerolog.New(&buf))(func(c echo.Context) error { return errors.New("boom") })(c)
	if line := decodeLogLine(t, &buf); line["status"] != float64(500) {
		t.Errorf("plain errors count as 500, got %v", line["status"])
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path, resource, id string
	}{
		{"/api/v1/appointments", "appointments", ""},
		{"/api/v1/appointments/", "appointments", ""},
		{"/api/v1/doctors/d1/availability/2025-06-11", "doctors", "d1"},
		{"/api/v1/rules/r9", "rules", "r9"},
		{"/api/v1/", "unknown", ""},
	}
	for _, tt := range tests {
		res, id := resourceFromPath(tt.path)
		if res != tt.resource || id != tt.id {
			t.Errorf("resourceFromPath(%q) = %q, %q; want %q, %q", tt.path, res, id, tt.resource, tt.id)
		}
	}
}

func TestAuditAction(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/api/v1/appointments", "read"},
		{http.MethodHead, "/api/v1/appointments", "read"},
		{http.MethodPost, "/api/v1/appointments", "create"},
		{http.MethodPost, "/api/v1/appointments/x/confirm", "confirm"},
		{http.MethodPut, "/api/v1/appointments/x", "update"},
		{http.MethodDelete, "/api/v1/doctors/d1", "delete"},
	}
	for _, tt := range tests {
		if got := auditAction(tt.method, tt.path); got != tt.want {
			t.Errorf("auditAction(%s %s) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}
