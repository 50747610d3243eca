package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealthHandler_AllHealthy(t *testing.T) {
	checks := map[string]Check{
		"redis": func(context.Context) error { return nil },
		"mongo": func(context.Context) error { return nil },
	}
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	if err := HealthHandler(checks, nil)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status     string            `json:"status"`
		Components []ComponentHealth `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || len(body.Components) != 2 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if body.Components[0].Name != "mongo" || body.Components[1].Name != "redis" {
		t.Errorf("components must be sorted by name: %+v", body.Components)
	}
}

func TestHealthHandler_Failure(t *testing.T) {
	checks := map[string]Check{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
		"redis":    func(context.Context) error { return nil },
	}
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	if err := HealthHandler(checks, nil)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "unhealthy" {
		t.Errorf("unexpected status %v", body["status"])
	}
}

func TestHealthHandler_CheckSeesDeadline(t *testing.T) {
	checks := map[string]Check{
		"postgres": func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		},
	}
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	_ = HealthHandler(checks, nil)(c)
	if rec.Code != http.StatusOK {
		t.Errorf("checks must run under a deadline: %s", rec.Body.String())
	}
}

func TestPoolStats_JSONTags(t *testing.T) {
	b, err := json.Marshal(PoolStats{TotalConns: 3, MaxConns: 10, AcquireDuration: "1ms"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON key %s", key)
		}
	}
}
