package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=0", DefaultLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(tt.query)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("FromContext(%q) = %+v, want limit %d offset %d", tt.query, p, tt.limit, tt.offset)
		}
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !r.HasMore || r.Total != 5 || r.Limit != 2 {
		t.Errorf("unexpected response %+v", r)
	}
	if r := NewResponse([]string{"e"}, 5, 2, 4); r.HasMore {
		t.Error("last page must not report more")
	}
}

func TestParams_Next(t *testing.T) {
	p := Params{Limit: 10, Offset: 20}
	if p.NextOffset() != 30 {
		t.Errorf("NextOffset = %d", p.NextOffset())
	}
	if !p.HasNext(31) || p.HasNext(30) {
		t.Error("HasNext boundary is wrong")
	}
}
