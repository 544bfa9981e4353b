package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/members"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit, Offset: 0}},
		{"?limit=10&offset=30", Params{Limit: 10, Offset: 30}},
		{"?_count=5&_offset=15", Params{Limit: 5, Offset: 15}},
		{"?limit=1000", Params{Limit: MaxLimit, Offset: 0}},
		{"?limit=-3&offset=-10", Params{Limit: DefaultLimit, Offset: 0}},
		{"?limit=abc", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tt := range tests {
		if got := paramsFor(tt.query); got != tt.want {
			t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("unexpected HasNext result")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("unexpected HasPrevious result")
	}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if (Params{Limit: 10, Offset: 25}).PreviousOffset() != 15 {
		t.Error("expected previous offset 15")
	}
}

func TestNewResponse_Links(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 45, Params{Limit: 20, Offset: 20}, "/api/v1/members")
	if !resp.HasMore {
		t.Error("expected more results")
	}
	if resp.Links.Self != "/api/v1/members?offset=20&limit=20" {
		t.Errorf("unexpected self link %s", resp.Links.Self)
	}
	if resp.Links.Next != "/api/v1/members?offset=40&limit=20" {
		t.Errorf("unexpected next link %s", resp.Links.Next)
	}
	if resp.Links.Previous != "/api/v1/members?offset=0&limit=20" {
		t.Errorf("unexpected previous link %s", resp.Links.Previous)
	}

	last := NewResponse(nil, 45, Params{Limit: 20, Offset: 40}, "/x")
	if last.HasMore || last.Links.Next != "" {
		t.Error("expected no next page on the last page")
	}
}
