package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if len(id) != 22 {
		t.Errorf("length = %d, want 22", len(id))
	}
	if !isValidRequestID(id) {
		t.Errorf("generated ID %q fails its own validation", id)
	}
	if id == GenerateRequestID() {
		t.Error("two generated IDs are identical")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	valid := []string{"abc123", "req_1-a", strings.Repeat("a", 128)}
	for _, id := range valid {
		if !isValidRequestID(id) {
			t.Errorf("isValidRequestID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "has space", "crlf\r\ninjected", strings.Repeat("a", 129), "semi;colon"}
	for _, id := range invalid {
		if isValidRequestID(id) {
			t.Errorf("isValidRequestID(%q) = true, want false", id)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seenInContext string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenInContext = GetRequestID(r.Context())
	}))

	t.Run("upstream ID preserved", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(RequestIDHeader, "upstream-id-1")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, r)

		if rr.Header().Get(RequestIDHeader) != "upstream-id-1" {
			t.Errorf("response header = %q, want upstream-id-1", rr.Header().Get(RequestIDHeader))
		}
		if seenInContext != "upstream-id-1" {
			t.Errorf("context ID = %q, want upstream-id-1", seenInContext)
		}
	})

	t.Run("invalid upstream ID replaced", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(RequestIDHeader, "bad id\r\nSet-Cookie: x")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, r)

		got := rr.Header().Get(RequestIDHeader)
		if got == "" || !isValidRequestID(got) {
			t.Errorf("replacement ID %q is missing or invalid", got)
		}
	})

	t.Run("missing ID generated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

		if got := rr.Header().Get(RequestIDHeader); !isValidRequestID(got) {
			t.Errorf("generated ID %q is invalid", got)
		}
	})
}
