package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// chain applies the middleware in main's order: Logger innermost of the two,
// RequestID outside it, so the access log sees the populated context.
func chain(log *zerolog.Logger, h http.Handler) http.Handler {
	h = Logger(log)(h)
	h = RequestID(h)
	return h
}

func TestAccessLogCarriesIncomingRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	h := chain(&log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-abc-123" {
		t.Fatalf("response header = %q, want incoming id echoed", got)
	}

	var line struct {
		RequestID string `json:"request_id"`
		Method    string `json:"method"`
		Status    int    `json:"status"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode access log %q: %v", buf.String(), err)
	}
	if line.RequestID != "req-abc-123" {
		t.Fatalf("access log request_id = %q, want the incoming id", line.RequestID)
	}
	if line.Status != http.StatusNoContent {
		t.Fatalf("access log status = %d, want %d", line.Status, http.StatusNoContent)
	}
}

func TestAccessLogCarriesGeneratedRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	h := chain(&log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	var line struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode access log %q: %v", buf.String(), err)
	}
	if line.RequestID == "" {
		t.Fatal("access log request_id is empty; generated id lost")
	}
	if line.RequestID != rec.Header().Get("X-Request-ID") {
		t.Fatalf("access log id %q does not match response header %q",
			line.RequestID, rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDFromContext(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-xyz")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "req-xyz" {
		t.Fatalf("handler saw request id %q, want req-xyz", seen)
	}
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	h := Recovery(&log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged: %q", buf.String())
	}
}
