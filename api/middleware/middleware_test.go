package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestTraceIDPropagatesHeader(t *testing.T) {
	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceIDHeader, "trace-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "trace-42" {
		t.Errorf("Expected trace-42 in context, got %q", seen)
	}
	if rec.Header().Get(TraceIDHeader) != "trace-42" {
		t.Errorf("Trace id not echoed: %q", rec.Header().Get(TraceIDHeader))
	}
}

func TestTraceIDGeneratesWhenMissing(t *testing.T) {
	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(seen) != 36 {
		t.Errorf("Expected generated uuid, got %q", seen)
	}
}

func TestRecoveryReturns500(t *testing.T) {
	h := TraceID(Recovery(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceIDHeader, "trace-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}
	var body panicResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.TraceID != "trace-7" {
		t.Errorf("Expected trace id in body, got %+v", body)
	}
}

func TestLoggingRecordsStatusAndFlushes(t *testing.T) {
	h := Logging(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush through logging writer failed: %v", err)
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTeapot || !rec.Flushed {
		t.Errorf("Unexpected recorder state: code=%d flushed=%v", rec.Code, rec.Flushed)
	}
}
