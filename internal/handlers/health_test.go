package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLiveness(t *testing.T) {
	w := httptest.NewRecorder()
	Liveness(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("body: %v", body)
	}
}

func TestReadiness(t *testing.T) {
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	w := httptest.NewRecorder()
	Readiness(map[string]Pinger{"postgres": up, "redis": up})(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("all healthy: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	Readiness(map[string]Pinger{"postgres": up, "redis": down})(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded: got %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	deps, _ := body["dependencies"].(map[string]any)
	redis, _ := deps["redis"].(map[string]any)
	if body["status"] != "degraded" || redis["error"] != "connection refused" {
		t.Errorf("body: %v", body)
	}
}
