package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := map[string]string{
		"":             "http://localhost:8080/healthz",
		":9000":        "http://localhost:9000/healthz",
		"0.0.0.0:9001": "http://localhost:9001/healthz",
		"[::]:9002":    "http://localhost:9002/healthz",
		"10.0.0.5:80":  "http://10.0.0.5:80/healthz",
		"garbage":      "http://localhost:8080/healthz",
	}
	for in, want := range tests {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	if code := check(context.Background(), srv.URL+"/healthz"); code != 0 {
		t.Errorf("healthy server: exit %d", code)
	}
	status = http.StatusServiceUnavailable
	if code := check(context.Background(), srv.URL+"/healthz"); code != 1 {
		t.Errorf("unhealthy server: exit %d", code)
	}
	if code := check(context.Background(), "http://127.0.0.1:1/healthz"); code != 1 {
		t.Errorf("unreachable server: exit %d", code)
	}
}
