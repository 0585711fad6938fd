package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLive_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/live", nil)
	rec := httptest.NewRecorder()
	h.Live(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestLive_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/live", nil)
	rec := httptest.NewRecorder()
	h.Live(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReady_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "switch", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "contexts", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["switch"] != "ok" {
		t.Errorf("switch check = %q, want %q", body.Checks["switch"], "ok")
	}
	if body.Checks["contexts"] != "ok" {
		t.Errorf("contexts check = %q, want %q", body.Checks["contexts"], "ok")
	}
}

func TestReady_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "switch", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "contexts", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["switch"] != "fail: connection refused" {
		t.Errorf("switch check = %q, want %q", body.Checks["switch"], "fail: connection refused")
	}
	if body.Checks["contexts"] != "ok" {
		t.Errorf("contexts check = %q, want %q", body.Checks["contexts"], "ok")
	}
}

func TestReady_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReady_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/ready", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHealthy(t *testing.T) {
	fail := errors.New("connection refused")

	tests := []struct {
		name     string
		checkers []Checker
		want     bool
	}{
		{"no checkers", nil, true},
		{"all pass", []Checker{
			{Name: "switch", Check: func(context.Context) error { return nil }},
			{Name: "contexts", Check: func(context.Context) error { return nil }},
		}, true},
		{"one fails", []Checker{
			{Name: "switch", Check: func(context.Context) error { return fail }},
			{Name: "contexts", Check: func(context.Context) error { return nil }},
		}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New(tc.checkers...)
			if got := h.Healthy(context.Background()); got != tc.want {
				t.Errorf("Healthy = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReload_NotEnabled(t *testing.T) {
	h := New()

	req := httptest.NewRequest("POST", "/reload", nil)
	rec := httptest.NewRecorder()
	h.Reload(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestReload_TokenRequired(t *testing.T) {
	called := false
	h := New()
	h.EnableReload("s3cret", func() error { called = true; return nil })

	tests := []struct {
		name       string
		auth       string
		wantStatus int
		wantCalled bool
	}{
		{"no token", "", http.StatusUnauthorized, false},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, false},
		{"correct token", "Bearer s3cret", http.StatusOK, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest("POST", "/reload", nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			h.Reload(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if called != tc.wantCalled {
				t.Errorf("reload called = %v, want %v", called, tc.wantCalled)
			}
		})
	}
}

func TestReload_FailureKeepsRunningConfig(t *testing.T) {
	h := New()
	h.EnableReload("", func() error { return errors.New("yaml: line 3: bad indent") })

	req := httptest.NewRequest("POST", "/reload", nil)
	rec := httptest.NewRecorder()
	h.Reload(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Error == "" {
		t.Error("reload failure did not surface the error")
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)
	h.EnableReload("", func() error { return nil })

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{"GET", "/live", http.StatusOK},
		{"GET", "/ready", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"POST", "/reload", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
