// Package health serves the engine's operational HTTP surface:
//
//   - /live    — liveness probe; always returns 200 OK.
//   - /ready   — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /metrics — Prometheus scrape endpoint.
//   - /reload  — POST triggers a configuration reload, guarded by a bearer
//     token when one is configured.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "switch",
	// "contexts"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Handler serves the operational endpoints. It is safe for concurrent use;
// the checker list is fixed at construction time.
type Handler struct {
	checkers    []Checker
	reloadToken string
	reload      func() error
}

// New creates a [Handler] that evaluates the given checkers on each /ready
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// EnableReload arms the /reload endpoint. When token is non-empty, requests
// must carry it as a bearer token. Must be called before Register.
func (h *Handler) EnableReload(token string, fn func() error) {
	h.reloadToken = token
	h.reload = fn
}

// Live is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Ready is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Healthy evaluates every registered checker and reports whether all pass.
// It backs call admission, so calls are not accepted while /ready fails.
func (h *Handler) Healthy(ctx context.Context) bool {
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			return false
		}
	}
	return true
}

// Reload applies the current configuration file. Guarded by the bearer token
// when one is set; a reload failure keeps the running configuration and
// reports the error.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeJSON(w, http.StatusNotFound, result{Status: "fail", Error: "reload not enabled"})
		return
	}
	if h.reloadToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+h.reloadToken {
			writeJSON(w, http.StatusUnauthorized, result{Status: "fail", Error: "invalid token"})
			return
		}
	}
	if err := h.reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, result{Status: "fail", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Register adds the operational routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /live", h.Live)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /reload", h.Reload)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
