// Package health provides HTTP liveness and readiness probes for the
// gateway.
//
//   - /healthz — liveness; returns 200 with uptime as long as the process
//     can serve HTTP.
//   - /readyz  — readiness; returns 200 only when every registered
//     [Checker] passes (credential source, recognizer client, safety
//     rules).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the
// dependency is usable and an error describing the failure otherwise.
type Checker struct {
	// Name appears as a key in the /readyz response, e.g. "vertex_credentials".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Static returns a Checker that always reports the given error state.
// Useful for wiring configuration-time failures into /readyz.
func Static(name string, err error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return err }}
}

// result is the JSON body for both probes.
type result struct {
	Status   string            `json:"status"`
	UptimeMS int64             `json:"uptime_ms,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction; safe for concurrent use.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a Handler evaluating the given checkers on each /readyz
// request, in order.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{started: time.Now(), checkers: c}
}

// Healthz always returns 200 with the process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status:   "ok",
		UptimeMS: time.Since(h.started).Milliseconds(),
	})
}

// Readyz returns 200 only when every checker passes. Each checker runs
// with a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
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

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
