// Package health serves liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// [Checker] concurrently and answers 200 only when all of them pass; the
// JSON body reports each check's outcome and how long it took.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check when [WithTimeout] is not given.
const DefaultTimeout = 2 * time.Second

// Checker is one named readiness condition. Check returns nil while the
// condition holds.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Result is the outcome of one check.
type Result struct {
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Report is the /readyz body.
type Report struct {
	Ready  bool              `json:"ready"`
	Checks map[string]Result `json:"checks"`
}

// Handler evaluates a fixed set of checkers.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout sets the per-check deadline.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// New returns a Handler over checkers.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Evaluate runs every checker in parallel, each under its own deadline.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]Result, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = Result{OK: err == nil, Elapsed: time.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
			}
		})
	}
	wg.Wait()

	rep := Report{Ready: true, Checks: make(map[string]Result, len(results))}
	for i, r := range results {
		rep.Checks[h.checkers[i].Name] = r
		rep.Ready = rep.Ready && r.OK
	}
	return rep
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		rep := h.Evaluate(r.Context())
		status := http.StatusOK
		if !rep.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rep)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
