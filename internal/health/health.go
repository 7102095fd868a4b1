// Package health implements the ambient /healthz endpoint described in
// SPEC_FULL.md §6: a load-balancer liveness probe that reports whether the
// engine is running and for how long, without carrying any authority over
// core state (it is a read-only observer, like the monitor socket).
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Status is what a probe checks on each request.
type Status struct {
	Running            bool
	Uptime             time.Duration
	WebSocketListening bool
	TCPListening       bool
}

// StatusFunc produces the current Status. Implemented by the engine's own
// Running()/listener accessors at wiring time; kept as a func here so this
// package doesn't import internal/engine.
type StatusFunc func() Status

type response struct {
	Running            bool   `json:"running"`
	UptimeSeconds      int64  `json:"uptimeSeconds"`
	WebSocketListening bool   `json:"websocketListening"`
	TCPListening       bool   `json:"tcpListening"`
	Status             string `json:"status"`
}

// NewRouter builds an *mux.Router exposing GET /healthz, composed the way
// the teacher assembles its own HTTP API surface (one route per concern,
// gorilla/mux for path matching).
func NewRouter(statusFn StatusFunc) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handleHealthz(w, statusFn())
	}).Methods(http.MethodGet)
	return router
}

func handleHealthz(w http.ResponseWriter, s Status) {
	resp := response{
		Running:            s.Running,
		UptimeSeconds:      int64(s.Uptime.Seconds()),
		WebSocketListening: s.WebSocketListening,
		TCPListening:       s.TCPListening,
		Status:             "ok",
	}

	code := http.StatusOK
	if !s.Running || !s.WebSocketListening || !s.TCPListening {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
