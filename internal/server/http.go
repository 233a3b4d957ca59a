package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/tontonpaa/EmbedBot/internal/controller"
	"github.com/tontonpaa/EmbedBot/internal/metrics"
)

// HTTPOptions configures the status API
type HTTPOptions struct {
	Metrics *metrics.Collector
	// AllowedOrigins enables CORS for the listed origins; empty disables it
	AllowedOrigins []string
	// TriggerTimeout bounds POST /api/trigger; zero waits for the cycle
	TriggerTimeout time.Duration
}

// ErrorResponse is the JSON body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}

type statusReporter interface {
	GetStatus() map[string]interface{}
}

// NewRouter builds the HTTP API:
//
//	GET  /healthz
//	GET  /api/status
//	GET  /api/summary
//	POST /api/trigger
//	GET  /metrics        only when opts.Metrics is set
//
// The HTTP trigger never sets the anchor. Anchoring is left to the chat
// command and the loopback gRPC service.
func NewRouter(ctrl Controller, opts HTTPOptions) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		sr, ok := ctrl.(statusReporter)
		if !ok {
			writeError(w, http.StatusNotImplemented, errors.New("status not supported"))
			return
		}
		writeJSON(w, http.StatusOK, sr.GetStatus())
	})

	r.Get("/api/summary", func(w http.ResponseWriter, r *http.Request) {
		sum, ok := ctrl.LastSummary()
		if !ok {
			writeError(w, http.StatusNotFound, ErrNoSummary)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	r.Post("/api/trigger", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if opts.TriggerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.TriggerTimeout)
			defer cancel()
		}
		if a := r.URL.Query().Get("anchor"); a != "" {
			log.Warn("http trigger cannot set the anchor, ignoring", "anchor", a)
		}
		sum, err := ctrl.TriggerCycle(ctx, "")
		if err != nil {
			log.Warn("http trigger failed", "error", err)
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	return r
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrNotStarted), errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away; the code is only logged by proxies
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
