// Package httpapi exposes the lifecycle tracker over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/danielpeach/keel/lifecycle"
	"github.com/danielpeach/keel/query"
	"github.com/danielpeach/keel/tracker"
)

// Server holds the dependencies of the HTTP API.
type Server struct {
	Tracker *tracker.Tracker

	// Store is the event store backing the tracker. The server probes it
	// for the optional query interfaces; endpoints whose interface is
	// missing report as unsupported instead of failing.
	Store lifecycle.EventStore

	Logger *slog.Logger
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/lifecycle/events", s.handleSaveEvent)
		r.Post("/lifecycle/events/batch", s.handleSaveEvents)

		r.Route("/artifacts/{ref}", func(r chi.Router) {
			r.Get("/versions", s.handleListVersions)
			r.Get("/versions/{version}/events", s.handleGetEvents)
			r.Get("/versions/{version}/steps", s.handleGetSteps)
		})
	})

	return r
}

func (s *Server) handleSaveEvent(w http.ResponseWriter, r *http.Request) {
	var e lifecycle.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
		return
	}

	if err := s.Tracker.SaveEvent(r.Context(), e); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidEvent) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": 1})
}

func (s *Server) handleSaveEvents(w http.ResponseWriter, r *http.Request) {
	var events []lifecycle.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode events: %w", err))
		return
	}

	if err := s.Tracker.SaveEvents(r.Context(), events); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidEvent) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(events)})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	version := chi.URLParam(r, "version")

	events, err := s.Tracker.Events(r.Context(), ref, version)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	version := chi.URLParam(r, "version")

	steps, err := s.Tracker.Steps(r.Context(), ref, version)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, steps)
}

// versionSummary is one row of the versions listing.
type versionSummary struct {
	Version string `json:"version"`
	Stages  int64  `json:"stages,omitempty"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	lister, ok := s.Store.(query.VersionLister)
	if !ok {
		writeErr(w, http.StatusNotImplemented, errors.New("version listing is not supported by this store"))
		return
	}

	versions, err := lister.ListVersions(r.Context(), ref)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	counter, canCount := s.Store.(query.StageCounter)

	resp := make([]versionSummary, 0, len(versions))
	for _, v := range versions {
		sum := versionSummary{Version: v}
		if canCount {
			n, err := counter.CountStages(r.Context(), ref, v)
			if err != nil {
				writeErr(w, http.StatusInternalServerError, err)
				return
			}
			sum.Stages = n
		}
		resp = append(resp, sum)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if pinger, ok := s.Store.(query.Pinger); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully within shutdownTimeout.
func Serve(ctx context.Context, logger *slog.Logger, addr string, shutdownTimeout time.Duration, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// requestLogger logs one line per request at Info, or Error for 5xx.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			attrs := []any{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if ww.Status() >= 500 {
				logger.Error("http request", attrs...)
				return
			}
			logger.Info("http request", attrs...)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
