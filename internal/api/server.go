package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/metrics"
	"github.com/JakeFAU/linkcheck-crawler/internal/pipeline"
	"github.com/JakeFAU/linkcheck-crawler/internal/progress/sinks"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Controller is the run the server reports on and steers.
type Controller interface {
	Status() pipeline.Status
	Pause() error
	Resume() error
	Cancel() error
}

// TotalsSource provides running verification totals.
type TotalsSource interface {
	Totals() sinks.Totals
}

// Server wires HTTP handlers to a Controller.
type Server struct {
	router chi.Router
	ctl    Controller
	totals TotalsSource
	runID  string
	seed   string
	logger *zap.Logger
}

// Options identify the run in status responses.
type Options struct {
	RunID string
	Seed  string
}

// NewServer constructs a Server with middleware and routes. totals may be nil.
func NewServer(ctl Controller, totals TotalsSource, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ctl:    ctl,
		totals: totals,
		runID:  opts.RunID,
		seed:   opts.Seed,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/pause", s.control("pause", ctl.Pause))
		r.Post("/resume", s.control("resume", ctl.Resume))
		r.Post("/cancel", s.control("cancel", ctl.Cancel))
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve api: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	st := s.ctl.Status()
	resp := statusResponse{
		RunID:      s.runID,
		Seed:       s.seed,
		Bot:        st.Bot.String(),
		Workflow:   st.Workflow.String(),
		Workload:   st.Workload,
		Discovered: st.Discovered,
		Queued:     st.Queued,
		PoolSize:   st.PoolSize,
		Paused:     st.Paused,
	}
	if s.totals != nil {
		t := s.totals.Totals()
		resp.Totals = &totalsDTO{
			Verified: t.Verified,
			Broken:   t.Broken,
			Internal: t.Internal,
			External: t.External,
			Bytes:    t.Bytes,
			Faults:   t.Faults,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) control(action string, op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := op(); err != nil {
			if errors.Is(err, pipeline.ErrInvalidState) {
				s.writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.logger.Error("control request failed", zap.String("action", action), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("control request applied", zap.String("action", action))
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"action": action,
			"bot":    s.ctl.Status().Bot.String(),
		})
	}
}

type statusResponse struct {
	RunID      string     `json:"run_id,omitempty"`
	Seed       string     `json:"seed,omitempty"`
	Bot        string     `json:"bot"`
	Workflow   string     `json:"workflow"`
	Workload   int64      `json:"workload"`
	Discovered int        `json:"discovered"`
	Queued     int        `json:"queued"`
	PoolSize   int        `json:"pool_size"`
	Paused     bool       `json:"paused"`
	Totals     *totalsDTO `json:"totals,omitempty"`
}

type totalsDTO struct {
	Verified int64 `json:"verified"`
	Broken   int64 `json:"broken"`
	Internal int64 `json:"internal"`
	External int64 `json:"external"`
	Bytes    int64 `json:"bytes"`
	Faults   int64 `json:"faults"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
