// Package server exposes the published snapshot over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/elonfeng/cforg/internal/scheduler"
	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/stats"
)

// Refresher starts a refresh cycle in the background. *scheduler.Scheduler
// implements it.
type Refresher interface {
	Trigger(ctx context.Context) error
}

// Server provides the HTTP API.
type Server struct {
	svc       *stats.Service
	refresher Refresher
	gatherer  prometheus.Gatherer
	port      int
	logger    zerolog.Logger
}

// New creates a new HTTP server. A nil refresher disables POST
// /api/v1/refresh; a nil gatherer disables /metrics.
func New(svc *stats.Service, refresher Refresher, gatherer prometheus.Gatherer, port int, logger zerolog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{
		svc:       svc,
		refresher: refresher,
		gatherer:  gatherer,
		port:      port,
		logger:    logger.With().Str("component", "server").Logger(),
	}
}

// Handler returns the routed handler with access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/v1/organization", s.handleOrganization)
	mux.HandleFunc("GET /api/v1/users", s.handleMembers)
	mux.HandleFunc("GET /api/v1/users/contests-participated", s.handleMembersContests)
	mux.HandleFunc("GET /api/v1/users/problems-solved", s.handleMembersProblems)
	mux.HandleFunc("GET /api/v1/users/{handle}", s.handleMember)
	mux.HandleFunc("GET /api/v1/users/{handle}/contests-participated", s.handleMemberContests)
	mux.HandleFunc("GET /api/v1/users/{handle}/problems-solved", s.handleMemberProblems)
	mux.HandleFunc("GET /api/v1/contests", s.handleContests)
	mux.HandleFunc("GET /api/v1/contests/{id}", s.handleContest)
	mux.HandleFunc("GET /api/v1/contests/{id}/standings", s.handleStandings)
	mux.HandleFunc("GET /api/v1/problems", s.handleProblems)
	mux.HandleFunc("GET /api/v1/problems/statistics", s.handleProblemTotals)
	if s.refresher != nil {
		mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	}

	h := hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("took", d).
			Msg("request")
	})(mux)
	return hlog.NewHandler(s.logger)(h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("cforg server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOrganization(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Organization(r.Context())
	s.respond(w, r, resp, err, "")
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Members(r.Context())
	s.respond(w, r, resp, err, "")
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	resp, err := s.svc.Member(r.Context(), handle)
	s.respond(w, r, resp, err, userNotFound(handle))
}

func (s *Server) handleMembersContests(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.MembersContests(r.Context())
	s.respond(w, r, resp, err, "")
}

func (s *Server) handleMemberContests(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	resp, err := s.svc.MemberContests(r.Context(), handle)
	s.respond(w, r, resp, err, userNotFound(handle))
}

func (s *Server) handleMembersProblems(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.MembersProblems(r.Context())
	s.respond(w, r, resp, err, "")
}

func (s *Server) handleMemberProblems(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	resp, err := s.svc.MemberProblems(r.Context(), handle)
	s.respond(w, r, resp, err, userNotFound(handle))
}

func (s *Server) handleContests(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Contests(r.Context())
	s.respond(w, r, resp, err, "")
}

func (s *Server) handleContest(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, contestNotFound(raw))
		return
	}
	resp, err := s.svc.Contest(r.Context(), id)
	s.respond(w, r, resp, err, contestNotFound(raw))
}

func (s *Server) handleStandings(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, contestNotFound(raw))
		return
	}
	resp, err := s.svc.ContestStandings(r.Context(), id)
	s.respond(w, r, resp, err, contestNotFound(raw))
}

func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Problems(r.Context())
	s.respond(w, r, resp, err, "")
}

func (s *Server) handleProblemTotals(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.ProblemTotals(r.Context())
	s.respond(w, r, resp, err, "")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.refresher.Trigger(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "A refresh is already running.")
	default:
		s.internalError(w, r, err)
	}
}

// respond writes resp, or maps err to 404 (with notFound as the message)
// or 500.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, resp any, err error, notFound string) {
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if notFound != "" && errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func userNotFound(handle string) string {
	return fmt.Sprintf("User %s not found.", handle)
}

func contestNotFound(id string) string {
	return fmt.Sprintf("Contest with id %s not found.", id)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
