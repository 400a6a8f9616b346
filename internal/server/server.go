// Package server exposes the recorder over HTTP: start, stop and status per
// group, a websocket event stream and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/metrics"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/output"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/session"
)

// Recorder is the part of the session manager the API drives.
type Recorder interface {
	Start(ctx context.Context, ch session.Channel, requester string) (session.Snapshot, error)
	Stop(ctx context.Context, groupID string, reason session.Reason) (*session.StopSummary, error)
	Status(groupID string) *session.Snapshot
	Active() []session.Snapshot
}

// Options configures the server.
type Options struct {
	Addr        string
	CORSOrigins []string
	Events      http.Handler // websocket stream, optional
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.Metrics
	Formatter   output.Formatter
	// Checks are reported by /healthz; a failing check marks the service degraded.
	Checks map[string]func() bool
}

// Server is the HTTP API.
type Server struct {
	rec    Recorder
	opts   Options
	router *mux.Router
	server *http.Server
}

// New builds the router and the underlying http.Server.
func New(rec Recorder, opts Options) *Server {
	s := &Server{
		rec:    rec,
		opts:   opts,
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.metricsMiddleware)
	api.HandleFunc("/groups/{groupID}/recording", s.startHandler).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupID}/recording", s.statusHandler).Methods(http.MethodGet)
	api.HandleFunc("/groups/{groupID}/recording", s.stopHandler).Methods(http.MethodDelete)
	api.HandleFunc("/recordings", s.listHandler).Methods(http.MethodGet)

	if s.opts.Events != nil {
		s.router.Handle("/v1/events", s.opts.Events).Methods(http.MethodGet)
	}

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := make(map[string]bool, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		checks[name] = check()
		if !checks[name] {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"sessions": len(s.rec.Active()),
		"checks":   checks,
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info(logging.CategoryHTTP, "starting HTTP API addr=%s", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info(logging.CategoryHTTP, "HTTP API stopped")
	return nil
}

type startRequest struct {
	ChannelID string `json:"channel_id"`
	Requester string `json:"requester"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type stopResponse struct {
	SessionID      string         `json:"session_id"`
	GroupID        string         `json:"group_id"`
	ChannelID      string         `json:"channel_id"`
	Dir            string         `json:"dir"`
	Reason         session.Reason `json:"reason"`
	Duration       time.Duration  `json:"duration"`
	SegmentCount   int            `json:"segment_count"`
	FailedSegments int            `json:"failed_segments"`
	Message        string         `json:"message"`
	Mixdown        *mixdownResult `json:"mixdown,omitempty"`
}

type mixdownResult struct {
	Path     string        `json:"path,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Segments int           `json:"segments,omitempty"`
	Error    string        `json:"error,omitempty"`
	Message  string        `json:"message"`
}

type statusResponse struct {
	session.Snapshot
	Message string `json:"message"`
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["groupID"]

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "request body must be JSON with channel_id and requester")
		return
	}
	if req.ChannelID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "channel_id is required")
		return
	}

	snap, err := s.rec.Start(r.Context(), session.Channel{GroupID: groupID, ChannelID: req.ChannelID}, req.Requester)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, statusResponse{Snapshot: snap, Message: s.opts.Formatter.Started(snap)})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.rec.Status(mux.Vars(r)["groupID"])
	if snap == nil {
		s.writeSessionError(w, session.ErrNoActiveSession)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Snapshot: *snap, Message: s.opts.Formatter.Status(snap)})
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["groupID"]
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	// A client that hangs up must not cut short the flush of open segments.
	sum, err := s.rec.Stop(context.WithoutCancel(r.Context()), groupID, session.ReasonManual)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	resp := stopResponse{
		SessionID:      sum.SessionID,
		GroupID:        sum.GroupID,
		ChannelID:      sum.ChannelID,
		Dir:            sum.Dir,
		Reason:         sum.Reason,
		Duration:       sum.Duration,
		SegmentCount:   sum.SegmentCount,
		FailedSegments: sum.FailedSegments,
		Message:        s.opts.Formatter.Stopped(*sum),
	}
	if !wait || sum.Mixdown == nil {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	artifact, err := sum.Mixdown.Wait(r.Context())
	if err != nil && r.Context().Err() != nil {
		return
	}
	resp.Mixdown = &mixdownResult{Message: s.opts.Formatter.Mixdown(artifact, err)}
	if err != nil {
		resp.Mixdown.Error = errorKind(err)
	} else {
		resp.Mixdown.Path = artifact.Path
		resp.Mixdown.Duration = artifact.Duration
		resp.Mixdown.Segments = artifact.Segments
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Active())
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
		}
		logging.Debug(logging.CategoryHTTP, "%s %s status=%d duration=%v", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoActiveSession):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrConnectionTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logging.Error(logging.CategoryHTTP, "recording request failed: %v", err)
	}
	s.writeError(w, status, errorKind(err), s.opts.Formatter.Error(err))
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

func errorKind(err error) string {
	var merr *mixdown.MergeError
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		return "already_recording"
	case errors.Is(err, session.ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, session.ErrConnectionTimeout):
		return "connection_timeout"
	case errors.Is(err, mixdown.ErrNoAudioCaptured):
		return "no_audio_captured"
	case errors.As(err, &merr):
		return "merge_failed"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Debug(logging.CategoryHTTP, "write response: %v", err)
	}
}
