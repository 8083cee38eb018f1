package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	redisqueue "fleetsync.live/internal/adapters/queue/redis"
	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// DeadLetters lists mutations the store rejected.
type DeadLetters interface {
	List(ctx context.Context, offset, limit int64) ([]*redisqueue.DLQEntry, error)
	Count(ctx context.Context) (int64, error)
}

type Server struct {
	router     *chi.Mux
	store      *services.FleetStore
	dispatcher *services.Dispatcher
	healthSvc  *services.HealthService
	hub        *Hub
	dead       DeadLetters
	threshold  time.Duration
	noMetrics  bool
}

func NewServer(store *services.FleetStore, dispatcher *services.Dispatcher, healthSvc *services.HealthService, hub *Hub, threshold time.Duration) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		store:      store,
		dispatcher: dispatcher,
		healthSvc:  healthSvc,
		hub:        hub,
		threshold:  threshold,
	}
	s.routes()
	return s
}

// WithDeadLetters exposes the rejected-mutation store under /api/dead-letters.
func (s *Server) WithDeadLetters(dead DeadLetters) *Server {
	s.dead = dead
	return s
}

// WithMetrics turns the /metrics endpoint on or off. It is on by default.
func (s *Server) WithMetrics(enabled bool) *Server {
	s.noMetrics = !enabled
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.noMetrics {
			http.NotFound(w, r)
			return
		}
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	s.router.Get("/api/ws", s.handleWS)
	s.router.Get("/api/snapshot", s.handleSnapshot)
	s.router.Post("/api/mutations", s.handleApply)
	s.router.Get("/api/dead-letters", s.handleDeadLetters)
	s.router.Get("/api/trips", s.handleListAllTrips)

	s.router.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/", s.handleRegisterAgent)
		r.Get("/by-name", s.handleAgentByName)
		r.Get("/{id}", s.handleGetAgent)
		r.Delete("/{id}", s.handleDeleteAgent)
		r.Get("/{id}/trips", s.handleListTrips)
		r.Put("/{id}/route", s.handleAssignRoute)
	})

	s.router.Route("/api/stops", func(r chi.Router) {
		r.Get("/", s.handleListStops)
		r.Post("/", s.handleCreateStop)
		r.Get("/{id}", s.handleGetStop)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

// ErrorResponse is the body of every failed request. Kind carries the error
// taxonomy so remote clients can classify the failure.
type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

// StatusFor maps an error kind onto the HTTP status the API answers with.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNone:
		return http.StatusOK
	case domain.KindPermanent:
		return http.StatusGone
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindPreconditionFailed, domain.KindDeviceCapability:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Kind: domain.KindOf(err)})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrPreconditionFailed, err)
	}
	return nil
}

func pagination(r *http.Request) (offset, limit int) {
	limit = 20
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}
	return offset, limit
}

func activeOnly(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if activeOnly(r) {
		snap = services.VisibleSnapshot(snap, time.Now(), s.threshold)
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var m domain.Mutation
	if err := decode(r, &m); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.store.Apply(r.Context(), m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.dead == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": []interface{}{}, "total": 0})
		return
	}
	offset, limit := pagination(r)
	entries, err := s.dead.List(r.Context(), int64(offset), int64(limit))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrUnreachable, err))
		return
	}
	total, err := s.dead.Count(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrUnreachable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "total": total})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var (
		agents []*domain.Agent
		err    error
	)
	if activeOnly(r) {
		agents, err = s.store.ActiveAgents(r.Context(), s.threshold)
	} else {
		agents, err = s.store.ListAgents(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type RegisterAgentRequest struct {
	Name     string              `json:"name"`
	Position *domain.Coordinates `json:"position,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := services.Register(r.Context(), s.store, req.Name, req.Position)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.FindAgentByName(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.store.Apply(r.Context(), domain.Mutation{
		ID:          uuid.NewString(),
		Kind:        domain.MutationDelete,
		AgentID:     id,
		SubmittedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	page, err := s.store.ListTrips(r.Context(), chi.URLParam(r, "id"), offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListAllTrips is the dispatcher's trip history across agents.
func (s *Server) handleListAllTrips(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	page, err := s.store.ListAllTrips(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type AssignRouteRequest struct {
	StopIDs  []string `json:"stop_ids"`
	Optimize bool     `json:"optimize"`
}

type AssignRouteResponse struct {
	*domain.ApplyResult
	Optimized bool `json:"optimized"`
}

func (s *Server) handleAssignRoute(w http.ResponseWriter, r *http.Request) {
	var req AssignRouteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, optimized, err := s.dispatcher.Dispatch(r.Context(), chi.URLParam(r, "id"), req.StopIDs, req.Optimize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AssignRouteResponse{ApplyResult: res, Optimized: optimized})
}

func (s *Server) handleListStops(w http.ResponseWriter, r *http.Request) {
	stops, err := s.store.ListStops(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stops == nil {
		stops = []*domain.Stop{}
	}
	writeJSON(w, http.StatusOK, stops)
}

func (s *Server) handleCreateStop(w http.ResponseWriter, r *http.Request) {
	var st domain.Stop
	if err := decode(r, &st); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.store.CreateStop(r.Context(), &st)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetStop(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetStop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
