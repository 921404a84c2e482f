// Package api serves the read-only HTTP surface: operations, executions,
// detection executions and their result rows, plus health and Prometheus
// metrics. All writes flow through the broker consumers; the API never
// mutates state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/store"
)

// HealthChecker is anything whose liveness the /healthz endpoint reports.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type namedChecker struct {
	name    string
	checker HealthChecker
}

// Server is the HTTP front of the engine.
type Server struct {
	store    *store.Gateway
	checkers []namedChecker
	srv      *http.Server
	logger   *log.Logger
}

// NewServer builds the server and its routes.
func NewServer(port int, g *store.Gateway) *Server {
	s := &Server{
		store:  g,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/operations", s.handleListOperations).Methods(http.MethodGet)
	v1.HandleFunc("/operations/{id}", s.handleGetOperation).Methods(http.MethodGet)
	v1.HandleFunc("/operations/{id}/executions", s.handleListExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/detections", s.handleListDetections).Methods(http.MethodGet)
	v1.HandleFunc("/detections", s.handleListDetections).Methods(http.MethodGet)
	v1.HandleFunc("/detections/{id}", s.handleGetDetection).Methods(http.MethodGet)
	v1.HandleFunc("/detections/{id}/results", s.handleListResults).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// AddHealthCheck registers a dependency for /healthz.
func (s *Server) AddHealthCheck(name string, c HealthChecker) {
	s.checkers = append(s.checkers, namedChecker{name: name, checker: c})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Printf("🚀 HTTP API listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{}
	for _, c := range s.checkers {
		if err := c.checker.Ping(ctx); err != nil {
			deps[c.name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[c.name] = "ok"
		}
	}

	body := map[string]interface{}{"status": "ok", "dependencies": deps}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	ops, err := s.store.ListOperations(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": orEmpty(ops), "count": len(ops)})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	op, err := s.store.GetOperation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := pagination(r)
	exs, err := s.store.ListExecutions(r.Context(), id, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": orEmpty(exs), "count": len(exs)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	ex, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	f := store.DetectionFilter{}
	f.Limit, f.Offset = pagination(r)

	if raw, ok := mux.Vars(r)["id"]; ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid execution id"})
			return
		}
		f.ExecutionID = id
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := domain.DetectionStatus(st)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid status %q", st)})
			return
		}
		f.Status = status
	}
	if op := r.URL.Query().Get("operation_id"); op != "" {
		id, err := uuid.Parse(op)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid operation_id"})
			return
		}
		f.OperationExternalID = id
	}

	des, err := s.store.ListDetectionExecutions(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"detection_executions": orEmpty(des), "count": len(des)})
}

func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	de, err := s.store.GetDetectionExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, de)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit, _ := pagination(r)
	results, err := s.store.ListDetectionResults(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"detection_results": orEmpty(results), "count": len(results)})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, store.ErrTransient):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
	default:
		s.logger.Printf("❌ Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// orEmpty keeps list payloads as [] instead of null.
func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
