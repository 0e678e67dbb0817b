// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
	"github.com/certa-qa/userpool/internal/log"
)

type acquireRequest struct {
	ExecutionID  string         `json:"execution_id"`
	Requirements map[string]int `json:"requirements"`
	MaxRetries   int            `json:"max_retries,omitempty"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed acquire request: "+err.Error())
		return
	}

	ctx := log.ContextWithExecutionID(r.Context(), req.ExecutionID)
	res, err := s.coord.Acquire(ctx, req.ExecutionID, req.Requirements, req.MaxRetries)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// The pool composition changed; the next availability read recomputes.
	s.cache.Invalidate(ctx)
	writeJSON(w, http.StatusOK, res)
}

type releaseRequest struct {
	ExecutionID string `json:"execution_id"`
}

type releaseResponse struct {
	ExecutionID string `json:"execution_id"`
	Released    int    `json:"released"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed release request: "+err.Error())
		return
	}
	if req.ExecutionID == "" {
		writeBadRequest(w, "execution_id is required")
		return
	}

	ctx := log.ContextWithExecutionID(r.Context(), req.ExecutionID)
	released, err := s.coord.Release(ctx, req.ExecutionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.cache.Invalidate(ctx)
	writeJSON(w, http.StatusOK, releaseResponse{ExecutionID: req.ExecutionID, Released: released})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if avail, ok := s.cache.Get(ctx); ok {
		writeJSON(w, http.StatusOK, map[string]any{"availability": avail, "cached": true})
		return
	}

	avail, err := s.coord.Availability(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.cache.Set(ctx, avail)
	writeJSON(w, http.StatusOK, map[string]any{"availability": avail, "cached": false})
}

type executionResponse struct {
	Execution *model.Execution `json:"execution"`
	Entities  []*model.Entity  `json:"entities"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, held, err := s.coord.Execution(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{Execution: exec, Entities: held})
}

// --- Directory management ---

type createUserRequest struct {
	Role        string            `json:"role"`
	Credentials model.Credentials `json:"credentials"`
	IsHealthy   *bool             `json:"is_healthy,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed user: "+err.Error())
		return
	}
	if req.Role == "" || req.Credentials.Email == "" {
		writeBadRequest(w, "role and credentials.email are required")
		return
	}

	e := &model.Entity{
		Role:        req.Role,
		Credentials: req.Credentials,
		IsHealthy:   true,
	}
	if req.IsHealthy != nil {
		e.IsHealthy = *req.IsHealthy
	}
	if err := s.store.CreateEntity(r.Context(), e); err != nil {
		writeDomainError(w, err)
		return
	}
	s.cache.Invalidate(r.Context())
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entities == nil {
		entities = []*model.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	e, err := s.store.GetEntity(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteEntity(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.cache.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type setHealthRequest struct {
	Healthy *bool `json:"healthy"`
}

func (s *Server) handleSetUserHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	var req setHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Healthy == nil {
		writeBadRequest(w, "body must carry a boolean healthy field")
		return
	}
	if err := s.store.SetEntityHealth(r.Context(), id, *req.Healthy); err != nil {
		writeDomainError(w, err)
		return
	}
	s.cache.Invalidate(r.Context())

	e, err := s.store.GetEntity(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func entityID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeNotFound(w)
		return 0, false
	}
	return id, true
}
