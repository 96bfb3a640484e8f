// File: internal/api/handlers.go
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/jobs"
)

const (
	defaultListLimit = 20
	maxBodyBytes     = 1 << 16
)

type registerRequest struct {
	Count int `json:"count"`
}

type refreshRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type submitResponse struct {
	TaskID string            `json:"task_id"`
	Status schemas.JobStatus `json:"status"`
}

type healthResponse struct {
	Status       string `json:"status"`
	ClashRunning bool   `json:"clash_running"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req := registerRequest{Count: 1}
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.jobs.SubmitRegister(req.Count)
	s.respondSubmitted(w, job, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.jobs.SubmitRefresh(req.Email, req.Password)
	s.respondSubmitted(w, job, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(mux.Vars(r)["id"])
	if !ok {
		s.respondWithError(w, http.StatusNotFound, "task not found")
		return
	}
	s.respondWithJSON(w, http.StatusOK, job)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.respondWithJSON(w, http.StatusOK, s.jobs.List(limit))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.proxy != nil {
		resp.ClashRunning = s.proxy.Running()
	}
	s.respondWithJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

func (s *Server) respondSubmitted(w http.ResponseWriter, job schemas.Job, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		s.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrShuttingDown):
		s.respondWithError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("Failed to submit job.", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "failed to submit job")
	default:
		s.respondWithJSON(w, http.StatusOK, submitResponse{TaskID: job.ID, Status: job.Status})
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondWithJSON(w, statusCode, errorResponse{Error: message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
