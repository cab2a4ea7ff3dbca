package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chaz8081/bleseq/internal/ble"
	"github.com/chaz8081/bleseq/internal/session"
	"github.com/chaz8081/bleseq/internal/store"
	"github.com/chaz8081/bleseq/internal/worker"
)

const defaultListLimit = 50

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type procedureSessions struct {
	Procedure string             `json:"procedure"`
	Sessions  []session.Snapshot `json:"sessions"`
}

type poolResponse struct {
	State     string `json:"state"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Queued int    `json:"queued"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("[API] encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	out := make([]procedureSessions, 0, len(s.deps.Sequencers))
	for _, seq := range s.deps.Sequencers {
		snaps := seq.Sessions()
		if snaps == nil {
			snaps = []session.Snapshot{}
		}
		out = append(out, procedureSessions{Procedure: seq.Name(), Sessions: snaps})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Links == nil {
		s.writeJSON(w, http.StatusOK, []ble.LinkInfo{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Links.Links())
}

func (s *Server) poolStatus() poolResponse {
	p := s.deps.Pool
	return poolResponse{
		State:     p.State().String(),
		Workers:   p.Workers(),
		Queued:    p.QueueLen(),
		Completed: p.Completed(),
	}
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		s.writeError(w, http.StatusNotFound, "no worker pool")
		return
	}
	s.writeJSON(w, http.StatusOK, s.poolStatus())
}

func (s *Server) handlePoolStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		s.writeError(w, http.StatusNotFound, "no worker pool")
		return
	}
	if err := s.deps.Pool.Start(s.base); err != nil {
		if errors.Is(err, worker.ErrNotIdle) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to start pool")
		return
	}
	s.writeJSON(w, http.StatusOK, s.poolStatus())
}

func (s *Server) handlePoolStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		s.writeError(w, http.StatusNotFound, "no worker pool")
		return
	}
	s.deps.Pool.RequestStop()
	s.writeJSON(w, http.StatusAccepted, s.poolStatus())
}

// handleSubmitJob queues the request body as job input. The optional name
// query parameter labels the job.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil || s.deps.NewJob == nil {
		s.writeError(w, http.StatusNotFound, "no worker pool")
		return
	}
	input, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobInput))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "input too large")
		return
	}
	if len(input) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty input")
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "http"
	}
	job := s.deps.NewJob(name, input)
	if err := s.deps.Pool.Submit(job); err != nil {
		switch {
		case errors.Is(err, worker.ErrQueueFull):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, worker.ErrInvalidJob):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}
	s.logger.Info("[API] job queued", "job", job.ID, "name", name, "bytes", len(input))
	s.writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Queued: s.deps.Pool.QueueLen()})
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	outcomes, err := s.deps.Store.ListOutcomes(r.Context(), parseLimit(r))
	if err != nil {
		s.logger.Error("[API] list outcomes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}
	if outcomes == nil {
		outcomes = []*store.Outcome{}
	}
	s.writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), parseLimit(r))
	if err != nil {
		s.logger.Error("[API] list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*store.JobRecord{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	o, err := s.deps.Store.GetOutcome(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "outcome not found")
		return
	}
	if err != nil {
		s.logger.Error("[API] get outcome", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get outcome")
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.logger.Error("[API] stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
