package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sidequest/sidequest/internal/job"
	"github.com/sidequest/sidequest/internal/registry"
	"github.com/sidequest/sidequest/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"status": "ok"}
	if s.opts.Health != nil {
		data["secrets"] = s.opts.Health.Check()
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Exec.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	data := map[string]any{
		"status":    "ok",
		"stats":     stats,
		"pipelines": s.opts.Registry.AllStats(),
	}
	if s.opts.Scheduler != nil {
		data["nextFires"] = s.opts.Scheduler.Entries()
	}
	writeData(w, http.StatusOK, data)
}

type pipelineView struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Cron    string         `json:"cron,omitempty"`
	Git     string         `json:"git"`
	Stats   registry.Stats `json:"stats"`
	Counts  any            `json:"counts"`
	LastRun *job.Job       `json:"lastRun,omitempty"`
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workers := s.opts.Registry.List()
	views := make([]pipelineView, 0, len(workers))
	for _, wk := range workers {
		v := pipelineView{
			ID:   wk.ID,
			Name: wk.Name,
			Cron: wk.Cron,
			Git:  string(wk.Git),
		}
		v.Stats, _ = s.opts.Registry.ScanMetrics(wk.ID)
		counts, err := s.opts.Store.CountsByPipeline(ctx, wk.ID)
		if err != nil {
			respondError(w, err)
			return
		}
		v.Counts = counts
		last, err := s.opts.Store.LastJob(ctx, wk.ID, "")
		if err != nil {
			respondError(w, err)
			return
		}
		v.LastRun = last
		views = append(views, v)
	}
	writeData(w, http.StatusOK, map[string]any{"pipelines": views})
}

type triggerRequest struct {
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	if err := job.ValidateID(pipelineID); err != nil {
		respondError(w, err)
		return
	}

	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "malformed request body")
			return
		}
	}
	if err := s.opts.Registry.ValidateParams(pipelineID, req.Parameters); err != nil {
		if _, ok := s.opts.Registry.Get(pipelineID); !ok {
			writeError(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	j, err := s.opts.Exec.Enqueue(r.Context(), pipelineID, job.Payload(req.Parameters))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"job": j})
}

func (s *Server) handlePipelineJobs(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	if err := job.ValidateID(pipelineID); err != nil {
		respondError(w, err)
		return
	}
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	f.PipelineID = pipelineID
	s.listJobs(w, r, f)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	if pid := r.URL.Query().Get("pipelineId"); pid != "" {
		if err := job.ValidateID(pid); err != nil {
			respondError(w, err)
			return
		}
		f.PipelineID = pid
	}
	s.listJobs(w, r, f)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request, f store.Filter) {
	jobs, total, err := s.opts.Store.ListJobs(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	f.Sanitize()
	writeData(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// parseFilter reads status/limit/offset query params. Unparseable numbers
// fall back to defaults; an unknown status is a validation error.
func parseFilter(w http.ResponseWriter, r *http.Request) (store.Filter, bool) {
	q := r.URL.Query()
	var f store.Filter
	if raw := q.Get("status"); raw != "" {
		st := job.Status(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, codeValidation, "unknown status "+strconv.Quote(raw))
			return f, false
		}
		f.Status = st
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Offset = n
		}
	}
	f.Sanitize()
	return f, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	j, err := s.opts.Store.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"job": j})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := job.ValidateID(jobID); err != nil {
		respondError(w, err)
		return
	}
	if err := s.opts.Exec.Cancel(r.Context(), jobID); err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"jobId": jobID, "cancelRequestedAt": time.Now().UTC()})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := job.ValidateID(jobID); err != nil {
		respondError(w, err)
		return
	}
	if err := s.opts.Exec.Retry(r.Context(), jobID); err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"jobId": jobID})
}
