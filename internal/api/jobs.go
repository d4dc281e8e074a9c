package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"octoflow/internal/domain"
	"octoflow/internal/queue"
)

type sendMessageReq struct {
	Type          string             `json:"type"`
	Payload       map[string]any     `json:"payload"`
	CorrelationID string             `json:"correlation_id"`
	Priority      domain.JobPriority `json:"priority"`
}

type submitJobReq struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Payload     map[string]any     `json:"payload"`
	Priority    domain.JobPriority `json:"priority"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
	MaxRetries  int                `json:"max_retries"`
	Metadata    map[string]any     `json:"metadata"`
}

type submitResp struct {
	JobID string `json:"job_id"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	p := req.Priority
	if p == 0 {
		p = domain.PriorityNormal
	}
	msg := domain.Message{Type: req.Type, Payload: req.Payload, Timestamp: time.Now(), CorrelationID: req.CorrelationID}
	id, err := s.messaging.SendMessageWithPriority(msg, p)
	if err != nil {
		s.jobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: id})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	id, err := s.messaging.SubmitJob(&domain.Job{
		ID:          req.ID,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.jobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: id})
}

func (s *Server) jobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrDuplicateJob):
		writeError(w, http.StatusConflict, err.Error())
	default:
		internalError(w, r, err)
	}
}

type jobListResp struct {
	Status domain.JobStatus `json:"status"`
	Jobs   []domain.Job     `json:"jobs"`
	Count  int              `json:"count"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.JobPending
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job status")
		return
	}
	jobs := s.messaging.GetJobsByStatus(status)
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResp{Status: status, Jobs: jobs, Count: len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.messaging.GetJobStatus(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// cancelJob answers 409 for jobs that exist but are no longer pending.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.messaging.CancelJob(id) {
		job, _ := s.messaging.GetJobStatus(id)
		writeJSON(w, http.StatusOK, job)
		return
	}
	job, ok := s.messaging.GetJobStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeError(w, http.StatusConflict, "job is "+string(job.Status)+", only pending jobs can be cancelled")
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.messaging.GetQueueStats())
}
