package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"octoflow/internal/domain"
	"octoflow/internal/store"
	"octoflow/internal/tasks"
)

const (
	maxNameLen        = 255
	maxDescriptionLen = 1000
	maxCronLen        = 100
	maxPageSize       = 1000
)

type createTaskReq struct {
	Name           string                `json:"name"`
	Description    string                `json:"description"`
	TaskType       domain.TaskType       `json:"task_type"`
	Payload        map[string]any        `json:"payload"`
	ScheduledAt    time.Time             `json:"scheduled_at"`
	RepeatInterval domain.RepeatInterval `json:"repeat_interval"`
	CronExpression string                `json:"cron_expression"`
	IsActive       *bool                 `json:"is_active"`
}

func checkLengths(name, description, cron *string) error {
	if name != nil && len(*name) > maxNameLen {
		return fmt.Errorf("name must be at most %d characters", maxNameLen)
	}
	if description != nil && len(*description) > maxDescriptionLen {
		return fmt.Errorf("description must be at most %d characters", maxDescriptionLen)
	}
	if cron != nil && len(*cron) > maxCronLen {
		return fmt.Errorf("cron_expression must be at most %d characters", maxCronLen)
	}
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkLengths(&req.Name, &req.Description, &req.CronExpression); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	t, err := s.tasks.CreateTask(r.Context(), domain.Task{
		Name:           req.Name,
		Description:    req.Description,
		TaskType:       req.TaskType,
		Payload:        payload,
		ScheduledAt:    req.ScheduledAt,
		RepeatInterval: req.RepeatInterval,
		CronExpression: req.CronExpression,
		IsActive:       active,
	})
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) taskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tasks.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		internalError(w, r, err)
	}
}

type taskListResp struct {
	Tasks []domain.Task `json:"tasks"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

func intParam(r *http.Request, name string, def, min, max int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || (max > 0 && n > max) {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, min, max)
	}
	return n, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var f tasks.Filter
	q := r.URL.Query()
	if v := q.Get("task_type"); v != "" {
		tt := domain.TaskType(v)
		if !tt.Valid() {
			writeError(w, http.StatusBadRequest, "task_type must be scheduled or repeated")
			return
		}
		f.Type = &tt
	}
	if v := q.Get("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "is_active must be a boolean")
			return
		}
		f.IsActive = &b
	}
	page, err := intParam(r, "page", 1, 1, 1<<30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := intParam(r, "size", tasks.DefaultLimit, 1, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = size
	f.Offset = (page - 1) * size

	list, err := s.tasks.GetTasks(r.Context(), f)
	if err != nil {
		internalError(w, r, err)
		return
	}
	total, err := s.tasks.GetTaskCount(r.Context(), f)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskListResp{Tasks: list, Total: total, Page: page, Size: size})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalError(w, r, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var u tasks.TaskUpdate
	if err := decode(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkLengths(u.Name, u.Description, u.CronExpression); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.tasks.UpdateTask(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.tasks.DeleteTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type controlResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

type controlFunc func(ctx context.Context, id string) (bool, error)

// control runs a pause, resume or cancel. A known task whose trigger could
// not be changed answers 409.
func (s *Server) control(op controlFunc, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := s.tasks.GetTask(r.Context(), id)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if t == nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		ok, err := op(r.Context(), id)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusConflict, controlResp{Success: false, Message: "task has no trigger to " + verb, TaskID: id})
			return
		}
		writeJSON(w, http.StatusOK, controlResp{Success: true, Message: "task " + verb + " done", TaskID: id})
	}
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.control(s.tasks.PauseTask, "pause")(w, r)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.control(s.tasks.ResumeTask, "resume")(w, r)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.control(s.tasks.CancelTask, "cancel")(w, r)
}

type taskStatusResp struct {
	TaskID      string     `json:"task_id"`
	IsActive    bool       `json:"is_active"`
	IsScheduled bool       `json:"is_scheduled"`
	NextRun     *time.Time `json:"next_run"`
	JobStatus   *string    `json:"job_status"`
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	resp := taskStatusResp{TaskID: id, IsActive: t.IsActive, IsScheduled: s.scheduler.IsTaskScheduled(id)}
	if info, ok := s.scheduler.GetTaskJob(id); ok {
		if !info.NextRun.IsZero() {
			next := info.NextRun
			resp.NextRun = &next
		}
		state := "active"
		if info.Paused {
			state = "paused"
		}
		resp.JobStatus = &state
	}
	writeJSON(w, http.StatusOK, resp)
}
