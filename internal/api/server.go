package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"octoflow/internal/messaging"
	"octoflow/internal/scheduler"
	"octoflow/internal/tasks"
)

type Deps struct {
	Tasks     *tasks.Service
	Scheduler *scheduler.Service
	Messaging *messaging.Service
	Metrics   http.Handler
	Debug     bool
}

type Server struct {
	r         *chi.Mux
	tasks     *tasks.Service
	scheduler *scheduler.Service
	messaging *messaging.Service
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog, middleware.Recoverer)

	s := &Server{r: r, tasks: d.Tasks, scheduler: d.Scheduler, messaging: d.Messaging}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Put("/", s.updateTask)
				r.Delete("/", s.deleteTask)
				r.Post("/pause", s.pauseTask)
				r.Post("/resume", s.resumeTask)
				r.Post("/cancel", s.cancelTask)
				r.Get("/status", s.taskStatus)
			})
		})

		r.Post("/messages", s.sendMessage)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Get("/{id}", s.getJob)
			r.Delete("/{id}", s.cancelJob)
		})
		r.Get("/queue/stats", s.queueStats)
		r.Get("/scheduler/status", s.schedulerStatus)
	})

	// Debug routes (pprof)
	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

// accessLog replaces chi's stdlib request logger with zerolog.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

type healthResp struct {
	messaging.Health
	Scheduler scheduler.Status `json:"scheduler"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.messaging.HealthCheck()
	code := http.StatusOK
	if h.Status == messaging.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResp{Health: h, Scheduler: s.scheduler.Status()})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
