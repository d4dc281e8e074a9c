package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"octoflow/internal/api"
	"octoflow/internal/config"
	"octoflow/internal/domain"
	"octoflow/internal/messaging"
	"octoflow/internal/metrics"
	"octoflow/internal/queue"
	"octoflow/internal/scheduler"
	"octoflow/internal/store"
	"octoflow/internal/tasks"
	"octoflow/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogging(cfg)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("timezone")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Config{Driver: cfg.StoreDriver, Path: cfg.StorePath, RedisAddr: cfg.RedisAddr})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open task store")
	}
	defer st.Close()

	var qopts []queue.Option
	if cfg.RequeueRunning {
		qopts = append(qopts, queue.WithRequeueRunning())
	}
	q := queue.New(queue.NewFileBackup(cfg.BackupFile), qopts...)
	msg := messaging.NewService(q)
	sched := scheduler.NewService(msg, scheduler.NewCronEngine(loc))
	taskSvc := tasks.NewService(st, sched)
	m := metrics.New(q, sched)

	msg.RegisterHandler(domain.MessageScheduledTask, scheduledTaskHandler(taskSvc))
	msg.Start()

	if _, err := taskSvc.RestoreSchedules(ctx); err != nil {
		log.Error().Err(err).Msg("restore task schedules")
	}
	sched.Start()

	// Start worker pool
	pool := worker.NewPool(q, msg, cfg.Workers, cfg.PollInterval,
		worker.WithTimeout(cfg.JobTimeout), worker.WithObserver(m))
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()
	go msg.RunCleanup(ctx, cfg.CleanupEvery, cfg.CleanupMaxAge)

	// HTTP server
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Tasks:     taskSvc,
			Scheduler: sched,
			Messaging: msg,
			Metrics:   m.Handler(),
			Debug:     cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sched.Stop()
	cancel()
	<-poolDone
	msg.Stop()
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

// scheduledTaskHandler resolves the task behind a fired trigger. Executing
// the payload is left to whoever consumes these results.
func scheduledTaskHandler(ts *tasks.Service) messaging.HandlerFunc {
	return func(ctx context.Context, job domain.Job) (map[string]any, error) {
		id, _ := job.Payload["task_id"].(string)
		if id == "" {
			return nil, errors.New("scheduled task job without task_id")
		}
		t, err := ts.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("task %s no longer exists", id)
		}
		log.Info().
			Str("task_id", t.ID).
			Str("name", t.Name).
			Str("job_id", job.ID).
			Str("correlation_id", job.CorrelationID()).
			Msg("scheduled task fired")
		return map[string]any{"task_id": t.ID, "name": t.Name, "payload": t.Payload}, nil
	}
}
