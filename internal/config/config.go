// Package config reads settings from .env files, OCTOFLOW_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "OCTOFLOW_"

type Config struct {
	Addr string

	StoreDriver string
	StorePath   string
	RedisAddr   string

	BackupFile     string
	RequeueRunning bool

	Timezone string

	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration

	CleanupEvery  time.Duration
	CleanupMaxAge time.Duration

	LogLevel  string
	LogFormat string
	Debug     bool
}

func defaults() Config {
	return Config{
		Addr:          ":8080",
		StoreDriver:   "sqlite",
		StorePath:     "octoflow.db",
		RedisAddr:     "localhost:6379",
		BackupFile:    "data/jobs_backup.json",
		Timezone:      "Local",
		Workers:       8,
		PollInterval:  250 * time.Millisecond,
		JobTimeout:    5 * time.Minute,
		CleanupEvery:  time.Hour,
		CleanupMaxAge: 24 * time.Hour,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load builds the configuration. envFiles default to ".env"; missing files
// are ignored. Variables already set in the environment win over the files.
func Load(args []string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	c := defaults()
	var errs []error
	c.Addr = envString("ADDR", c.Addr)
	c.StoreDriver = envString("STORE_DRIVER", c.StoreDriver)
	c.StorePath = envString("STORE_PATH", c.StorePath)
	c.RedisAddr = envString("REDIS_ADDR", c.RedisAddr)
	c.BackupFile = envString("BACKUP_FILE", c.BackupFile)
	c.RequeueRunning = envBool("REQUEUE_RUNNING", c.RequeueRunning, &errs)
	c.Timezone = envString("TIMEZONE", c.Timezone)
	c.Workers = envInt("WORKERS", c.Workers, &errs)
	c.PollInterval = envDuration("POLL_INTERVAL", c.PollInterval, &errs)
	c.JobTimeout = envDuration("JOB_TIMEOUT", c.JobTimeout, &errs)
	c.CleanupEvery = envDuration("CLEANUP_EVERY", c.CleanupEvery, &errs)
	c.CleanupMaxAge = envDuration("CLEANUP_MAX_AGE", c.CleanupMaxAge, &errs)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString("LOG_FORMAT", c.LogFormat)
	c.Debug = envBool("DEBUG", c.Debug, &errs)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	flags := flag.NewFlagSet("octoflow", flag.ContinueOnError)
	flags.StringVar(&c.Addr, "addr", c.Addr, "HTTP bind address")
	flags.StringVar(&c.StoreDriver, "store", c.StoreDriver, "task store driver: memory, sqlite or redis")
	flags.StringVar(&c.StorePath, "db", c.StorePath, "SQLite DB path")
	flags.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for the redis store")
	flags.StringVar(&c.BackupFile, "backup", c.BackupFile, "job queue backup file")
	flags.BoolVar(&c.RequeueRunning, "requeue-running", c.RequeueRunning, "return jobs left running at shutdown to pending on restore")
	flags.StringVar(&c.Timezone, "tz", c.Timezone, "timezone used to derive cron triggers")
	flags.IntVar(&c.Workers, "workers", c.Workers, "number of worker goroutines")
	flags.DurationVar(&c.PollInterval, "poll", c.PollInterval, "poll interval for queue")
	flags.DurationVar(&c.JobTimeout, "job-timeout", c.JobTimeout, "per job handler timeout")
	flags.DurationVar(&c.CleanupEvery, "cleanup-every", c.CleanupEvery, "interval between finished job cleanups")
	flags.DurationVar(&c.CleanupMaxAge, "cleanup-max-age", c.CleanupMaxAge, "age after which finished jobs are dropped")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	flags.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: console or json")
	flags.BoolVar(&c.Debug, "debug", c.Debug, "enable pprof routes")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.CleanupEvery <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupEvery)
	}
	if c.CleanupMaxAge < 0 {
		return fmt.Errorf("cleanup max age must not be negative, got %s", c.CleanupMaxAge)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job timeout must not be negative, got %s", c.JobTimeout)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := envString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return n
}

func envBool(key string, def bool, errs *[]error) bool {
	v := envString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := envString(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return d
}
