package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"octoflow/internal/domain"
)

// Counters are the running per-status aggregates. Their sum over statuses
// always equals TotalJobs.
type Counters struct {
	TotalJobs     int `json:"total_jobs"`
	PendingJobs   int `json:"pending_jobs"`
	RunningJobs   int `json:"running_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`
}

func (c *Counters) bucket(s domain.JobStatus) *int {
	switch s {
	case domain.JobPending:
		return &c.PendingJobs
	case domain.JobRunning:
		return &c.RunningJobs
	case domain.JobCompleted:
		return &c.CompletedJobs
	case domain.JobFailed:
		return &c.FailedJobs
	case domain.JobCancelled:
		return &c.CancelledJobs
	}
	return nil
}

// Snapshot is the on-disk shape of the job table.
type Snapshot struct {
	Jobs      map[string]domain.Job `json:"jobs"`
	Timestamp time.Time             `json:"timestamp"`
	Stats     Counters              `json:"stats"`
}

// Backup persists snapshots of the job table. Load reports false when no
// snapshot has been written yet.
type Backup interface {
	Save(s Snapshot) error
	Load() (Snapshot, bool, error)
}

type FileBackup struct {
	path string
}

func NewFileBackup(path string) *FileBackup { return &FileBackup{path: path} }

func (b *FileBackup) Path() string { return b.path }

func (b *FileBackup) Save(s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *FileBackup) Load() (Snapshot, bool, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(data) == 0 {
		return Snapshot{}, false, nil
	}
	var raw struct {
		Jobs      map[string]json.RawMessage `json:"jobs"`
		Timestamp time.Time                  `json:"timestamp"`
		Stats     Counters                   `json:"stats"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", b.path, err)
	}
	s := Snapshot{Jobs: make(map[string]domain.Job, len(raw.Jobs)), Timestamp: raw.Timestamp, Stats: raw.Stats}
	for id, rec := range raw.Jobs {
		var j domain.Job
		if err := json.Unmarshal(rec, &j); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("skipping unreadable job record")
			continue
		}
		s.Jobs[id] = j
	}
	return s, true, nil
}
