// Package scheduler enqueues jobs from cron schedule files. Each file in
// the schedules directory describes one recurring job; the scheduler
// computes next-run times and enqueues on the tick that crosses them.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/nightlyone/lockfile"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/handleui/relay/internal/config"
	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/queue"
)

// Schedule is one schedule file. Files may be YAML or JSON.
type Schedule struct {
	ID      string  `json:"id"`
	Expr    string  `json:"schedule"`
	Enabled *bool   `json:"enabled"`
	Payload Payload `json:"payload"`
}

// Payload mirrors the webhook payload shape for scheduled jobs.
type Payload struct {
	Goal            string            `json:"goal"`
	ProjectID       string            `json:"project_id"`
	Workdir         string            `json:"workdir"`
	CallbackURL     string            `json:"callback_url"`
	Steps           []model.StepSpec  `json:"steps"`
	Policy          *model.PolicySpec `json:"policy"`
	Tags            []string          `json:"tags"`
	Metadata        map[string]any    `json:"metadata"`
	ArtifactHandoff string            `json:"artifact_handoff"`
}

// Scheduler watches the schedules directory and enqueues due jobs.
type Scheduler struct {
	settings *config.Settings
	queue    *queue.Queue
	dir      string
	parser   cron.Parser
	nextRuns map[string]time.Time
	log      *zap.Logger
}

// New returns a scheduler over the configured schedules directory.
func New(settings *config.Settings, q *queue.Queue, log *zap.Logger) *Scheduler {
	return &Scheduler{
		settings: settings,
		queue:    q,
		dir:      settings.SchedulesDir,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		nextRuns: make(map[string]time.Time),
		log:      log,
	}
}

// Run ticks once per second until the context ends. A lock file keeps the
// scheduler single-instance per schedules directory so jobs are not
// enqueued twice.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("creating schedules dir: %w", err)
	}
	lockPath, err := filepath.Abs(filepath.Join(s.dir, ".scheduler.lock"))
	if err != nil {
		return err
	}
	lock, err := lockfile.New(lockPath)
	if err != nil {
		return fmt.Errorf("creating scheduler lock: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("another scheduler owns %s: %w", lockPath, err)
	}
	defer func() { _ = lock.Unlock() }()

	s.log.Info("scheduler started", zap.String("dir", s.dir))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(time.Now())
		}
	}
}

// Tick scans schedule files and enqueues everything due at now.
func (s *Scheduler) Tick(now time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("cannot read schedules dir", zap.Error(err))
		return
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && hasScheduleExt(name) {
			files = append(files, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		sched, err := loadSchedule(path)
		if err != nil {
			s.log.Error("cannot read schedule", zap.String("file", path), zap.Error(err))
			continue
		}
		if sched.Enabled != nil && !*sched.Enabled {
			continue
		}
		id := sched.ID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if sched.Expr == "" {
			s.log.Warn("schedule has no cron expression", zap.String("id", id))
			continue
		}
		spec, err := s.parser.Parse(sched.Expr)
		if err != nil {
			s.log.Warn("invalid cron expression", zap.String("id", id), zap.Error(err))
			continue
		}

		next, known := s.nextRuns[id]
		if !known {
			s.nextRuns[id] = spec.Next(now)
			s.log.Info("schedule armed", zap.String("id", id), zap.Time("next", s.nextRuns[id]))
			continue
		}
		if now.Before(next) {
			continue
		}
		s.fire(sched, id, path)
		s.nextRuns[id] = spec.Next(now)
		s.log.Info("schedule rearmed", zap.String("id", id), zap.Time("next", s.nextRuns[id]))
	}
}

func (s *Scheduler) fire(sched *Schedule, id, path string) {
	goal := sched.Payload.Goal
	if goal == "" {
		goal = "Scheduled job " + id
	}
	job := model.NewJobSpec(goal)
	job.Source = model.JobSource{Type: model.SourceCron, Meta: map[string]any{"schedule_id": id, "file": path}}
	job.ProjectID = sched.Payload.ProjectID
	if sched.Payload.Workdir != "" {
		job.Workdir = sched.Payload.Workdir
	}
	job.CallbackURL = sched.Payload.CallbackURL
	job.Tags = sched.Payload.Tags
	job.Metadata = sched.Payload.Metadata
	job.ArtifactHandoff = s.settings.DefaultArtifactHandoff
	if sched.Payload.ArtifactHandoff != "" {
		job.ArtifactHandoff = sched.Payload.ArtifactHandoff
	}
	if sched.Payload.Policy != nil {
		job.Policy = *sched.Payload.Policy
		if job.Policy.Network == "" {
			job.Policy.Network = model.NetworkDeny
		}
	}
	if len(sched.Payload.Steps) > 0 {
		job.Steps = sched.Payload.Steps
		for i := range job.Steps {
			if job.Steps[i].TimeoutSec == 0 {
				job.Steps[i].TimeoutSec = 600
			}
			if job.Steps[i].OnFailure == "" {
				job.Steps[i].OnFailure = "stop"
			}
		}
	} else {
		job.Steps = model.DefaultPipeline(goal)
	}

	encoded, err := json.MarshalIndent(&job, "", "  ")
	if err != nil {
		s.log.Error("cannot encode scheduled job", zap.String("id", id), zap.Error(err))
		return
	}
	state := queue.Pending
	if job.Policy.RequiresApproval {
		state = queue.AwaitingApproval
	}
	if _, err := s.queue.Enqueue(encoded, state); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			s.log.Warn("skipping duplicate scheduled job", zap.String("id", id), zap.String("job_id", job.JobID))
			return
		}
		s.log.Error("cannot enqueue scheduled job", zap.String("id", id), zap.Error(err))
		return
	}
	s.log.Info("enqueued scheduled job", zap.String("id", id), zap.String("job_id", job.JobID))
}

func hasScheduleExt(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func loadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// JSON parses as a YAML subset, so one reader covers both file
	// shapes; normalizing through JSON applies the json struct tags.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var sched Schedule
	if err := json.Unmarshal(encoded, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}
