// Package scheduler owns a persistent list of interval-triggered backup
// schedules. Registration, arming, and job bookkeeping follow the
// teacher's orchestrator scheduler (gocron/v2, named jobs, start-eagerly
// lifecycle) generalized from cron-expression log-rotation jobs to
// minute-granularity backup schedules persisted as JSON.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustinkirkland/golang-petname"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

// shutdownGrace is how long Stop waits for running jobs to finish before
// forcing shutdown, per spec.
const shutdownGrace = 5 * time.Second

// Result is the outcome of one scheduled backup run, recorded on the
// schedule after each firing.
type Result string

const (
	ResultSuccess Result = "Success"
	ResultFailure Result = "Failure"
)

// Schedule is a persisted, interval-triggered backup job.
type Schedule struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SourcePath      string    `json:"source_path"`
	IntervalMinutes int       `json:"interval_minutes"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	LastRun         time.Time `json:"last_run"`
	NextRun         time.Time `json:"next_run"`
	LastResult      Result    `json:"last_result"`
}

// BackupFunc runs one backup for a schedule's source path, returning
// whether it succeeded. The scheduler is agnostic to the backup service's
// options type; callers close over whatever auto-naming/option logic
// they need.
type BackupFunc func(ctx context.Context, sourcePath string) error

// Scheduler owns the persisted schedule list and the live gocron jobs
// that back enabled schedules.
type Scheduler struct {
	mu        sync.Mutex
	path      string
	schedules map[string]*Schedule
	jobs      map[string]gocron.Job
	gocron    gocron.Scheduler
	backup    BackupFunc
	logger    *slog.Logger
	started   bool
}

// Open loads schedules.json at path (creating an empty list if absent)
// and returns a scheduler ready to Start.
func Open(path string, backup BackupFunc, logger *slog.Logger) (*Scheduler, error) {
	logger = logging.Default(logger).With("component", "scheduler")

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, apperr.New("scheduler.Open", apperr.KindIO, "", fmt.Errorf("create gocron scheduler: %w", err))
	}

	sched := &Scheduler{
		path:      path,
		schedules: make(map[string]*Schedule),
		jobs:      make(map[string]gocron.Job),
		gocron:    s,
		backup:    backup,
		logger:    logger,
	}

	loaded, err := loadSchedules(path)
	if err != nil {
		return nil, err
	}
	for _, sc := range loaded {
		cp := sc
		sched.schedules[sc.ID] = &cp
	}

	return sched, nil
}

func loadSchedules(path string) ([]Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.New("scheduler.Open", apperr.KindIO, path, err)
	}
	var schedules []Schedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, apperr.New("scheduler.Open", apperr.KindIntegrity, path, err)
	}
	return schedules, nil
}

func (s *Scheduler) persistLocked() error {
	list := make([]Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		list = append(list, *sc)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return apperr.New("scheduler.persist", apperr.KindIO, s.path, err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperr.New("scheduler.persist", apperr.KindIO, dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return apperr.New("scheduler.persist", apperr.KindIO, s.path, err)
	}
	return nil
}

// Start arms a periodic timer for every enabled schedule. Initial delay is
// max(0, next_run-now); if next_run is unset or past, the job fires
// immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gocron.Start()
	s.started = true
	for _, sc := range s.schedules {
		if !sc.Enabled {
			continue
		}
		if err := s.armLocked(sc); err != nil {
			s.logger.Error("failed to arm schedule at startup", "schedule", sc.Name, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) armLocked(sc *Schedule) error {
	interval := time.Duration(sc.IntervalMinutes) * time.Minute
	if interval <= 0 {
		return apperr.New("scheduler.arm", apperr.KindArgument, sc.ID, fmt.Errorf("interval_minutes must be positive, got %d", sc.IntervalMinutes))
	}

	var startAt gocron.JobOption
	if sc.NextRun.After(time.Now()) {
		startAt = gocron.WithStartAt(gocron.WithStartDateTime(sc.NextRun))
	} else {
		startAt = gocron.WithStartAt(gocron.WithStartImmediately())
	}

	id := sc.ID
	job, err := s.gocron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.fire(id) }),
		gocron.WithName(sc.Name),
		startAt,
	)
	if err != nil {
		return apperr.New("scheduler.arm", apperr.KindIO, sc.ID, err)
	}
	s.jobs[sc.ID] = job
	if next, err := job.NextRun(); err == nil {
		sc.NextRun = next
	}
	return nil
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	sc, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	sourcePath := sc.SourcePath
	s.mu.Unlock()

	s.logger.Info("schedule firing", "schedule", id, "source", sourcePath)
	err := s.backup(context.Background(), sourcePath)

	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok = s.schedules[id]
	if !ok {
		return
	}
	sc.LastRun = time.Now()
	if err != nil {
		sc.LastResult = ResultFailure
		s.logger.Error("scheduled backup failed", "schedule", id, "error", err)
	} else {
		sc.LastResult = ResultSuccess
	}
	if job, ok := s.jobs[id]; ok {
		if next, err := job.NextRun(); err == nil {
			sc.NextRun = next
		}
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Error("failed to persist schedule after run", "schedule", id, "error", err)
	}
}

// Add creates and persists a new enabled schedule, arming it immediately
// if the scheduler is already started. A blank name is replaced with a
// generated human-readable one.
func (s *Scheduler) Add(name, sourcePath string, intervalMinutes int) (Schedule, error) {
	if sourcePath == "" {
		return Schedule{}, apperr.New("scheduler.Add", apperr.KindArgument, "", fmt.Errorf("source path must not be empty"))
	}
	if intervalMinutes <= 0 {
		return Schedule{}, apperr.New("scheduler.Add", apperr.KindArgument, "", fmt.Errorf("interval_minutes must be positive, got %d", intervalMinutes))
	}
	if name == "" {
		name = petname.Generate(2, "-")
	}

	sc := &Schedule{
		ID:              uuid.NewString(),
		Name:            name,
		SourcePath:      sourcePath,
		IntervalMinutes: intervalMinutes,
		Enabled:         true,
		CreatedAt:       time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = sc
	if s.started {
		if err := s.armLocked(sc); err != nil {
			delete(s.schedules, sc.ID)
			return Schedule{}, err
		}
	}
	if err := s.persistLocked(); err != nil {
		return Schedule{}, err
	}
	return *sc, nil
}

// List returns every persisted schedule.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		list = append(list, *sc)
	}
	return list
}

// Get returns one schedule by id.
func (s *Scheduler) Get(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return Schedule{}, apperr.New("scheduler.Get", apperr.KindNotFound, id, fmt.Errorf("schedule not found"))
	}
	return *sc, nil
}

// Delete removes a schedule and stops its timer.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return apperr.New("scheduler.Delete", apperr.KindNotFound, id, fmt.Errorf("schedule not found"))
	}
	if job, ok := s.jobs[id]; ok {
		if err := s.gocron.RemoveJob(job.ID()); err != nil {
			s.logger.Warn("failed to remove gocron job", "schedule", id, "error", err)
		}
		delete(s.jobs, id)
	}
	delete(s.schedules, id)
	return s.persistLocked()
}

// Stop cancels all timers and awaits a bounded drain before forcing
// shutdown.
func (s *Scheduler) Stop() error {
	done := make(chan error, 1)
	go func() { done <- s.gocron.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			return apperr.New("scheduler.Stop", apperr.KindIO, s.path, err)
		}
		return nil
	case <-time.After(shutdownGrace):
		s.logger.Warn("scheduler shutdown exceeded grace period, forcing")
		return apperr.New("scheduler.Stop", apperr.KindTransient, s.path, fmt.Errorf("shutdown did not complete within %s", shutdownGrace))
	}
}
