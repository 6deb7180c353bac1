// Package cron runs the scheduled digest and prefetch jobs and keeps their
// last-run state in a JSON file.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Handler runs one job and returns a short result line.
type Handler func(ctx context.Context, job Job) (string, error)

type Service struct {
	storePath string
	logger    *zap.Logger
	mu        sync.Mutex
	jobs      []Job
	OnJob     Handler
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	done      chan struct{}
}

func NewService(storePath string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		storePath: storePath,
		logger:    logger.Named("cron"),
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
}

// Load reads persisted jobs. A missing file is not an error.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	done := make(chan struct{})

	c := rcron.New(rcron.WithSeconds())

	s.mu.Lock()
	if len(s.jobs) == 0 {
		if err := s.load(); err != nil {
			s.logger.Warn("failed to load jobs", zap.Error(err))
		}
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.done = done
	s.cron = c
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == "cron" {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	s.logger.Info("started", zap.Int("jobs", count))

	go func() {
		defer close(done)
		s.tickLoop(runCtx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *Job) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		s.logger.Error("failed to register job",
			zap.String("job", job.Name), zap.String("expr", job.Schedule.Expr), zap.Error(err))
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job Job) {
	log := s.logger.With(zap.String("job", job.Name), zap.String("id", job.ID), zap.String("task", string(job.Task)))
	log.Info("executing job")

	if s.OnJob == nil {
		log.Warn("no job handler set")
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			s.jobs[i].State.LastStatus = "error"
			s.jobs[i].State.LastError = err.Error()
			s.jobs[i].State.LastResult = ""
			log.Error("job failed", zap.Error(err))
		} else {
			s.jobs[i].State.LastStatus = "ok"
			s.jobs[i].State.LastError = ""
			s.jobs[i].State.LastResult = truncate(result, 200)
			log.Info("job finished", zap.String("result", truncate(result, 100)))
		}

		if s.jobs[i].DeleteAfterRun {
			if entryID, ok := s.entryMap[job.ID]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, job.ID)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		log.Warn("failed to save jobs", zap.Error(err))
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueJobs(time.Now().UnixMilli()) {
				if ctx.Err() != nil {
					return
				}
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dueJobs collects the "every" and "at" jobs ready to run. An "at" job is
// disabled as it is picked so it fires once.
func (s *Service) dueJobs(now int64) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case "every":
			if job.Schedule.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				due = append(due, *job)
			}
		case "at":
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				job.Enabled = false
				due = append(due, *job)
			}
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	done := s.done
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.done = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	if done != nil {
		<-done
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name string, task Task, schedule Schedule) (*Job, error) {
	if schedule.Kind == "cron" {
		if _, err := rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor).Parse(schedule.Expr); err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", schedule.Expr, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, task, schedule)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == "cron" && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

// EnsureJob adds a job named name unless one exists. An existing job keeps
// its state; its schedule is replaced when it differs.
func (s *Service) EnsureJob(name string, task Task, schedule Schedule) (*Job, error) {
	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		if s.jobs[i].Schedule != schedule || s.jobs[i].Task != task {
			s.jobs[i].Schedule = schedule
			s.jobs[i].Task = task
			if entryID, ok := s.entryMap[s.jobs[i].ID]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, s.jobs[i].ID)
			}
			if s.jobs[i].Enabled && schedule.Kind == "cron" && s.cron != nil {
				s.registerJob(&s.jobs[i])
			}
			if err := s.save(); err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("save jobs: %w", err)
			}
		}
		job := s.jobs[i]
		s.mu.Unlock()
		return &job, nil
	}
	s.mu.Unlock()
	return s.AddJob(name, task, schedule)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			if s.jobs[i].Schedule.Kind == "cron" && s.cron != nil {
				if enabled {
					if _, ok := s.entryMap[id]; !ok {
						s.registerJob(&s.jobs[i])
					}
				} else {
					if entryID, ok := s.entryMap[id]; ok {
						s.cron.Remove(entryID)
						delete(s.entryMap, id)
					}
				}
			}
			_ = s.save()
			job := s.jobs[i]
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// RunJob executes a job immediately on the calling goroutine.
func (s *Service) RunJob(id string) (*Job, error) {
	s.mu.Lock()
	var found *Job
	for i := range s.jobs {
		if s.jobs[i].ID == id || s.jobs[i].Name == id {
			job := s.jobs[i]
			found = &job
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	s.executeJob(*found)

	for _, job := range s.ListJobs() {
		if job.ID == found.ID {
			return &job, nil
		}
	}
	return found, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
