package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	return NewService(storePath, nil), storePath
}

func TestNewJob(t *testing.T) {
	job := NewJob("digest", TaskDigest, Schedule{Kind: "cron", Expr: "0 0 8 * * 1-5"})
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Name != "digest" || job.Task != TaskDigest {
		t.Errorf("job = %+v", job)
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
	if other := NewJob("digest", TaskDigest, job.Schedule); other.ID == job.ID {
		t.Error("job IDs should be unique")
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	s, storePath := newTestService(t)

	job, err := s.AddJob("prefetch", TaskPrefetch, Schedule{Kind: "every", EveryMs: 60000})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "prefetch" {
		t.Errorf("name = %q, want prefetch", job.Name)
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []Job
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 1 || stored[0].Task != TaskPrefetch {
		t.Errorf("stored jobs = %+v", stored)
	}
}

func TestService_AddJob_InvalidCronExpr(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.AddJob("bad", TaskDigest, Schedule{Kind: "cron", Expr: "invalid"}); err == nil {
		t.Fatal("expected error for invalid expression")
	}
	if len(s.ListJobs()) != 0 {
		t.Fatal("invalid job should not be stored")
	}
}

func TestService_EnsureJob(t *testing.T) {
	s, _ := newTestService(t)
	sched := Schedule{Kind: "cron", Expr: "0 0 8 * * 1-5"}

	first, err := s.EnsureJob("morning-digest", TaskDigest, sched)
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	again, err := s.EnsureJob("morning-digest", TaskDigest, sched)
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	if again.ID != first.ID || len(s.ListJobs()) != 1 {
		t.Fatalf("EnsureJob should not duplicate: %+v", s.ListJobs())
	}

	moved, err := s.EnsureJob("morning-digest", TaskDigest, Schedule{Kind: "cron", Expr: "0 0 9 * * 1-5"})
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	if moved.ID != first.ID || moved.Schedule.Expr != "0 0 9 * * 1-5" {
		t.Fatalf("schedule not updated: %+v", moved)
	}
}

func TestService_RemoveJob(t *testing.T) {
	s, _ := newTestService(t)

	job, _ := s.AddJob("rm-test", TaskPrefetch, Schedule{Kind: "every", EveryMs: 1000})

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nonexistent") {
		t.Error("RemoveJob should return false for nonexistent")
	}
}

func TestService_EnableJob(t *testing.T) {
	s, _ := newTestService(t)

	job, _ := s.AddJob("toggle", TaskDigest, Schedule{Kind: "every", EveryMs: 1000})

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}

	updated, err = s.EnableJob(job.ID, true)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if !updated.Enabled {
		t.Error("job should be enabled")
	}

	if _, err := s.EnableJob("nonexistent", true); err == nil {
		t.Error("expected error for nonexistent job")
	}
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil && s.stopCh == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.Stop()
	t.Fatal("expected parent context cancellation to trigger Stop")
}

func TestService_Stop_StopsTickLoopWithoutParentCancel(t *testing.T) {
	s, _ := newTestService(t)

	var executeCount atomic.Int32
	s.OnJob = func(ctx context.Context, job Job) (string, error) {
		executeCount.Add(1)
		return "ok", nil
	}

	job := NewJob("manual-stop", TaskPrefetch, Schedule{Kind: "every", EveryMs: 100})
	job.State.LastRunAtMs = time.Now().UnixMilli() - 200
	s.jobs = append(s.jobs, job)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for executeCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if executeCount.Load() == 0 {
		t.Fatal("expected at least one tick execution before Stop")
	}

	s.Stop()
	countAfterStop := executeCount.Load()
	time.Sleep(1300 * time.Millisecond)

	if executeCount.Load() != countAfterStop {
		t.Fatalf("tickLoop should stop after Stop; count changed from %d to %d", countAfterStop, executeCount.Load())
	}
}

func TestService_Persistence(t *testing.T) {
	s1, storePath := newTestService(t)
	if _, err := s1.AddJob("persist1", TaskDigest, Schedule{Kind: "every", EveryMs: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.AddJob("persist2", TaskPrefetch, Schedule{Kind: "every", EveryMs: 2000}); err != nil {
		t.Fatal(err)
	}

	s2 := NewService(storePath, nil)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	jobs := s2.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 persisted jobs, got %d", len(jobs))
	}
}

func TestService_ExecuteJob_WithHandler(t *testing.T) {
	s, _ := newTestService(t)

	var received Job
	s.OnJob = func(ctx context.Context, job Job) (string, error) {
		received = job
		return "NAM Mid-Market: 5 priority", nil
	}

	job, _ := s.AddJob("exec-test", TaskDigest, Schedule{Kind: "every", EveryMs: 1000})
	s.executeJob(*job)

	if received.Name != "exec-test" {
		t.Errorf("job name = %q, want exec-test", received.Name)
	}
	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" || jobs[0].State.LastResult != "NAM Mid-Market: 5 priority" {
		t.Errorf("state = %+v", jobs[0].State)
	}
	if jobs[0].State.LastRunAtMs == 0 {
		t.Error("lastRunAtMs not recorded")
	}
}

func TestService_ExecuteJob_NoHandler(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.AddJob("no-handler", TaskDigest, Schedule{Kind: "every", EveryMs: 1000})
	s.executeJob(*job)
}

func TestService_ExecuteJob_HandlerError(t *testing.T) {
	s, _ := newTestService(t)
	s.OnJob = func(ctx context.Context, job Job) (string, error) {
		return "", fmt.Errorf("handler error")
	}

	job, _ := s.AddJob("error-test", TaskDigest, Schedule{Kind: "every", EveryMs: 1000})
	s.executeJob(*job)

	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "error" {
		t.Errorf("lastStatus = %q, want error", jobs[0].State.LastStatus)
	}
	if jobs[0].State.LastError != "handler error" {
		t.Errorf("lastError = %q, want 'handler error'", jobs[0].State.LastError)
	}
}

func TestService_ExecuteJob_DeleteAfterRun(t *testing.T) {
	s, _ := newTestService(t)
	s.OnJob = func(ctx context.Context, job Job) (string, error) {
		return "done", nil
	}

	job := NewJob("delete-me", TaskPrefetch, Schedule{Kind: "at", AtMs: time.Now().UnixMilli()})
	job.DeleteAfterRun = true
	s.jobs = append(s.jobs, job)
	_ = s.save()

	s.executeJob(job)

	if jobs := s.ListJobs(); len(jobs) != 0 {
		t.Errorf("job should be deleted after run, got %d jobs", len(jobs))
	}
}

func TestService_TickLoop_AtSchedule(t *testing.T) {
	s, _ := newTestService(t)

	var executed atomic.Int32
	s.OnJob = func(ctx context.Context, job Job) (string, error) {
		executed.Add(1)
		return "at-job", nil
	}

	job := NewJob("at-job", TaskDigest, Schedule{Kind: "at", AtMs: time.Now().UnixMilli()})
	s.jobs = append(s.jobs, job)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2500 * time.Millisecond)
	cancel()
	s.Stop()

	if executed.Load() != 1 {
		t.Errorf("at-scheduled job ran %d times, want 1", executed.Load())
	}
}

func TestService_DueJobs(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Now().UnixMilli()

	every := NewJob("every", TaskPrefetch, Schedule{Kind: "every", EveryMs: 1000})
	every.State.LastRunAtMs = now - 500
	late := NewJob("late", TaskPrefetch, Schedule{Kind: "every", EveryMs: 1000})
	late.State.LastRunAtMs = now - 1500
	at := NewJob("at", TaskDigest, Schedule{Kind: "at", AtMs: now - 1})
	off := NewJob("off", TaskDigest, Schedule{Kind: "at", AtMs: now - 1})
	off.Enabled = false
	s.jobs = []Job{every, late, at, off}

	due := s.dueJobs(now)
	if len(due) != 2 || due[0].Name != "late" || due[1].Name != "at" {
		t.Fatalf("due = %+v", due)
	}
	if again := s.dueJobs(now); len(again) != 1 {
		t.Fatalf("at job should fire once, due again = %+v", again)
	}
}

func TestService_RegisterCronJob_FromFile(t *testing.T) {
	s, storePath := newTestService(t)

	jobs := []Job{
		{ID: "valid-cron", Name: "hourly", Task: TaskPrefetch, Enabled: true, Schedule: Schedule{Kind: "cron", Expr: "0 0 * * * *"}},
		{ID: "bad-cron", Name: "broken", Task: TaskDigest, Enabled: true, Schedule: Schedule{Kind: "cron", Expr: "invalid"}},
	}
	data, _ := json.MarshalIndent(jobs, "", "  ")
	if err := os.WriteFile(storePath, data, 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start should not fail on a bad expression: %v", err)
	}
	defer s.Stop()

	s.mu.Lock()
	entries := len(s.entryMap)
	s.mu.Unlock()
	if entries != 1 {
		t.Errorf("expected 1 entry in entryMap, got %d", entries)
	}
}

func TestService_EnableJob_CronToggleUpdatesEntryMap(t *testing.T) {
	s, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("toggle-cron", TaskDigest, Schedule{Kind: "cron", Expr: "0 0 8 * * 1-5"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if len(s.entryMap) != 1 {
		t.Fatalf("expected 1 cron entry after add, got %d", len(s.entryMap))
	}

	if _, err := s.EnableJob(job.ID, false); err != nil {
		t.Fatalf("EnableJob(false) error: %v", err)
	}
	if len(s.entryMap) != 0 {
		t.Fatalf("expected 0 cron entries after disable, got %d", len(s.entryMap))
	}

	if _, err := s.EnableJob(job.ID, true); err != nil {
		t.Fatalf("EnableJob(true) error: %v", err)
	}
	if len(s.entryMap) != 1 {
		t.Fatalf("expected 1 cron entry after re-enable, got %d", len(s.entryMap))
	}

	if !s.RemoveJob(job.ID) {
		t.Fatal("RemoveJob returned false")
	}
	if len(s.entryMap) != 0 {
		t.Fatalf("expected 0 entries after remove, got %d", len(s.entryMap))
	}
}

func TestService_RunJob(t *testing.T) {
	s, _ := newTestService(t)
	var ran atomic.Int32
	s.OnJob = func(ctx context.Context, job Job) (string, error) {
		ran.Add(1)
		return "scored 3, failed 0", nil
	}
	if _, err := s.AddJob("priority-prefetch", TaskPrefetch, Schedule{Kind: "cron", Expr: "0 30 7 * * 1-5"}); err != nil {
		t.Fatal(err)
	}

	job, err := s.RunJob("priority-prefetch")
	if err != nil {
		t.Fatalf("RunJob error: %v", err)
	}
	if ran.Load() != 1 || job.State.LastResult != "scored 3, failed 0" {
		t.Fatalf("ran=%d job=%+v", ran.Load(), job)
	}
	if _, err := s.RunJob("missing"); err == nil {
		t.Fatal("expected error for missing job")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer than ten", 10, "this is lo..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}
