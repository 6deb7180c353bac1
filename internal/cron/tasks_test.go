package cron

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/catalog"
	"github.com/stellarlinkco/prospector/internal/pipeline"
	"github.com/stellarlinkco/prospector/internal/store"
)

// 2024-01-01 was a Monday.
var monday = time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)

type stubExecutor struct{ answer string }

func (e stubExecutor) Execute(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(e.answer), nil
}

type recordingSender struct {
	digests []pipeline.Digest
	err     error
}

func (r *recordingSender) SendDigest(_ context.Context, d pipeline.Digest) error {
	r.digests = append(r.digests, d)
	return r.err
}

func newTasks(t *testing.T, sender DigestSender) *Tasks {
	t.Helper()
	cat, err := catalog.New([]account.Company{
		{ID: "acme", Name: "Acme", Industry: "CRM", Region: account.RegionNAM, EmployeeCount: 200},
		{ID: "globex", Name: "Globex", Industry: "HR Tech", Region: account.RegionNAM, EmployeeCount: 300},
		{ID: "initech", Name: "Initech", Industry: "Security", Region: account.RegionEMEA, EmployeeCount: 150},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	svc := pipeline.New(pipeline.Options{
		Executor: stubExecutor{answer: `{"demo":7,"realAdSpend":7,"intricateRouting":7,"velocity":7,"evidence":7}`},
		Accounts: store.NewAccounts(store.NewMemory(nil, 0)),
		Catalog:  cat,
		Now:      func() time.Time { return monday },
	})
	return &Tasks{Pipeline: svc, Sender: sender, Now: func() time.Time { return monday }}
}

func TestTasks_Digest(t *testing.T) {
	sender := &recordingSender{}
	tasks := newTasks(t, sender)

	result, err := tasks.Handle(context.Background(), Job{Name: "morning-digest", Task: TaskDigest})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if len(sender.digests) != 1 {
		t.Fatalf("sent %d digests, want 1", len(sender.digests))
	}
	d := sender.digests[0]
	if d.Segment.Label != "NAM Mid-Market" || d.Total != 2 {
		t.Errorf("digest = %+v", d)
	}
	if result != "NAM Mid-Market: 2 priority, 2 overdue" {
		t.Errorf("result = %q", result)
	}
}

func TestTasks_DigestWithoutSender(t *testing.T) {
	tasks := newTasks(t, nil)
	result, err := tasks.Handle(context.Background(), Job{Task: TaskDigest})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if !strings.HasPrefix(result, "NAM Mid-Market") {
		t.Errorf("result = %q", result)
	}
}

func TestTasks_DigestSendError(t *testing.T) {
	tasks := newTasks(t, &recordingSender{err: errors.New("chat unreachable")})
	if _, err := tasks.Handle(context.Background(), Job{Task: TaskDigest}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestTasks_Prefetch(t *testing.T) {
	tasks := newTasks(t, nil)
	ctx := context.Background()

	result, err := tasks.Handle(ctx, Job{Task: TaskPrefetch})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if result != "scored 2, failed 0" {
		t.Errorf("result = %q", result)
	}

	result, err = tasks.Handle(ctx, Job{Task: TaskPrefetch})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if result != "scored 0, failed 0" {
		t.Errorf("second prefetch result = %q, want nothing left to score", result)
	}
}

func TestTasks_UnknownTask(t *testing.T) {
	tasks := newTasks(t, nil)
	if _, err := tasks.Handle(context.Background(), Job{Task: "bogus"}); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestDefaults(t *testing.T) {
	jobs := Defaults("0 0 8 * * 1-5", "")
	if len(jobs) != 1 || jobs[0].Name != "morning-digest" || jobs[0].Task != TaskDigest {
		t.Fatalf("jobs = %+v", jobs)
	}
	if got := Defaults("", ""); len(got) != 0 {
		t.Fatalf("empty expressions should yield no jobs, got %+v", got)
	}
}
