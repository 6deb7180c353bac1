package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/prospector/internal/pipeline"
)

// DigestSender delivers a digest somewhere outside the process.
type DigestSender interface {
	SendDigest(ctx context.Context, d pipeline.Digest) error
}

// Tasks maps job tasks onto pipeline operations.
type Tasks struct {
	Pipeline *pipeline.Service
	// Sender may be nil, in which case the digest is only summarized.
	Sender DigestSender
	Now    func() time.Time
}

// Handle is a Handler.
func (t *Tasks) Handle(ctx context.Context, job Job) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	switch job.Task {
	case TaskDigest:
		d, err := t.Pipeline.Digest(ctx, now())
		if err != nil {
			return "", fmt.Errorf("build digest: %w", err)
		}
		if t.Sender != nil {
			if err := t.Sender.SendDigest(ctx, d); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%s: %d priority, %d overdue", d.Segment.Label, len(d.Priority), d.Overdue), nil
	case TaskPrefetch:
		res, err := t.Pipeline.Prefetch(ctx, now())
		if err != nil {
			return "", fmt.Errorf("prefetch: %w", err)
		}
		return fmt.Sprintf("scored %d, failed %d", len(res.Scored), len(res.Failed)), nil
	default:
		return "", fmt.Errorf("unknown task %q", job.Task)
	}
}

// Defaults are the jobs the gateway keeps registered.
func Defaults(digestExpr, prefetchExpr string) []Job {
	var jobs []Job
	if digestExpr != "" {
		jobs = append(jobs, Job{Name: "morning-digest", Task: TaskDigest, Schedule: Schedule{Kind: "cron", Expr: digestExpr}})
	}
	if prefetchExpr != "" {
		jobs = append(jobs, Job{Name: "priority-prefetch", Task: TaskPrefetch, Schedule: Schedule{Kind: "cron", Expr: prefetchExpr}})
	}
	return jobs
}
