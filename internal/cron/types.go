package cron

import (
	"time"

	"github.com/google/uuid"
)

// Task names what a job does when it fires.
type Task string

const (
	TaskDigest   Task = "digest"
	TaskPrefetch Task = "prefetch"
)

// Schedule kinds: "cron" uses Expr (with seconds), "every" repeats every
// EveryMs, "at" fires once at AtMs.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
}

type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Task           Task     `json:"task"`
	Schedule       Schedule `json:"schedule"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	State          JobState `json:"state"`
}

func NewJob(name string, task Task, schedule Schedule) Job {
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Task:        task,
		Schedule:    schedule,
		Enabled:     true,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
