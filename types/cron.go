package types

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

type SchedulerManager interface {
	LifecycleManager
	Add(name, spec string, job func(ctx context.Context) error) error
	Remove(name string) error
	Run(name string) error
	Jobs() []JobInfo
}

type JobInfo struct {
	ID           cron.EntryID  `json:"id"`
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	AddedAt      time.Time     `json:"added_at"`
	LastRun      time.Time     `json:"last_run"`
	NextRun      time.Time     `json:"next_run"`
	LastDuration time.Duration `json:"last_duration"`
	AvgDuration  time.Duration `json:"avg_duration"`
	RunCount     int64         `json:"run_count"`
	FailCount    int64         `json:"fail_count"`
	LastError    string        `json:"last_error,omitempty"`
}
