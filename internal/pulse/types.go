// Package pulse is the persistent cron scheduler: schedule/run storage and
// the dispatcher driving agent runs directly or over the relay.
package pulse

import (
	"time"

	"github.com/dorklabs/dorkos/internal/runtime"
)

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleActive  ScheduleStatus = "active"
	SchedulePaused  ScheduleStatus = "paused"
	ScheduleErrored ScheduleStatus = "errored"
)

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// pending -> running -> {completed, failed, cancelled}, plus the
// no-receiver shortcut pending -> failed.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Trigger records what fired a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Summary caps.
const (
	DirectSummaryMax = 500
	RelaySummaryMax  = 1000
)

// Schedule is a persistent cron-defined job.
type Schedule struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Prompt         string                 `json:"prompt"`
	Cron           string                 `json:"cron"`
	Timezone       string                 `json:"timezone,omitempty"`
	Cwd            string                 `json:"cwd,omitempty"`
	PermissionMode runtime.PermissionMode `json:"permissionMode"`
	Enabled        bool                   `json:"enabled"`
	Status         ScheduleStatus         `json:"status"`
	MaxRuntimeMs   int64                  `json:"maxRuntime,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// ScheduleInput creates a schedule.
type ScheduleInput struct {
	Name           string                 `json:"name"`
	Prompt         string                 `json:"prompt"`
	Cron           string                 `json:"cron"`
	Timezone       string                 `json:"timezone,omitempty"`
	Cwd            string                 `json:"cwd,omitempty"`
	PermissionMode runtime.PermissionMode `json:"permissionMode,omitempty"`
	Enabled        *bool                  `json:"enabled,omitempty"` // nil = true
	MaxRuntimeMs   int64                  `json:"maxRuntime,omitempty"`
}

// SchedulePatch partially updates a schedule. Nil fields are untouched.
type SchedulePatch struct {
	Name           *string                 `json:"name,omitempty"`
	Prompt         *string                 `json:"prompt,omitempty"`
	Cron           *string                 `json:"cron,omitempty"`
	Timezone       *string                 `json:"timezone,omitempty"`
	Cwd            *string                 `json:"cwd,omitempty"`
	PermissionMode *runtime.PermissionMode `json:"permissionMode,omitempty"`
	Enabled        *bool                   `json:"enabled,omitempty"`
	Status         *ScheduleStatus         `json:"status,omitempty"`
	MaxRuntimeMs   *int64                  `json:"maxRuntime,omitempty"`
}

// Run is one execution of a schedule.
type Run struct {
	ID            string     `json:"id"`
	ScheduleID    string     `json:"scheduleId"`
	Trigger       Trigger    `json:"trigger"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	DurationMs    int64      `json:"durationMs,omitempty"`
	OutputSummary string     `json:"outputSummary,omitempty"`
	Error         string     `json:"error,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
}

// RunPatch partially updates a run. Status changes must follow the legal
// transition table.
type RunPatch struct {
	Status        *RunStatus
	FinishedAt    *time.Time
	DurationMs    *int64
	OutputSummary *string
	Error         *string
	SessionID     *string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ScheduleID string
	Status     RunStatus
	Limit      int
}

// legalTransition reports whether a run may move from one status to another.
func legalTransition(from, to RunStatus) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		return to == RunCompleted || to == RunFailed || to == RunCancelled
	default:
		return false
	}
}

// Terminal reports whether a status accepts no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}
