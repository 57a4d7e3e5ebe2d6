package jobs

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. Completed, failed and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Step is one resumable piece of work. Pause and cancel are observed
// between steps, never inside one.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Unit is an ordered list of steps. Result, when set, is called after the
// last step and its value is stored on the record. OnCancel, when set, is
// called once from the job goroutine after a cancel stops the unit, and
// after any step in flight has returned.
type Unit struct {
	Name     string
	Steps    []Step
	Result   func() any
	OnCancel func(ctx context.Context)
}

// StartOptions customise Start. An empty ID is generated.
type StartOptions struct {
	ID       string
	Metadata map[string]any
}

// Record is the persisted view of a job.
type Record struct {
	ID             string         `json:"job_id"`
	Name           string         `json:"name,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"last_update"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CurrentStep    string         `json:"current_step,omitempty"`
	CompletedSteps int            `json:"completed_steps"`
	TotalSteps     int            `json:"total_steps"`
	Progress       float64        `json:"progress"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
