package store

import (
	"encoding/json"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
)

// Workflow is a named, versioned step-graph definition. Updating one
// increments Version.
type Workflow struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Version    int             `json:"version"`
	Definition json.RawMessage `json:"definition"`
	IsTemplate bool            `json:"isTemplate"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// ExecutionStatus is the lifecycle of a workflow execution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecPaused    ExecutionStatus = "paused"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution can never transition again.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// Execution is one run of a workflow.
type Execution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflowId"`
	SwarmID     identity.SwarmID `json:"swarmId,omitempty"`
	Status      ExecutionStatus  `json:"status"`
	Context     json.RawMessage  `json:"context,omitempty"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	CreatedBy   identity.Handle  `json:"createdBy"`
}

// StepStatus is the scheduling state of one materialized step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepBlocked   StepStatus = "blocked"
)

// Terminal reports whether the step can never transition again.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepType selects the dispatch behavior of a step.
type StepType string

const (
	StepTask       StepType = "task"
	StepSpawn      StepType = "spawn"
	StepCheckpoint StepType = "checkpoint"
	StepGate       StepType = "gate"
	StepParallel   StepType = "parallel"
	StepScript     StepType = "script"
)

// OnFailure selects what a step failure does to the execution.
type OnFailure string

const (
	FailureFail     OnFailure = "fail"
	FailureSkip     OnFailure = "skip"
	FailureRetry    OnFailure = "retry"
	FailureContinue OnFailure = "continue"
)

// Step is one materialized node of a running execution. BlockedByCount
// always equals the number of dependencies not yet completed or skipped;
// a step is eligible iff Status == ready and BlockedByCount == 0.
type Step struct {
	ID             string          `json:"id"`
	ExecutionID    string          `json:"executionId"`
	StepKey        string          `json:"stepKey"`
	StepType       StepType        `json:"stepType"`
	Status         StepStatus      `json:"status"`
	Config         json.RawMessage `json:"config,omitempty"`
	DependsOn      []string        `json:"dependsOn,omitempty"`
	BlockedByCount int             `json:"blockedByCount"`
	Output         json.RawMessage `json:"output,omitempty"`
	AssignedTo     identity.Handle `json:"assignedTo,omitempty"`
	RefID          string          `json:"refId,omitempty"` // task/spawn/checkpoint created for this step
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetryCount     int             `json:"retryCount"`
	MaxRetries     int             `json:"maxRetries"`
	TimeoutMs      int64           `json:"timeoutMs,omitempty"`
	OnFailure      OnFailure       `json:"onFailure,omitempty"`
	Guard          string          `json:"guard,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// TriggerType selects how a trigger fires.
type TriggerType string

const (
	TriggerEvent      TriggerType = "event"
	TriggerSchedule   TriggerType = "schedule"
	TriggerWebhook    TriggerType = "webhook"
	TriggerBlackboard TriggerType = "blackboard"
)

// Trigger launches a workflow execution when its condition matches.
type Trigger struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflowId"`
	TriggerType TriggerType     `json:"triggerType"`
	Config      json.RawMessage `json:"config,omitempty"`
	IsEnabled   bool            `json:"isEnabled"`
	LastFiredAt *time.Time      `json:"lastFiredAt,omitempty"`
	FireCount   int64           `json:"fireCount"`
	CreatedAt   time.Time       `json:"createdAt"`
}
