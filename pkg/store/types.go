// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package store defines the persistent entities of the coordination core and
// the narrow capability interfaces a backend must implement. The core never
// depends on a concrete backend; pkg/store/sqlite is the reference one.
package store

import (
	"encoding/json"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
)

// WorkerState is the lifecycle state of a supervised worker.
type WorkerState string

const (
	WorkerStarting  WorkerState = "starting"
	WorkerReady     WorkerState = "ready"
	WorkerWorking   WorkerState = "working"
	WorkerDismissed WorkerState = "dismissed"
)

// Active reports whether the state counts against spawn capacity.
func (s WorkerState) Active() bool {
	return s == WorkerStarting || s == WorkerReady || s == WorkerWorking
}

// WorkerHealth is derived from heartbeat age by the registry.
type WorkerHealth string

const (
	HealthHealthy   WorkerHealth = "healthy"
	HealthDegraded  WorkerHealth = "degraded"
	HealthUnhealthy WorkerHealth = "unhealthy"
)

// SpawnMode describes how the worker process is hosted.
type SpawnMode string

const (
	SpawnNative   SpawnMode = "native"
	SpawnTmux     SpawnMode = "tmux"
	SpawnExternal SpawnMode = "external"
)

// Worker is the durable row mirrored by the in-memory registry.
type Worker struct {
	ID            string            `json:"id"`
	Handle        identity.Handle   `json:"handle"`
	TeamName      identity.TeamName `json:"teamName"`
	SwarmID       identity.SwarmID  `json:"swarmId,omitempty"`
	State         WorkerState       `json:"state"`
	Health        WorkerHealth      `json:"health"`
	SpawnMode     SpawnMode         `json:"spawnMode"`
	DepthLevel    int               `json:"depthLevel"`
	ParentHandle  identity.Handle   `json:"parentHandle,omitempty"`
	PID           int               `json:"pid,omitempty"`
	RestartCount  int               `json:"restartCount"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	SpawnedAt     time.Time         `json:"spawnedAt"`
}

// TaskStatus is the status of a team-scoped task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskResolved   TaskStatus = "resolved"
	TaskBlocked    TaskStatus = "blocked"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskResolved, TaskBlocked:
		return true
	}
	return false
}

// Task is a team-scoped unit of work with blocking dependencies.
type Task struct {
	ID              string            `json:"id"`
	TeamName        identity.TeamName `json:"teamName"`
	OwnerHandle     identity.Handle   `json:"ownerHandle"`
	OwnerUID        identity.UID      `json:"ownerUid"`
	CreatedByHandle identity.Handle   `json:"createdByHandle"`
	CreatedByUID    identity.UID      `json:"createdByUid"`
	Subject         string            `json:"subject"`
	Description     string            `json:"description,omitempty"`
	Status          TaskStatus        `json:"status"`
	BlockedBy       []string          `json:"blockedBy,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// WorkItemStatus is the status of a flat work item.
type WorkItemStatus string

const (
	ItemPending    WorkItemStatus = "pending"
	ItemInProgress WorkItemStatus = "in_progress"
	ItemCompleted  WorkItemStatus = "completed"
	ItemBlocked    WorkItemStatus = "blocked"
	ItemCancelled  WorkItemStatus = "cancelled"
)

// ValidWorkItemStatus reports whether s is a known work-item status.
func ValidWorkItemStatus(s WorkItemStatus) bool {
	switch s {
	case ItemPending, ItemInProgress, ItemCompleted, ItemBlocked, ItemCancelled:
		return true
	}
	return false
}

// WorkItem is a flat dispatch unit, optionally bundled into a batch.
type WorkItem struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      WorkItemStatus  `json:"status"`
	AssignedTo  identity.Handle `json:"assignedTo,omitempty"`
	BatchID     string          `json:"batchId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// WorkItemEventType tags an entry in a work item's append-only history.
type WorkItemEventType string

const (
	EventCreated   WorkItemEventType = "created"
	EventAssigned  WorkItemEventType = "assigned"
	EventStarted   WorkItemEventType = "started"
	EventCompleted WorkItemEventType = "completed"
	EventBlocked   WorkItemEventType = "blocked"
	EventUnblocked WorkItemEventType = "unblocked"
	EventCancelled WorkItemEventType = "cancelled"
	EventComment   WorkItemEventType = "comment"
)

// WorkItemEvent is one entry in a work item's append-only event log.
type WorkItemEvent struct {
	ID         int64             `json:"id"`
	WorkItemID string            `json:"workItemId"`
	EventType  WorkItemEventType `json:"eventType"`
	Actor      identity.Handle   `json:"actor,omitempty"`
	Details    string            `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// BatchStatus is the status of a work-item batch.
type BatchStatus string

const (
	BatchOpen       BatchStatus = "open"
	BatchDispatched BatchStatus = "dispatched"
	BatchCompleted  BatchStatus = "completed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Batch bundles work items for atomic dispatch to a single worker.
type Batch struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    BatchStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Mail is a directed message between agents. Unread means ReadAt is nil.
type Mail struct {
	ID        string          `json:"id"`
	From      identity.Handle `json:"from"`
	To        identity.Handle `json:"to"`
	Subject   string          `json:"subject,omitempty"`
	Body      string          `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
	ReadAt    *time.Time      `json:"readAt,omitempty"`
}

// HandoffStatus is the lifecycle of a context transfer record.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
	HandoffRejected HandoffStatus = "rejected"
)

// Handoff records a context transfer between two agents.
type Handoff struct {
	ID         string          `json:"id"`
	FromHandle identity.Handle `json:"fromHandle"`
	ToHandle   identity.Handle `json:"toHandle"`
	Reason     string          `json:"reason,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`
	Status     HandoffStatus   `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// MessageType classifies a blackboard message.
type MessageType string

const (
	MsgRequest    MessageType = "request"
	MsgResponse   MessageType = "response"
	MsgStatus     MessageType = "status"
	MsgDirective  MessageType = "directive"
	MsgCheckpoint MessageType = "checkpoint"
)

// ValidMessageType reports whether t is a known blackboard message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MsgRequest, MsgResponse, MsgStatus, MsgDirective, MsgCheckpoint:
		return true
	}
	return false
}

// Priority orders blackboard messages and spawn requests.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to an integer for ordering; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// BlackboardMessage is one entry in a swarm's append-only message log.
// Bodies are immutable; only ReadBy grows and Archived flips to true.
type BlackboardMessage struct {
	ID           string            `json:"id"`
	SwarmID      identity.SwarmID  `json:"swarmId"`
	SenderHandle identity.Handle   `json:"senderHandle"`
	MessageType  MessageType       `json:"messageType"`
	Priority     Priority          `json:"priority"`
	TargetHandle identity.Handle   `json:"targetHandle,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	CreatedAt    int64             `json:"createdAt"` // unix millis
	ReadBy       []identity.Handle `json:"readBy,omitempty"`
	Archived     bool              `json:"archived"`
}

// ReadByContains reports whether reader is already in the read set.
func (m *BlackboardMessage) ReadByContains(reader identity.Handle) bool {
	for _, h := range m.ReadBy {
		if h == reader {
			return true
		}
	}
	return false
}

// SpawnStatus is the lifecycle of a spawn request.
type SpawnStatus string

const (
	SpawnPending   SpawnStatus = "pending"
	SpawnApproved  SpawnStatus = "approved"
	SpawnSpawned   SpawnStatus = "spawned"
	SpawnRejected  SpawnStatus = "rejected"
	SpawnBlocked   SpawnStatus = "blocked"
	SpawnCancelled SpawnStatus = "cancelled"
)

// SpawnRequest asks the controller to admit one worker.
type SpawnRequest struct {
	ID              string           `json:"id"`
	RequesterHandle identity.Handle  `json:"requesterHandle"`
	TargetAgentType string           `json:"targetAgentType"`
	Task            string           `json:"task"`
	SwarmID         identity.SwarmID `json:"swarmId,omitempty"`
	Priority        Priority         `json:"priority"`
	DepthLevel      int              `json:"depthLevel"`
	ParentHandle    identity.Handle  `json:"parentHandle,omitempty"`
	DependsOn       []string         `json:"dependsOn,omitempty"`
	Status          SpawnStatus      `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	DecidedAt       *time.Time       `json:"decidedAt,omitempty"`
}

// CheckpointStatus is the lifecycle of a checkpoint record.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointAccepted CheckpointStatus = "accepted"
	CheckpointRejected CheckpointStatus = "rejected"
)

// Checkpoint is a review gate addressed to a specific handle. Workflow
// checkpoint steps create one and optionally wait for acceptance.
type Checkpoint struct {
	ID        string          `json:"id"`
	ToHandle  identity.Handle `json:"toHandle"`
	Summary   string          `json:"summary,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    CheckpointStatus `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	DecidedAt *time.Time      `json:"decidedAt,omitempty"`
}

// User is a registered agent identity within a team.
type User struct {
	UID       identity.UID      `json:"uid"`
	Handle    identity.Handle   `json:"handle"`
	TeamName  identity.TeamName `json:"teamName"`
	AgentType string            `json:"agentType"` // team-lead | worker
	CreatedAt time.Time         `json:"createdAt"`
}
