package store

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
)

// TeamStore holds users and team-scoped tasks.
type TeamStore interface {
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, uid identity.UID) (*User, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByTeam(ctx context.Context, team identity.TeamName) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, updatedAt time.Time) error
}

// WorkItemFilter narrows ListWorkItems. Zero values match everything.
type WorkItemFilter struct {
	Status   WorkItemStatus
	Assignee identity.Handle
	BatchID  string
}

// WorkItemStore holds work items, batches, and the append-only event log.
// Implementations must write a status change and its event atomically when
// the backend supports transactions.
type WorkItemStore interface {
	CreateWorkItem(ctx context.Context, w *WorkItem, ev *WorkItemEvent) error
	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)
	ListWorkItems(ctx context.Context, f WorkItemFilter) ([]*WorkItem, error)
	// UpdateWorkItem writes the item's status and assignee together with the
	// event describing the change, in one atomic unit.
	UpdateWorkItem(ctx context.Context, w *WorkItem, ev *WorkItemEvent) error
	AppendWorkItemEvent(ctx context.Context, ev *WorkItemEvent) error
	GetWorkItemEvents(ctx context.Context, workItemID string) ([]*WorkItemEvent, error)

	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status BatchStatus) error
	ListBatchItems(ctx context.Context, batchID string) ([]*WorkItem, error)
}

// MailStore holds directed messages and handoff records.
type MailStore interface {
	CreateMail(ctx context.Context, m *Mail) error
	GetMailByID(ctx context.Context, id string) (*Mail, error)
	ListMail(ctx context.Context, to identity.Handle) ([]*Mail, error)
	ListUnread(ctx context.Context, to identity.Handle) ([]*Mail, error)
	MarkMailRead(ctx context.Context, id string, at time.Time) error

	CreateHandoff(ctx context.Context, h *Handoff) error
	GetHandoff(ctx context.Context, id string) (*Handoff, error)
	UpdateHandoffStatus(ctx context.Context, id string, status HandoffStatus) error
	ListHandoffs(ctx context.Context, to identity.Handle) ([]*Handoff, error)
}

// BlackboardFilter narrows a blackboard read.
type BlackboardFilter struct {
	MessageType     MessageType
	Priority        Priority
	UnreadOnly      bool
	ReaderHandle    identity.Handle
	IncludeArchived bool
	Limit           int
}

// BlackboardStore holds the swarm-scoped append-only message logs.
// Messages within a swarm are ordered by (createdAt, id) ascending.
type BlackboardStore interface {
	PostMessage(ctx context.Context, m *BlackboardMessage) error
	ReadMessages(ctx context.Context, swarm identity.SwarmID, f BlackboardFilter) ([]*BlackboardMessage, error)
	// MarkMessagesRead adds reader to each message's read set. Unknown IDs
	// are silently skipped; re-marking is a no-op.
	MarkMessagesRead(ctx context.Context, ids []string, reader identity.Handle) error
	ArchiveMessages(ctx context.Context, ids []string) error
	ArchiveOlderThan(ctx context.Context, swarm identity.SwarmID, cutoff int64) (int, error)
	UnreadCount(ctx context.Context, swarm identity.SwarmID, reader identity.Handle) (int, error)
}

// SpawnQueueStore persists spawn requests so the queue survives restarts.
type SpawnQueueStore interface {
	CreateSpawnRequest(ctx context.Context, r *SpawnRequest) error
	GetSpawnRequest(ctx context.Context, id string) (*SpawnRequest, error)
	UpdateSpawnRequest(ctx context.Context, id string, status SpawnStatus, reason string, decidedAt *time.Time) error
	ListSpawnRequests(ctx context.Context, status SpawnStatus) ([]*SpawnRequest, error)
}

// WorkerStore mirrors the in-memory registry for durability.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, handle identity.Handle) (*Worker, error)
	DeleteWorker(ctx context.Context, handle identity.Handle) error
	ListWorkers(ctx context.Context) ([]*Worker, error)
	ListWorkersByTeam(ctx context.Context, team identity.TeamName) ([]*Worker, error)
	ListWorkersBySwarm(ctx context.Context, swarm identity.SwarmID) ([]*Worker, error)
}

// CheckpointStore holds review checkpoints created by workflow steps.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, c *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	UpdateCheckpointStatus(ctx context.Context, id string, status CheckpointStatus, decidedAt time.Time) error
	ListCheckpointsFor(ctx context.Context, to identity.Handle) ([]*Checkpoint, error)
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     ExecutionStatus
}

// WorkflowStore holds workflow definitions, executions, steps and triggers.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*Workflow, error)
	ListWorkflows(ctx context.Context, isTemplate *bool) ([]*Workflow, error)
	// UpdateWorkflow replaces the definition and increments the version.
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error

	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error)

	// CreateSteps persists all materialized steps of a new execution in one
	// atomic unit, including the initial pending -> ready promotions.
	CreateSteps(ctx context.Context, steps []*Step) error
	GetStep(ctx context.Context, id string) (*Step, error)
	UpdateStep(ctx context.Context, s *Step) error
	ListSteps(ctx context.Context, executionID string) ([]*Step, error)

	CreateTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context, enabledOnly bool) ([]*Trigger, error)
	UpdateTriggerFired(ctx context.Context, id string, at time.Time) error
	UpdateTriggerEnabled(ctx context.Context, id string, enabled bool) error
	DeleteTrigger(ctx context.Context, id string) error
}

// Backend aggregates every capability the server needs. The sqlite backend
// implements all of them on one handle; other backends may compose.
type Backend interface {
	TeamStore
	WorkItemStore
	MailStore
	BlackboardStore
	SpawnQueueStore
	WorkerStore
	CheckpointStore
	WorkflowStore
	Close() error
}
