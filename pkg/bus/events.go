package bus

// Event names published by the coordination core.
const (
	EventWorkerSpawned   = "worker:spawned"
	EventWorkerOutput    = "worker:output"
	EventWorkerExit      = "worker:exit"
	EventWorkerDismissed = "worker:dismissed"
	EventWorkerRestart   = "worker:restart"

	EventWorkflowStarted   = "workflow:started"
	EventWorkflowCompleted = "workflow:completed"
	EventWorkflowFailed    = "workflow:failed"
	EventWorkflowPaused    = "workflow:paused"
	EventWorkflowResumed   = "workflow:resumed"
	EventWorkflowCancelled = "workflow:cancelled"

	EventStepCompleted = "step:completed"
	EventStepFailed    = "step:failed"

	EventTaskCreated  = "task:created"
	EventTaskUpdated  = "task:updated"
	EventTaskAssigned = "task:assigned"

	EventMailSent         = "mail:sent"
	EventBlackboardPosted = "blackboard:posted"
	EventSpawnEnqueued    = "spawn:enqueued"
	EventSpawnApproved    = "spawn:approved"
	EventSpawnRejected    = "spawn:rejected"
)
