package bus

// Well-known orchestration topics. Role-specific work topics (scene
// generation, asset matching) are declared next to the agents that serve
// them; the names here are the ones the core itself publishes or consumes.
const (
	// TopicTaskResult carries the second half of a task assignment: the
	// worker's eventual success/error result.
	TopicTaskResult = "task.result"

	// TopicAgentStatus carries agent status pushes; no reply expected.
	TopicAgentStatus = "agent.status"

	// TopicAgentOffline announces an agent that failed its restart probe
	// so the director can reassign its pending work.
	TopicAgentOffline = "agent.offline"

	// TopicCommDegraded is published once per exhausted retry sequence,
	// naming the source and target of the failing channel.
	TopicCommDegraded = "communication.degraded"

	// TopicConflictResolved is the director's single authoritative ruling
	// on conflicting task results.
	TopicConflictResolved = "conflict.resolved"

	// TopicStepDone carries step-completion events back to the engine.
	TopicStepDone = "workflow.step.done"

	// Workflow lifecycle notifications, consumed by observers (SSE, CLI).
	TopicWorkflowStarted         = "workflow.started"
	TopicWorkflowCompleted       = "workflow.completed"
	TopicWorkflowFailed          = "workflow.failed"
	TopicWorkflowPaused          = "workflow.paused"
	TopicWorkflowResumed         = "workflow.resumed"
	TopicWorkflowAwaitingConfirm = "workflow.awaiting_confirm"
)
