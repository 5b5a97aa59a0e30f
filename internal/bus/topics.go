package bus

// Topics published by the analyst runtime.
const (
	TopicTasksUpdated    = "tasks.updated"
	TopicTurnCompleted   = "session.turn.completed"
	TopicTurnFailed      = "session.turn.failed"
	TopicTurnInterrupted = "session.turn.interrupted"
	TopicSessionPrefix   = "session."
)

// TasksUpdatedEvent is published whenever the task progress record changes.
// AutoCreated is set when the planner seeded the plan from a prompt rather than
// a tool call writing it.
type TasksUpdatedEvent struct {
	Source      string // "tool:<name>", "planner", "api", "watcher"
	AutoCreated bool
}

// TurnEvent is published when a turn reaches a terminal state.
type TurnEvent struct {
	SessionID string
	TurnID    string
	State     string
	Cost      float64
	TotalCost float64
	Err       string
}
