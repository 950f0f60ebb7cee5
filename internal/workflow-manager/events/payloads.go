package events

// TaskStatusCommand is consumed from Kafka to request a task status transition.
type TaskStatusCommand struct {
	FirmID  uint   `json:"firm_id"`
	TaskID  uint   `json:"task_id"`
	Status  string `json:"status"`
	ActorID uint   `json:"actor_id"`
}

// TaskStatusResult is logged for every processed command.
type TaskStatusResult struct {
	TaskID         uint   `json:"task_id"`
	Status         string `json:"status"`
	AppliedActions int    `json:"applied_actions"`
	Error          string `json:"error,omitempty"`
}
