package eventbus

// Event types published by the schedule repository and the task engine.
const (
	ScheduleCreated        = "schedule.created"
	ScheduleUpdated        = "schedule.updated"
	ScheduleCancelled      = "schedule.cancelled"
	ScheduleExecuted       = "schedule.executed"
	ScheduleFireFailed     = "schedule.fire_failed"
	ScheduleDeliveryFailed = "schedule.delivery_failed"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"
)

// ScheduleEvent is the payload of schedule.* events.
type ScheduleEvent struct {
	ID          int64  `json:"id"`
	TargetRef   string `json:"target_ref"`
	DisplayName string `json:"display_name,omitempty"`
	ScheduledAt int64  `json:"scheduled_at"` // epoch ms
	Error       string `json:"error,omitempty"`
}
