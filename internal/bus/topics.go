package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskClaimed      = "task.claimed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRescheduled  = "task.rescheduled"
	TopicTaskDeadLettered = "task.dead_lettered"
	TopicTaskCancelled    = "task.cancelled"
)

// Skill registry topics.
const (
	TopicSkillAdmitted    = "skill.admitted"
	TopicSkillRejected    = "skill.rejected"
	TopicSkillUninstalled = "skill.uninstalled"
	TopicSkillsReloaded   = "skill.reloaded"
)

// TaskEvent is the payload of every task.* topic.
type TaskEvent struct {
	TaskID     string
	Status     string
	SkillID    string
	RetryCount int
	Error      string
}

// SkillEvent is the payload of every skill.* topic.
type SkillEvent struct {
	SkillID string
	Path    string
	Reason  string
}
