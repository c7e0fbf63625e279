package domain

// Task statuses mirror the tracker's workflow.
const (
	StatusOpen       = "open"
	StatusInProgress = "in progress"
	StatusResolved   = "resolved"
	StatusReopened   = "reopened"
	StatusClosed     = "closed"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusReopened, StatusClosed:
		return true
	}
	return false
}

type Project struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	CreatorID   int64   `json:"creator_id"`
	Active      bool    `json:"active"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"open,in progress,resolved,reopened,closed"`
	CreatorID   int64   `json:"creator_id"`
	ExecutorID  *int64  `json:"executor_id,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	Active      bool    `json:"active"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time"`
}

// Subscription ties a user to status updates on one task.
// Rows are created and removed only by the engine.
type Subscription struct {
	ID           int64  `json:"id"`
	TaskID       string `json:"task_id"`
	SubscriberID int64  `json:"subscriber_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Participation records a user's association with a project. Participations
// survive project deactivation.
type Participation struct {
	ID            int64  `json:"id"`
	ProjectID     string `json:"project_id"`
	ParticipantID int64  `json:"participant_id"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// NotificationMark is the at-most-once guard for status-change and deadline
// mail: one row per (task, user, kind).
type NotificationMark struct {
	ID             int64  `json:"id"`
	TaskID         string `json:"task_id"`
	NotifiedUserID int64  `json:"notified_user_id"`
	Type           string `json:"notification_type"`
	Date           string `json:"notification_date" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
