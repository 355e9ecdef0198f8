package task

import (
	"time"

	"github.com/google/uuid"
)

// ContextTask is a short-lived, one-shot proactive send predicted from
// conversation context. It exists independently of the session's baseline
// timer and is consumed when it fires.
type ContextTask struct {
	JobID            string `json:"job_id"`
	SessionID        string `json:"session_id"`
	FireAtMs         int64  `json:"fire_at_ms"`
	Hint             string `json:"hint,omitempty"`
	Reason           string `json:"reason,omitempty"`
	CreatedFrom      string `json:"created_from,omitempty"`
	ProviderOverride string `json:"provider_override,omitempty"`
	CreatedAtMs      int64  `json:"created_at_ms"`
}

// NewContextTask builds a task firing after the given delay.
func NewContextTask(sessionID string, delay time.Duration, hint, reason, createdFrom string) ContextTask {
	now := time.Now()
	return ContextTask{
		JobID:       uuid.NewString(),
		SessionID:   sessionID,
		FireAtMs:    now.Add(delay).UnixMilli(),
		Hint:        hint,
		Reason:      reason,
		CreatedFrom: createdFrom,
		CreatedAtMs: now.UnixMilli(),
	}
}

// SessionState is everything the scheduler tracks per session. A session
// has at most one baseline timer (BaselineFireAtMs == 0 means none) and
// any number of context tasks.
type SessionState struct {
	UnansweredCount     int           `json:"unanswered_count"`
	BaselineFireAtMs    int64         `json:"baseline_fire_at_ms"`
	LastUserMessageAtMs int64         `json:"last_user_message_at_ms"`
	ContextTasks        []ContextTask `json:"context_tasks,omitempty"`
}

// FireEvent describes one due timer handed to the dispatch handler.
// Task is nil for a baseline fire.
type FireEvent struct {
	SessionID string
	Task      *ContextTask
	FiredAt   time.Time
}
