package api

// Default listen address for the quilld HTTP API.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 7419
)

// TaskView is the read-only snapshot returned to clients. The audit log
// is ordered oldest first and never mutated after append.
type TaskView struct {
	TaskID    string       `json:"task_id"`
	Prompt    string       `json:"prompt"`
	Status    string       `json:"status"`
	Phase     string       `json:"phase,omitempty"`
	Result    *string      `json:"result,omitempty"`
	AuditLog  []AuditEntry `json:"audit_log"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

// AuditEntry records one accepted state transition.
type AuditEntry struct {
	Actor      string `json:"actor"`
	FromStatus string `json:"from_status"`
	FromPhase  string `json:"from_phase,omitempty"`
	ToStatus   string `json:"to_status"`
	ToPhase    string `json:"to_phase,omitempty"`
	At         string `json:"at"`
	Note       string `json:"note,omitempty"`
}

// Signal instructs a worker to run one phase for one task. Workers must
// re-derive what to do from the persisted task state; the signal payload
// is only a hint and may be stale after redelivery.
type Signal struct {
	TaskID string `json:"task_id"`
	Phase  string `json:"phase"`
}

type CreateTaskRequest struct {
	Prompt string `json:"prompt"`
}

type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}
