package schemas

import "time"

// -- Job Schemas --

// JobKind identifies which acquisition a job runs.
type JobKind string

const (
	JobRegister JobKind = "register"
	JobRefresh  JobKind = "refresh"
)

// JobStatus is the lifecycle state reported to API clients.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Progress is a snapshot of a batch job.
type Progress struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Succeeded int    `json:"success"`
	Failed    int    `json:"failed"`
	Current   string `json:"current,omitempty"`
}

// Job is the externally visible view of an acquisition job.
type Job struct {
	ID          string      `json:"task_id"`
	Kind        JobKind     `json:"kind"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Progress    *Progress   `json:"progress,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// BatchResult is the terminal result of a registration batch.
type BatchResult struct {
	Accounts  []CookieBundle `json:"accounts"`
	Succeeded int            `json:"success"`
	Failed    int            `json:"failed"`
	// Stopped says why a batch ended before every account was attempted.
	Stopped   string         `json:"stopped,omitempty"`
}
