// Package progress is the append-only event stream of a migration job.
package progress

import "time"

// Status is the lifecycle state of a migration job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Outcome is the per-message result of one attempt
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// Level of a log entry
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Counters is the aggregate state of a job at one point in time.
// Processed == Succeeded + Failed always holds.
type Counters struct {
	Total        int64 `json:"total"`
	TotalKnown   bool  `json:"total_known"`
	Processed    int64 `json:"processed"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	FoldersTotal int   `json:"folders_total"`
	FoldersDone  int   `json:"folders_done"`
}

// LogEntry is one human-readable line plus its structured context
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	FolderID   string    `json:"folder_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// BatchSummary closes one batch; its counts are already in the event's Counters
type BatchSummary struct {
	Number    int    `json:"number"`
	FolderID  string `json:"folder_id"`
	Size      int    `json:"size"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Event is one entry of the stream. Seq increases by one per published
// event; a snapshot repeats the Seq of the last event it summarizes.
type Event struct {
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	JobID     string        `json:"job_id"`
	Status    Status        `json:"status"`
	Folder    string        `json:"folder,omitempty"`
	Counters  Counters      `json:"counters"`
	Log       *LogEntry     `json:"log,omitempty"`
	Batch     *BatchSummary `json:"batch,omitempty"`
	Snapshot  bool          `json:"snapshot,omitempty"`
}
