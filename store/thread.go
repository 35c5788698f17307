package store

// Thread status values recorded by the ledger at the end of a turn.
const (
	ThreadStatusCompleted = "completed"
	ThreadStatusFailed    = "failed"
	ThreadStatusSuspended = "suspended"
	ThreadStatusCancelled = "cancelled"
)

// Thread is the ledger row for one conversation.
type Thread struct {
	ThreadID         string
	UserID           string // empty for anonymous threads
	AgentID          string // empty for ad hoc threads
	LastCheckpointID string
	LastMessage      string // JSON encoded Message, empty until the first checkpoint
	LastStatus       string
	CreatedTs        int64 // unix milliseconds
	UpdatedTs        int64 // unix milliseconds
}

// FindThread filters for ListThreads. A non-nil empty UserID matches anonymous threads.
type FindThread struct {
	ThreadID *string
	UserID   *string
	AgentID  *string
	Limit    int
	Offset   int
}

// UpdateThread carries fields accepted by UpdateThread.
type UpdateThread struct {
	ThreadID         string
	LastCheckpointID *string
	LastMessage      *string
	LastStatus       *string
	UpdatedTs        int64
}
