package store

// Checkpoint payload encodings.
const (
	// CheckpointModeDelta rows hold only the messages appended after the parent.
	CheckpointModeDelta = "delta"
	// CheckpointModeFull rows hold the complete message list.
	CheckpointModeFull = "full"
)

// CheckpointRow is one persisted checkpoint as the driver sees it.
// Payload columns are JSON encoded by the caller.
type CheckpointRow struct {
	ThreadID           string
	CheckpointID       string
	ParentCheckpointID string // empty for roots
	Seq                int64  // creation order within the thread
	Mode               string
	Messages           string
	Values             string
	Metadata           string
	CreatedTs          int64 // unix milliseconds
}

// FindCheckpoint filters for ListCheckpoints. Results are ordered newest first.
type FindCheckpoint struct {
	ThreadID     string
	CheckpointID *string
	Limit        int
}
