package models

import "time"

// AutoCheckpoint is the reserved name for the rolling checkpoint the
// engine writes after every node transition. The latest auto checkpoint
// supersedes the previous one for a run; named checkpoints are retained
// until explicitly deleted.
const AutoCheckpoint = "auto"

// Checkpoint is a durable, immutable snapshot of a RunState.
type Checkpoint struct {
	RunID     string    `json:"run_id" db:"run_id"`
	Name      string    `json:"name" db:"name"`
	State     RunState  `json:"state"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
