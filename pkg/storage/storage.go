package storage

import (
	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a checkpoint or trust rule does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for FlowCraft: durable
// checkpoints keyed by (run_id, name) and persistent trust rules.
// Resource bindings are process-lifetime only and are never persisted.
type Store interface {
	// Checkpoint operations
	SaveCheckpoint(cp models.Checkpoint) error
	GetCheckpoint(runID, name string) (models.Checkpoint, error)
	ListCheckpoints(runID string) ([]models.Checkpoint, error)
	DeleteCheckpoint(runID, name string) error
	ListRuns() ([]string, error)

	// Trust rule operations
	SaveTrustRule(rule models.TrustRule) error
	GetTrustRules() ([]models.TrustRule, error)
	DeleteTrustRule(pattern string) error

	Close() error
}
