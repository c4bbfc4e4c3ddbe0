package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/VitalyOstanin/flowcraft/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore persists checkpoints (run state as JSONB) and trust rules.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil
}

type checkpointRow struct {
	RunID     string    `db:"run_id"`
	Name      string    `db:"name"`
	State     []byte    `db:"state"`
	CreatedAt time.Time `db:"created_at"`
}

// SaveCheckpoint upserts on (run_id, name): the auto checkpoint rolls
// forward in place while named checkpoints accumulate.
func (s *PostgresStore) SaveCheckpoint(cp models.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (run_id, name, state, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, name) DO UPDATE SET state = EXCLUDED.state, created_at = EXCLUDED.created_at`,
		cp.RunID, cp.Name, state, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", cp.RunID, cp.Name, err)
	}
	return nil
}

// GetCheckpoint retrieves one checkpoint by run ID and name.
func (s *PostgresStore) GetCheckpoint(runID, name string) (models.Checkpoint, error) {
	var row checkpointRow
	err := s.db.Get(&row, "SELECT run_id, name, state, created_at FROM checkpoints WHERE run_id = $1 AND name = $2", runID, name)
	if err == sql.ErrNoRows {
		return models.Checkpoint{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Checkpoint{}, err
	}
	return rowToCheckpoint(row)
}

// ListCheckpoints retrieves every checkpoint for a run, ordered by name.
func (s *PostgresStore) ListCheckpoints(runID string) ([]models.Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.Select(&rows, "SELECT run_id, name, state, created_at FROM checkpoints WHERE run_id = $1 ORDER BY name", runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for run %s: %w", runID, err)
	}
	cps := make([]models.Checkpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := rowToCheckpoint(row)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

func (s *PostgresStore) DeleteCheckpoint(runID, name string) error {
	res, err := s.db.Exec("DELETE FROM checkpoints WHERE run_id = $1 AND name = $2", runID, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRuns returns every run ID that has at least one checkpoint.
func (s *PostgresStore) ListRuns() ([]string, error) {
	runs := []string{}
	err := s.db.Select(&runs, "SELECT DISTINCT run_id FROM checkpoints ORDER BY run_id")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// SaveTrustRule upserts on pattern: re-recording a command replaces its
// previous level.
func (s *PostgresStore) SaveTrustRule(rule models.TrustRule) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_rules (pattern, level) VALUES ($1, $2)
		ON CONFLICT (pattern) DO UPDATE SET level = EXCLUDED.level`,
		rule.Pattern, rule.Level)
	if err != nil {
		return fmt.Errorf("save trust rule '%s': %w", rule.Pattern, err)
	}
	return nil
}

func (s *PostgresStore) GetTrustRules() ([]models.TrustRule, error) {
	rules := []models.TrustRule{}
	err := s.db.Select(&rules, "SELECT pattern, level FROM trust_rules ORDER BY pattern")
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *PostgresStore) DeleteTrustRule(pattern string) error {
	res, err := s.db.Exec("DELETE FROM trust_rules WHERE pattern = $1", pattern)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func rowToCheckpoint(row checkpointRow) (models.Checkpoint, error) {
	var state models.RunState
	if err := json.Unmarshal(row.State, &state); err != nil {
		return models.Checkpoint{}, fmt.Errorf("unmarshal checkpoint state %s/%s: %w", row.RunID, row.Name, err)
	}
	return models.Checkpoint{
		RunID:     row.RunID,
		Name:      row.Name,
		State:     models.MigrateState(state),
		CreatedAt: row.CreatedAt,
	}, nil
}
