package storage_test

import (
	"testing"

	internal_storage "github.com/VitalyOstanin/flowcraft/internal/storage"
	"github.com/VitalyOstanin/flowcraft/internal/testutil"
	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/VitalyOstanin/flowcraft/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	newTestStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE checkpoints")
			assert.NoError(t, err)
			_, err = testDB.DB.Exec("TRUNCATE TABLE trust_rules")
			assert.NoError(t, err)
			store.Close()
		})
		return store
	}

	checkpoint := func(runID, name string) models.Checkpoint {
		state := models.NewRunState(runID, "fix_bug", "fix bug #42")
		state.Results["analyze"] = "plan ready"
		state.CurrentNode = "analyze"
		return models.Checkpoint{RunID: runID, Name: name, State: state}
	}

	t.Run("SaveAndGetCheckpoint", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveCheckpoint(checkpoint("run-1", models.AutoCheckpoint)))

		cp, err := store.GetCheckpoint("run-1", models.AutoCheckpoint)
		assert.NoError(t, err)
		assert.Equal(t, "run-1", cp.RunID)
		assert.Equal(t, "fix_bug", cp.State.Workflow)
		assert.Equal(t, "plan ready", cp.State.Results["analyze"])
		assert.Equal(t, "analyze", cp.State.CurrentNode)
		assert.Equal(t, models.StateVersion, cp.State.Version)
	})

	t.Run("AutoCheckpointSuperseded", func(t *testing.T) {
		store := newTestStore(t)
		first := checkpoint("run-1", models.AutoCheckpoint)
		assert.NoError(t, store.SaveCheckpoint(first))

		second := checkpoint("run-1", models.AutoCheckpoint)
		second.State.CurrentNode = "implement"
		assert.NoError(t, store.SaveCheckpoint(second))

		cp, err := store.GetCheckpoint("run-1", models.AutoCheckpoint)
		assert.NoError(t, err)
		assert.Equal(t, "implement", cp.State.CurrentNode)

		cps, err := store.ListCheckpoints("run-1")
		assert.NoError(t, err)
		assert.Len(t, cps, 1)
	})

	t.Run("NamedCheckpointsRetained", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveCheckpoint(checkpoint("run-1", models.AutoCheckpoint)))
		assert.NoError(t, store.SaveCheckpoint(checkpoint("run-1", "before-implement")))

		cps, err := store.ListCheckpoints("run-1")
		assert.NoError(t, err)
		assert.Len(t, cps, 2)
		assert.Equal(t, models.AutoCheckpoint, cps[0].Name)
		assert.Equal(t, "before-implement", cps[1].Name)
	})

	t.Run("GetMissingCheckpoint", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.GetCheckpoint("run-1", "ghost")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("DeleteCheckpoint", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveCheckpoint(checkpoint("run-1", "snap")))
		assert.NoError(t, store.DeleteCheckpoint("run-1", "snap"))
		assert.True(t, errors.Is(store.DeleteCheckpoint("run-1", "snap"), storage.ErrNotFound))
	})

	t.Run("ListRuns", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveCheckpoint(checkpoint("run-b", models.AutoCheckpoint)))
		assert.NoError(t, store.SaveCheckpoint(checkpoint("run-a", models.AutoCheckpoint)))
		assert.NoError(t, store.SaveCheckpoint(checkpoint("run-a", "named")))

		runs, err := store.ListRuns()
		assert.NoError(t, err)
		assert.Equal(t, []string{"run-a", "run-b"}, runs)
	})

	t.Run("TrustRules", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveTrustRule(models.TrustRule{Pattern: "npm *", Level: models.AlwaysTrustLevel}))
		assert.NoError(t, store.SaveTrustRule(models.TrustRule{Pattern: "git push --force", Level: models.DenyTrustLevel}))

		// Upsert replaces the level for an existing pattern.
		assert.NoError(t, store.SaveTrustRule(models.TrustRule{Pattern: "npm *", Level: models.DenyTrustLevel}))

		rules, err := store.GetTrustRules()
		assert.NoError(t, err)
		assert.Equal(t, []models.TrustRule{
			{Pattern: "git push --force", Level: models.DenyTrustLevel},
			{Pattern: "npm *", Level: models.DenyTrustLevel},
		}, rules)

		assert.NoError(t, store.DeleteTrustRule("npm *"))
		assert.True(t, errors.Is(store.DeleteTrustRule("npm *"), storage.ErrNotFound))
	})

	t.Run("OldStateMigratedOnLoad", func(t *testing.T) {
		store := newTestStore(t)
		_, err := testDB.DB.Exec(
			"INSERT INTO checkpoints (run_id, name, state) VALUES ($1, $2, $3)",
			"legacy", models.AutoCheckpoint,
			[]byte(`{"version":1,"run_id":"legacy","workflow":"old","finished":false}`))
		assert.NoError(t, err)

		cp, err := store.GetCheckpoint("legacy", models.AutoCheckpoint)
		assert.NoError(t, err)
		assert.Equal(t, models.StateVersion, cp.State.Version)
		assert.Equal(t, models.RunningRunStatus, cp.State.Status)
		assert.NotNil(t, cp.State.Results)
	})
}
