package trust_test

import (
	"testing"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/VitalyOstanin/flowcraft/pkg/storage"
	"github.com/VitalyOstanin/flowcraft/pkg/trust"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func TestLedgerDecide(t *testing.T) {
	newLedger := func() (*trust.Ledger, storage.Store) {
		store := storage.NewMockStore()
		return trust.NewLedger(store, logger{}), store
	}

	t.Run("DefaultsToOnce", func(t *testing.T) {
		l, _ := newLedger()
		level, err := l.Decide("rm -rf /tmp/scratch")
		assert.NoError(t, err)
		assert.Equal(t, models.OnceTrustLevel, level)
	})

	t.Run("ExactRuleWins", func(t *testing.T) {
		l, _ := newLedger()
		assert.NoError(t, l.Record("npm test", models.AlwaysTrustLevel))
		level, err := l.Decide("npm test")
		assert.NoError(t, err)
		assert.Equal(t, models.AlwaysTrustLevel, level)
	})

	t.Run("WildcardMatchesPrefix", func(t *testing.T) {
		l, _ := newLedger()
		assert.NoError(t, l.Record("npm *", models.AlwaysTrustLevel))

		level, err := l.Decide("npm install")
		assert.NoError(t, err)
		assert.Equal(t, models.AlwaysTrustLevel, level)

		// An unrelated command still defaults.
		level, err = l.Decide("pip install")
		assert.NoError(t, err)
		assert.Equal(t, models.OnceTrustLevel, level)
	})

	t.Run("ExactBeatsWildcard", func(t *testing.T) {
		l, _ := newLedger()
		assert.NoError(t, l.Record("git *", models.AlwaysTrustLevel))
		assert.NoError(t, l.Record("git push --force", models.DenyTrustLevel))

		level, err := l.Decide("git push --force")
		assert.NoError(t, err)
		assert.Equal(t, models.DenyTrustLevel, level)

		level, err = l.Decide("git status")
		assert.NoError(t, err)
		assert.Equal(t, models.AlwaysTrustLevel, level)
	})

	t.Run("LongerWildcardBeatsShorter", func(t *testing.T) {
		l, _ := newLedger()
		assert.NoError(t, l.Record("docker *", models.AlwaysTrustLevel))
		assert.NoError(t, l.Record("docker system *", models.DenyTrustLevel))

		level, err := l.Decide("docker system prune")
		assert.NoError(t, err)
		assert.Equal(t, models.DenyTrustLevel, level)
	})

	t.Run("PersistentRuleBeatsSessionGrant", func(t *testing.T) {
		l, _ := newLedger()
		assert.NoError(t, l.Record("make deploy", models.SessionTrustLevel))
		assert.NoError(t, l.Record("make deploy", models.DenyTrustLevel))

		level, err := l.Decide("make deploy")
		assert.NoError(t, err)
		assert.Equal(t, models.DenyTrustLevel, level)
	})
}

func TestLedgerRecord(t *testing.T) {
	t.Run("AlwaysSurvivesRestart", func(t *testing.T) {
		store := storage.NewMockStore()
		l1 := trust.NewLedger(store, logger{})
		assert.NoError(t, l1.Record("npm test", models.AlwaysTrustLevel))

		// A new ledger over the same store sees the rule.
		l2 := trust.NewLedger(store, logger{})
		level, err := l2.Decide("npm test")
		assert.NoError(t, err)
		assert.Equal(t, models.AlwaysTrustLevel, level)
	})

	t.Run("SessionIsVolatile", func(t *testing.T) {
		store := storage.NewMockStore()
		l1 := trust.NewLedger(store, logger{})
		assert.NoError(t, l1.Record("make build", models.SessionTrustLevel))

		level, err := l1.Decide("make build")
		assert.NoError(t, err)
		assert.Equal(t, models.SessionTrustLevel, level)

		l2 := trust.NewLedger(store, logger{})
		level, err = l2.Decide("make build")
		assert.NoError(t, err)
		assert.Equal(t, models.OnceTrustLevel, level)
	})

	t.Run("OnceRecordsNothing", func(t *testing.T) {
		store := storage.NewMockStore()
		l := trust.NewLedger(store, logger{})
		assert.NoError(t, l.Record("ls", models.OnceTrustLevel))

		rules, err := l.Rules()
		assert.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("DenyPurgesSessionGrant", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})
		assert.NoError(t, l.Record("curl example.com", models.SessionTrustLevel))
		assert.NoError(t, l.Record("curl example.com", models.DenyTrustLevel))
		assert.NoError(t, l.Forget("curl example.com"))

		// With the persistent rule gone and the session grant purged, the
		// command is back to asking.
		level, err := l.Decide("curl example.com")
		assert.NoError(t, err)
		assert.Equal(t, models.OnceTrustLevel, level)
	})

	t.Run("InvalidLevelRejected", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})
		assert.Error(t, l.Record("ls", models.TrustLevel("sometimes")))
	})
}

func TestLedgerIsAllowed(t *testing.T) {
	t.Run("AlwaysAndSessionPass", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})
		assert.NoError(t, l.Record("npm test", models.AlwaysTrustLevel))
		assert.NoError(t, l.Record("make build", models.SessionTrustLevel))

		allowed, err := l.IsAllowed("npm test", nil)
		assert.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = l.IsAllowed("make build", nil)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("DenyRefusesWithoutAsking", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})
		assert.NoError(t, l.Record("rm *", models.DenyTrustLevel))

		asked := false
		allowed, err := l.IsAllowed("rm -rf build", func(string) (models.TrustLevel, error) {
			asked = true
			return models.AlwaysTrustLevel, nil
		})
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.False(t, asked)
	})

	t.Run("ConfirmGrantRecorded", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})

		asks := 0
		confirm := func(string) (models.TrustLevel, error) {
			asks++
			return models.SessionTrustLevel, nil
		}

		allowed, err := l.IsAllowed("make build", confirm)
		assert.NoError(t, err)
		assert.True(t, allowed)

		// The session grant means the second call never asks.
		allowed, err = l.IsAllowed("make build", confirm)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 1, asks)
	})

	t.Run("OnceGrantAsksEveryTime", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})

		asks := 0
		confirm := func(string) (models.TrustLevel, error) {
			asks++
			return models.OnceTrustLevel, nil
		}

		for i := 0; i < 2; i++ {
			allowed, err := l.IsAllowed("ls", confirm)
			assert.NoError(t, err)
			assert.True(t, allowed)
		}
		assert.Equal(t, 2, asks)
	})

	t.Run("NoConfirmerRefuses", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})
		allowed, err := l.IsAllowed("ls", nil)
		assert.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("ConfirmErrorSurfaces", func(t *testing.T) {
		l := trust.NewLedger(storage.NewMockStore(), logger{})
		_, err := l.IsAllowed("ls", func(string) (models.TrustLevel, error) {
			return "", errors.New("channel closed")
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "channel closed")
	})
}
