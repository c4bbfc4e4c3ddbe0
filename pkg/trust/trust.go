package trust

import (
	"strings"
	"sync"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/VitalyOstanin/flowcraft/pkg/storage"
	"github.com/pkg/errors"
)

// ErrDenied is returned when a command is blocked by a deny rule or an
// explicit refusal. It is an expected control-flow outcome, not a crash.
var ErrDenied = errors.New("command denied by trust rules")

// Logger defines the logging interface for the Ledger.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ConfirmFunc asks an external party (normally the human channel) to
// authorize a command that has no matching rule. It returns the level
// the user granted.
type ConfirmFunc func(command string) (models.TrustLevel, error)

// Ledger decides whether side-effecting commands may run. ALWAYS and DENY
// rules persist through the store; SESSION grants live only in process
// memory; ONCE is the default when nothing matches and is never cached.
type Ledger struct {
	store  storage.Store
	logger Logger

	mu      sync.Mutex
	session map[string]struct{} // exact command strings allowed this session
}

func NewLedger(store storage.Store, logger Logger) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger,
		session: make(map[string]struct{}),
	}
}

// Decide returns the trust level for a command. Lookup order: persistent
// rules (exact match beats prefix wildcard, longer pattern beats shorter),
// then the session set, otherwise ONCE.
func (l *Ledger) Decide(command string) (models.TrustLevel, error) {
	rules, err := l.store.GetTrustRules()
	if err != nil {
		return "", errors.Wrap(err, "load trust rules")
	}

	var best *models.TrustRule
	bestExact := false
	for i := range rules {
		rule := rules[i]
		exact, ok := matchPattern(command, rule.Pattern)
		if !ok {
			continue
		}
		if best == nil || betterMatch(rule, exact, *best, bestExact) {
			best = &rule
			bestExact = exact
		}
	}
	if best != nil {
		return best.Level, nil
	}

	l.mu.Lock()
	_, inSession := l.session[command]
	l.mu.Unlock()
	if inSession {
		return models.SessionTrustLevel, nil
	}
	return models.OnceTrustLevel, nil
}

// Record stores an authorization decision. ALWAYS and DENY are durable;
// SESSION lives until the process exits; ONCE records nothing.
func (l *Ledger) Record(command string, level models.TrustLevel) error {
	switch level {
	case models.AlwaysTrustLevel, models.DenyTrustLevel:
		if err := l.store.SaveTrustRule(models.TrustRule{Pattern: command, Level: level}); err != nil {
			return errors.Wrapf(err, "persist trust rule for '%s'", command)
		}
		if level == models.DenyTrustLevel {
			// A denied command must not stay session-allowed.
			l.mu.Lock()
			delete(l.session, command)
			l.mu.Unlock()
		}
		l.logger.Infof("Recorded %s trust rule for '%s'", level, command)
		return nil
	case models.SessionTrustLevel:
		l.mu.Lock()
		l.session[command] = struct{}{}
		l.mu.Unlock()
		l.logger.Infof("Granted session trust for '%s'", command)
		return nil
	case models.OnceTrustLevel:
		return nil
	default:
		return errors.Errorf("invalid trust level '%s'", level)
	}
}

// IsAllowed resolves a command to a yes/no answer. DENY is refused
// outright; ALWAYS and SESSION pass; ONCE requires the confirm callback
// to grant a level, which is then recorded.
func (l *Ledger) IsAllowed(command string, confirm ConfirmFunc) (bool, error) {
	level, err := l.Decide(command)
	if err != nil {
		return false, err
	}
	switch level {
	case models.AlwaysTrustLevel, models.SessionTrustLevel:
		return true, nil
	case models.DenyTrustLevel:
		return false, nil
	}

	if confirm == nil {
		l.logger.Infof("Command '%s' requires confirmation but no confirmer is configured", command)
		return false, nil
	}
	granted, err := confirm(command)
	if err != nil {
		return false, errors.Wrapf(err, "confirm command '%s'", command)
	}
	if granted != models.OnceTrustLevel {
		if err := l.Record(command, granted); err != nil {
			return false, err
		}
	}
	return granted != models.DenyTrustLevel, nil
}

// Rules returns the persistent rules, for inspection surfaces.
func (l *Ledger) Rules() ([]models.TrustRule, error) {
	return l.store.GetTrustRules()
}

// Forget removes a persistent rule.
func (l *Ledger) Forget(pattern string) error {
	return l.store.DeleteTrustRule(pattern)
}

// matchPattern reports whether a command matches a pattern, and whether
// the match is exact. Patterns ending in "*" match by prefix.
func matchPattern(command, pattern string) (exact, ok bool) {
	if pattern == command {
		return true, true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimRight(strings.TrimSuffix(pattern, "*"), " ")
		if prefix == "" {
			return false, true
		}
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			return false, true
		}
	}
	return false, false
}

// betterMatch prefers exact matches over wildcards and longer patterns
// over shorter ones.
func betterMatch(candidate models.TrustRule, candidateExact bool, current models.TrustRule, currentExact bool) bool {
	if candidateExact != currentExact {
		return candidateExact
	}
	return len(candidate.Pattern) > len(current.Pattern)
}
