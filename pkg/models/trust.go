package models

// TrustLevel is the authorization granted to a command pattern.
type TrustLevel string

const (
	DenyTrustLevel    TrustLevel = "deny"    // Never execute; persisted
	OnceTrustLevel    TrustLevel = "once"    // Ask every time; never cached
	SessionTrustLevel TrustLevel = "session" // Allowed for this process lifetime
	AlwaysTrustLevel  TrustLevel = "always"  // Persisted across restarts
)

// ValidTrustLevel reports whether the string names a known level.
func ValidTrustLevel(l TrustLevel) bool {
	switch l {
	case DenyTrustLevel, OnceTrustLevel, SessionTrustLevel, AlwaysTrustLevel:
		return true
	}
	return false
}

// TrustRule maps a command pattern to a decision level. Patterns are either
// literal commands or prefix wildcards of the form "prefix *".
type TrustRule struct {
	Pattern string     `json:"pattern" db:"pattern"`
	Level   TrustLevel `json:"level" db:"level"`
}
