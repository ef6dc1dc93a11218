package safety

import (
	"fmt"

	"github.com/drfirst/go-medsafe/internal/domain"
)

// Severity is an interaction risk tier. Tiers are totally ordered:
// Minor < Moderate < Major < Contraindicated. The zero value is not a tier.
type Severity int

const (
	SeverityMinor Severity = iota + 1
	SeverityModerate
	SeverityMajor
	SeverityContraindicated
)

var severityNames = map[Severity]string{
	SeverityMinor:           "minor",
	SeverityModerate:        "moderate",
	SeverityMajor:           "major",
	SeverityContraindicated: "contraindicated",
}

// ParseSeverity maps a tier token onto a Severity. Tokens are matched
// exactly.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("severity %q: %w", s, domain.ErrInvalidSeverity)
}

// Valid reports whether s is one of the four tiers.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// DocumentationRequired reports whether a warning of this tier must be
// acknowledged before proceeding.
func (s Severity) DocumentationRequired() bool {
	return s >= SeverityMajor
}

// MarshalText encodes the tier token.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal %s: %w", s, domain.ErrInvalidSeverity)
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a tier token.
func (s *Severity) UnmarshalText(text []byte) error {
	sev, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}
