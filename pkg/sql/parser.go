package sql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrIdentifier is returned for names that cannot be interpolated into SQL text.
var ErrIdentifier = errors.New("invalid identifier")

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Name is a possibly schema-qualified identifier such as dbo.tb_Urun.
type Name []string

// ParseName validates s as an identifier with at most one schema qualifier.
// Only letters, digits and underscore are accepted in each part.
func ParseName(s string) (Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty name", ErrIdentifier)
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q has too many qualifiers", ErrIdentifier, s)
	}
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return nil, fmt.Errorf("%w: %q", ErrIdentifier, s)
		}
	}
	return Name(parts), nil
}

// ValidIdent reports an error unless s is a single unqualified identifier.
func ValidIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrIdentifier, s)
	}
	return nil
}

// Base returns the unqualified part of the name.
func (n Name) Base() string {
	if len(n) == 0 {
		return ""
	}
	return n[len(n)-1]
}

func (n Name) String() string {
	return strings.Join(n, ".")
}
