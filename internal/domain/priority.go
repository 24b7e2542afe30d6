package domain

import (
	"fmt"
	"strings"
)

// String returns the canonical "P<n>" form
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// ParsePriority accepts P0/P1/P2 (any case), the bare digits, and the
// words high/normal/low. An empty string yields P1.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "p0", "0", "high", "critical":
		return P0, nil
	case "p1", "1", "normal", "medium", "":
		return P1, nil
	case "p2", "2", "low":
		return P2, nil
	}
	return P1, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
