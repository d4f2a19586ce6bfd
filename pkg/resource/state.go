package resource

import (
	"fmt"
	"strings"
)

// State is the outcome of executing a resource.
type State int

const (
	// Unknown means the state was never checked. Dry runs report it.
	Unknown State = iota

	// Unchanged means the resource was already in its desired state.
	Unchanged

	// Changed means the provider mutated the machine.
	Changed

	// Error means the provider failed.
	Error
)

// IsError reports whether the state is Error.
func (s State) IsError() bool {
	return s == Error
}

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "unknown":
		*s = Unknown
	case "unchanged":
		*s = Unchanged
	case "changed":
		*s = Changed
	case "error":
		*s = Error
	default:
		return fmt.Errorf("invalid resource state: %s", text)
	}
	return nil
}
