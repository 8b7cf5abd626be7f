package builder

import "fmt"

// State is the progress of a single extension build
type State int

const (
	StateNotStarted State = iota
	StateToolResolved
	StateDirectoryReady
	StateConfigured
	StateBuilt
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateNotStarted:     "NotStarted",
	StateToolResolved:   "ToolResolved",
	StateDirectoryReady: "DirectoryReady",
	StateConfigured:     "Configured",
	StateBuilt:          "Built",
	StateDone:           "Done",
	StateFailed:         "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown build state %q", text)
}

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StateConfigured:
		// dry runs stop after configuring
		return to == StateBuilt || to == StateDone
	default:
		return to == from+1
	}
}

// Transition moves from one state to the next, failing on an out-of-order step
func Transition(from, to State) (State, error) {
	if !isAllowedTransition(from, to) {
		return from, fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	return to, nil
}
