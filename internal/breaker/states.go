package breaker

// State is the breaker's stability state.
type State string

const (
	StateNormal     State = "normal"
	StateDegraded   State = "degraded"
	StateSafeMode   State = "safe_mode"
	StateRecovering State = "recovering"
)

// validTransitions defines the legal state changes. SafeMode can only be
// left through Recovering.
var validTransitions = map[State]map[State]bool{
	StateNormal:     {StateDegraded: true, StateSafeMode: true},
	StateDegraded:   {StateNormal: true, StateSafeMode: true},
	StateSafeMode:   {StateRecovering: true},
	StateRecovering: {StateNormal: true, StateSafeMode: true},
}

// IsValidTransition checks if a state transition is legal.
func IsValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
