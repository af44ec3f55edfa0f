package link

import (
	"fmt"
	"strings"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Degraded:     "degraded",
	Reconnecting: "reconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	want := strings.ToLower(strings.TrimSpace(string(text)))
	for st, name := range stateNames {
		if name == want {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", string(text))
}

// Any state may fall back to Disconnected on an explicit disconnect or
// shutdown.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Degraded, Reconnecting, Disconnected},
	Degraded:     {Connected, Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition describes one state change, in the order the supervisor made
// them.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}
