package aistate

import "time"

// DefaultAutomationRoundtrips is the roundtrip cap applied to AUTOMATION sessions
// when no explicit limit is configured.
const DefaultAutomationRoundtrips = 20

// DefaultAutomationInactivity is how long an AUTOMATION session may go without an
// event before a heartbeat closes it.
const DefaultAutomationInactivity = 10 * time.Minute

// Limits bounds a session's autonomous activity.
type Limits struct {
	// MaxAutonomousRoundtrips caps TotalRoundtrips; 0 means unbounded.
	MaxAutonomousRoundtrips int `json:"max_autonomous_roundtrips" mapstructure:"max_autonomous_roundtrips"`
	// InactivityTimeout closes an idle AUTOMATION session on heartbeat; 0 disables it.
	InactivityTimeout time.Duration `json:"inactivity_timeout" mapstructure:"inactivity_timeout"`
}

// DefaultLimits returns the limits for a session type.
func DefaultLimits(t SessionType) Limits {
	if t == SessionTypeAutomation {
		return Limits{
			MaxAutonomousRoundtrips: DefaultAutomationRoundtrips,
			InactivityTimeout:       DefaultAutomationInactivity,
		}
	}
	return Limits{}
}

// Bounded reports whether a roundtrip cap applies.
func (l Limits) Bounded() bool {
	return l.MaxAutonomousRoundtrips > 0
}

// Reached reports whether the given roundtrip count hits the cap.
func (l Limits) Reached(roundtrips int) bool {
	return l.Bounded() && roundtrips >= l.MaxAutonomousRoundtrips
}
