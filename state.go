package p1status

import "time"

// Phase is the lifecycle phase of a [Coordinator].
//
// The transitions are not-started to running via [Coordinator.Start] and
// running to stopped via [Coordinator.Stop]. A Stop that cancels a Start in
// progress also ends in stopped. Stopped is terminal.
type Phase uint8

const (
	// PhaseNotStarted is the phase of a new coordinator, and of one whose
	// first refresh failed.
	PhaseNotStarted Phase = iota

	// PhaseRunning means the repeating schedule is active.
	PhaseRunning

	// PhaseStopped means the schedule was cancelled. A stopped coordinator
	// cannot be restarted.
	PhaseStopped
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not-started"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State is a read-only snapshot of what a [Coordinator] knows about its
// device.
//
// Reading is only ever replaced by a newer successful fetch. A failed fetch
// sets Success to false and records Err but leaves Reading untouched, so
// hosts can keep showing stale values while flagging the device unavailable.
type State struct {
	// Name is the coordinator's display label.
	Name string

	// Reading is the last successfully fetched reading. Check HasReading to
	// distinguish "no successful fetch yet" from an empty device response.
	Reading Reading

	// HasReading reports whether any fetch has succeeded yet.
	HasReading bool

	// Success reports whether the most recent fetch succeeded.
	Success bool

	// Err is the error from the most recent fetch, nil after a success.
	Err error

	// UpdatedAt is when Reading was last replaced. Zero if HasReading is false.
	UpdatedAt time.Time

	// AttemptedAt is when the most recent fetch completed, successful or not.
	AttemptedAt time.Time

	// ConsecutiveFailures counts failed fetches since the last success.
	ConsecutiveFailures int
}

// Available reports whether the device answered the most recent fetch.
// Observers should render the device "unavailable" when this is false.
func (s State) Available() bool {
	return s.Success
}
