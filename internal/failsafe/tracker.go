package failsafe

import (
	"fmt"

	"ups_failsafe/internal/models"
)

// TransitionKind classifies the result of StateTracker.Observe.
type TransitionKind int

const (
	TransitionInitial TransitionKind = iota
	TransitionUnchanged
	TransitionChanged
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionInitial:
		return "initial"
	case TransitionUnchanged:
		return "unchanged"
	case TransitionChanged:
		return "changed"
	default:
		return fmt.Sprintf("TransitionKind(%d)", int(k))
	}
}

// TransitionEvent is what a single sample means relative to the previous one.
// From is only meaningful for TransitionChanged.
type TransitionEvent struct {
	Kind TransitionKind
	From models.PowerStatus
	To   models.PowerStatus
}

// Is reports whether the event is a change from -> to.
func (e TransitionEvent) Is(from, to models.PowerStatus) bool {
	return e.Kind == TransitionChanged && e.From == from && e.To == to
}

func (e TransitionEvent) String() string {
	if e.Kind == TransitionChanged {
		return fmt.Sprintf("changed(%s->%s)", e.From, e.To)
	}
	return e.Kind.String()
}

// StateTracker remembers the last observed status. Not safe for concurrent use;
// the Supervisor guards it with its own mutex.
type StateTracker struct {
	last models.PowerStatus
	seen bool
}

// Observe records sample.Status and returns the transition it represents.
// The very first sample is never a change.
func (t *StateTracker) Observe(sample models.PowerSample) TransitionEvent {
	ev := TransitionEvent{To: sample.Status}
	switch {
	case !t.seen:
		ev.Kind = TransitionInitial
	case t.last == sample.Status:
		ev.Kind = TransitionUnchanged
		ev.From = t.last
	default:
		ev.Kind = TransitionChanged
		ev.From = t.last
	}
	t.last = sample.Status
	t.seen = true
	return ev
}

// Last returns the last observed status, if any.
func (t *StateTracker) Last() (models.PowerStatus, bool) {
	return t.last, t.seen
}
