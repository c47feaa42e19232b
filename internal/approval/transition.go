package approval

import "time"

// Outcome is the result of attempting a state transition.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNotFound
	OutcomeNotPending
	OutcomeInvalidTarget
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeNotPending:
		return "already_decided"
	case OutcomeInvalidTarget:
		return "invalid_target"
	default:
		return "unknown"
	}
}

// Err maps an outcome to the error reported to callers. Applied maps to nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeApplied:
		return nil
	case OutcomeNotFound:
		return ErrNotFound
	case OutcomeNotPending:
		return ErrAlreadyDecided
	default:
		return ErrInvalidTransition
	}
}

// Transition attempts to move cur to target. It never panics and never
// modifies cur; on OutcomeApplied the returned Request carries the decision.
//
// The only legal transitions are pending -> approved and pending -> rejected.
func Transition(cur Request, target Status, approver, comment string, at time.Time) (Request, Outcome) {
	switch target {
	case StatusApproved, StatusRejected:
	default:
		return cur, OutcomeInvalidTarget
	}

	switch cur.Status {
	case StatusPending:
	case StatusApproved, StatusRejected:
		return cur, OutcomeNotPending
	default:
		// A record with a corrupted status is never decidable.
		return cur, OutcomeNotPending
	}

	next := cur
	decidedAt := at.UTC()
	next.Status = target
	next.DecidedAt = &decidedAt
	next.Approver = approver
	next.Comment = comment
	return next, OutcomeApplied
}
