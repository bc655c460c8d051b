package tontine

import (
	"strconv"
	"time"
)

// Start moves a DRAFT group to ACTIVE and creates round 1.
func (a *Aggregate) Start(actorID string, now time.Time, newID IDSource) (Round, error) {
	const op = "tontine.StartGroup"

	if actorID != a.Group.CreatorID {
		return Round{}, forbidden(op, "only the creator can start the group")
	}
	if a.Group.Status != StatusDraft {
		return Round{}, stateErr(op, ErrInvalidOperation, "group is "+string(a.Group.Status))
	}
	if a.activeCount() < MinMembers {
		return Round{}, stateErr(op, ErrInvalidOperation, "at least 2 members are required to start")
	}

	prevStart := a.Group.StartDate
	a.Group.StartDate = timePtr(now)
	r, ok, err := a.createRound(now, newID)
	if err != nil || !ok {
		a.Group.StartDate = prevStart
		if err != nil {
			return Round{}, idErr(op, err)
		}
		return Round{}, stateErr(op, ErrInvalidOperation, "no eligible recipient")
	}
	a.Group.Status = StatusActive
	a.touch(now)
	return r, nil
}

// AdvanceOutcome reports what Advance did.
type AdvanceOutcome struct {
	Advanced  bool
	Completed bool
	Round     Round
}

// Advance creates the next round once the current round is paid out, or completes the group when every
// active member has received. Advancing a COMPLETED group is a no-op.
func (a *Aggregate) Advance(now time.Time, newID IDSource) (AdvanceOutcome, error) {
	const op = "tontine.Advance"

	switch a.Group.Status {
	case StatusCompleted:
		return AdvanceOutcome{Completed: true}, nil
	case StatusActive:
	default:
		return AdvanceOutcome{}, stateErr(op, ErrInvalidOperation, "group is "+string(a.Group.Status))
	}
	cur, ok := a.CurrentRound()
	if ok && !cur.IsPaid {
		return AdvanceOutcome{}, stateErr(op, ErrRoundOpen, "round "+strconv.Itoa(cur.Number))
	}

	r, ok, err := a.createRound(now, newID)
	if err != nil {
		return AdvanceOutcome{}, idErr(op, err)
	}
	if !ok {
		a.Group.Status = StatusCompleted
		a.touch(now)
		return AdvanceOutcome{Advanced: true, Completed: true}, nil
	}
	a.touch(now)
	return AdvanceOutcome{Advanced: true, Round: r}, nil
}

// Cancel stops a DRAFT or ACTIVE group. No further rounds are created.
func (a *Aggregate) Cancel(actorID string, now time.Time) error {
	const op = "tontine.CancelGroup"

	if actorID != a.Group.CreatorID {
		return forbidden(op, "only the creator can cancel the group")
	}
	if a.Group.Status.Terminal() {
		return stateErr(op, ErrInvalidOperation, "group is "+string(a.Group.Status))
	}
	a.Group.Status = StatusCancelled
	a.touch(now)
	return nil
}

// CanDelete reports whether actorID may delete the group in its current state.
func (a *Aggregate) CanDelete(actorID string) error {
	const op = "tontine.DeleteGroup"

	if actorID != a.Group.CreatorID {
		return forbidden(op, "only the creator can delete the group")
	}
	if a.Group.Status != StatusDraft {
		return stateErr(op, ErrInvalidOperation, "only DRAFT groups can be deleted")
	}
	return nil
}
