package tontine

import (
	"time"
)

// MarkPaid records a contribution as paid and recomputes the round's collected amount.
// Marking an already-paid contribution is a no-op.
func (a *Aggregate) MarkPaid(contributionID, actorID string, now time.Time) (Contribution, Round, error) {
	const op = "tontine.MarkContributionPaid"

	if actorID != a.Group.CreatorID {
		return Contribution{}, Round{}, forbidden(op, "only the creator can record payments")
	}
	ci := -1
	for i, c := range a.Contributions {
		if c.ID == contributionID {
			ci = i
			break
		}
	}
	if ci < 0 {
		return Contribution{}, Round{}, notFound(op, "contribution")
	}
	ri, ok := a.roundByID(a.Contributions[ci].RoundID)
	if !ok {
		return Contribution{}, Round{}, notFound(op, "round")
	}

	c := &a.Contributions[ci]
	switch c.Status {
	case ContributionPaid:
		a.recomputeCollected(ri)
		return *c, a.Rounds[ri], nil
	case ContributionMissed:
		return Contribution{}, Round{}, stateErr(op, ErrInvalidOperation, "round is closed; contribution was missed")
	}
	if a.Group.Status != StatusActive {
		return Contribution{}, Round{}, stateErr(op, ErrInvalidOperation, "group is "+string(a.Group.Status))
	}

	c.Status = ContributionPaid
	c.PaidAt = timePtr(now)
	a.recomputeCollected(ri)
	a.touch(now)
	return *c, a.Rounds[ri], nil
}

func (a *Aggregate) contributionStatus(contributionID string) ContributionStatus {
	for _, c := range a.Contributions {
		if c.ID == contributionID {
			return c.Status
		}
	}
	return ""
}

// recomputeCollected sets collectedAmount to the sum of PAID contributions of the round.
func (a *Aggregate) recomputeCollected(ri int) {
	var sum int64
	for _, c := range a.Contributions {
		if c.RoundID == a.Rounds[ri].ID && c.Status == ContributionPaid {
			sum += c.Amount
		}
	}
	a.Rounds[ri].CollectedAmount = sum
}

// MarkRecipientReceived closes a round: its recipient is flagged as having received and the round as paid out.
// Outstanding contributions block closing unless acceptShortfall is set, in which case they become MISSED.
func (a *Aggregate) MarkRecipientReceived(roundID, actorID string, acceptShortfall bool, now time.Time) (Round, error) {
	const op = "tontine.ConfirmPayout"

	if actorID != a.Group.CreatorID {
		return Round{}, forbidden(op, "only the creator can confirm payouts")
	}
	ri, ok := a.roundByID(roundID)
	if !ok {
		return Round{}, notFound(op, "round")
	}
	if a.Rounds[ri].IsPaid {
		return a.Rounds[ri], nil
	}
	if a.Group.Status != StatusActive {
		return Round{}, stateErr(op, ErrInvalidOperation, "group is "+string(a.Group.Status))
	}

	outstanding := 0
	for _, c := range a.Contributions {
		if c.RoundID == roundID && c.Status != ContributionPaid {
			outstanding++
		}
	}
	if outstanding > 0 && !acceptShortfall {
		return Round{}, stateErr(op, ErrRoundNotCollected, "")
	}
	for i := range a.Contributions {
		c := &a.Contributions[i]
		if c.RoundID == roundID && c.Status != ContributionPaid {
			c.Status = ContributionMissed
		}
	}

	mi, ok := a.memberByID(a.Rounds[ri].RecipientID)
	if !ok {
		return Round{}, notFound(op, "recipient")
	}
	a.Members[mi].HasReceived = true
	a.Members[mi].ReceivedAt = timePtr(now)

	a.recomputeCollected(ri)
	a.Rounds[ri].IsPaid = true
	a.Rounds[ri].PaidAt = timePtr(now)
	a.touch(now)
	return a.Rounds[ri], nil
}

// MarkLate flags PENDING contributions of the open round as LATE once its due date has passed.
// It returns the number of contributions changed.
func (a *Aggregate) MarkLate(now time.Time) int {
	if a.Group.Status != StatusActive {
		return 0
	}
	r, ok := a.CurrentRound()
	if !ok || r.IsPaid || !now.After(r.DueDate) {
		return 0
	}
	n := 0
	for i := range a.Contributions {
		c := &a.Contributions[i]
		if c.RoundID == r.ID && c.Status == ContributionPending {
			c.Status = ContributionLate
			n++
		}
	}
	if n > 0 {
		a.touch(now)
	}
	return n
}
