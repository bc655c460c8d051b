package tontine

import (
	"time"
)

// ComputeDueDate returns the due date one cadence step after from.
// CUSTOM uses intervalDays when set and falls back to monthly otherwise.
func ComputeDueDate(f Frequency, intervalDays *int, from time.Time) time.Time {
	return stepDueDate(f, intervalDays, from, 1)
}

// stepDueDate advances n cadence steps from anchor. Monthly steps land on the anchor's day of month,
// clamped to the last day of shorter months, so schedules never drift.
func stepDueDate(f Frequency, intervalDays *int, anchor time.Time, n int) time.Time {
	switch f {
	case FrequencyWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case FrequencyBiweekly:
		return anchor.AddDate(0, 0, 14*n)
	case FrequencyCustom:
		if intervalDays != nil && *intervalDays > 0 {
			return anchor.AddDate(0, 0, *intervalDays*n)
		}
	}
	return addMonthsClamped(anchor, n)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// dueDateForRound is the due date of round number n (1-based) of a started group.
func (a *Aggregate) dueDateForRound(n int) time.Time {
	anchor := a.Group.CreatedAt
	if a.Group.StartDate != nil {
		anchor = *a.Group.StartDate
	}
	return stepDueDate(a.Group.Frequency, a.Group.IntervalDays, anchor, n)
}

// nextRecipient is the active member with the lowest turn order who has not yet received a payout.
func (a *Aggregate) nextRecipient() (Member, bool) {
	for _, m := range a.ActiveMembers() {
		if !m.HasReceived {
			return m, true
		}
	}
	return Member{}, false
}

// createRound appends round number n for the next recipient, with one PENDING contribution per active member.
// It reports false when every active member has already received, i.e. the group is complete.
// The aggregate is left untouched when an id cannot be minted.
func (a *Aggregate) createRound(now time.Time, newID IDSource) (Round, bool, error) {
	recipient, ok := a.nextRecipient()
	if !ok {
		return Round{}, false, nil
	}
	active := a.ActiveMembers()
	n := len(a.Rounds) + 1
	roundID, err := newID()
	if err != nil {
		return Round{}, false, err
	}
	r := Round{
		ID:          roundID,
		GroupID:     a.Group.ID,
		Number:      n,
		DueDate:     a.dueDateForRound(n),
		Amount:      a.Group.Amount * int64(len(active)),
		RecipientID: recipient.ID,
		CreatedAt:   now,
	}
	contributions := make([]Contribution, 0, len(active))
	for _, m := range active {
		id, err := newID()
		if err != nil {
			return Round{}, false, err
		}
		contributions = append(contributions, Contribution{
			ID:       id,
			RoundID:  r.ID,
			MemberID: m.ID,
			Amount:   a.Group.Amount,
			Status:   ContributionPending,
		})
	}
	a.Rounds = append(a.Rounds, r)
	a.Contributions = append(a.Contributions, contributions...)
	return r, true, nil
}
