package tontine

import (
	"context"
	"time"
)

// Store persists group aggregates.
//
// Mutate is the only write path for an existing group: it loads the aggregate, runs fn against it and persists
// the result atomically, serialized against every other Mutate/Delete of the same group. If fn returns an error
// nothing is written. Implementations may return a ConflictError when a concurrent writer won; callers retry.
type Store interface {
	// Create inserts a new group with its initial members. A taken invite code yields
	// ConflictError{Field: "invite_code"}.
	Create(ctx context.Context, agg Aggregate) error
	Load(ctx context.Context, groupID string) (Aggregate, error)
	Mutate(ctx context.Context, groupID string, fn func(*Aggregate) error) (Aggregate, error)
	// Delete removes the group and everything it owns after guard accepts the current aggregate.
	Delete(ctx context.Context, groupID string, guard func(Aggregate) error) (Aggregate, error)

	GroupIDByInviteCode(ctx context.Context, code string) (string, error)
	// ListGroupsForUser returns groups where userID is an active member, newest first.
	ListGroupsForUser(ctx context.Context, userID string) ([]Group, error)
	// ListOverdueGroups returns ACTIVE groups whose open round is past due with pending contributions.
	ListOverdueGroups(ctx context.Context, now time.Time) ([]string, error)

	Close() error
}

// changeSet is the row-level difference between two versions of one aggregate.
type changeSet struct {
	group               bool
	insertMembers       []Member
	updateMembers       []Member
	reorderedMembers    []Member
	insertRounds        []Round
	updateRounds        []Round
	insertContributions []Contribution
	updateContributions []Contribution
}

func (c changeSet) empty() bool {
	return !c.group &&
		len(c.insertMembers) == 0 && len(c.updateMembers) == 0 &&
		len(c.insertRounds) == 0 && len(c.updateRounds) == 0 &&
		len(c.insertContributions) == 0 && len(c.updateContributions) == 0
}

// diffAggregates computes what the SQL stores must write. Rows are never deleted by a mutation.
// reorderedMembers lists updated members whose turn order changed; stores clear their turn order
// before writing the new values so the (group, turn) uniqueness holds after every statement.
func diffAggregates(before, after Aggregate) changeSet {
	var cs changeSet
	cs.group = !groupEqual(before.Group, after.Group)

	oldMembers := make(map[string]Member, len(before.Members))
	for _, m := range before.Members {
		oldMembers[m.ID] = m
	}
	for _, m := range after.Members {
		old, ok := oldMembers[m.ID]
		switch {
		case !ok:
			cs.insertMembers = append(cs.insertMembers, m)
		case !memberEqual(old, m):
			cs.updateMembers = append(cs.updateMembers, m)
			if old.TurnOrder != m.TurnOrder {
				cs.reorderedMembers = append(cs.reorderedMembers, m)
			}
		}
	}

	oldRounds := make(map[string]Round, len(before.Rounds))
	for _, r := range before.Rounds {
		oldRounds[r.ID] = r
	}
	for _, r := range after.Rounds {
		old, ok := oldRounds[r.ID]
		switch {
		case !ok:
			cs.insertRounds = append(cs.insertRounds, r)
		case !roundEqual(old, r):
			cs.updateRounds = append(cs.updateRounds, r)
		}
	}

	oldContribs := make(map[string]Contribution, len(before.Contributions))
	for _, c := range before.Contributions {
		oldContribs[c.ID] = c
	}
	for _, c := range after.Contributions {
		old, ok := oldContribs[c.ID]
		switch {
		case !ok:
			cs.insertContributions = append(cs.insertContributions, c)
		case !contributionEqual(old, c):
			cs.updateContributions = append(cs.updateContributions, c)
		}
	}
	return cs
}

func groupEqual(a, b Group) bool {
	return a.ID == b.ID && a.Name == b.Name && ptrEqual(a.Description, b.Description) &&
		a.Amount == b.Amount && a.Currency == b.Currency && a.Frequency == b.Frequency &&
		ptrEqual(a.IntervalDays, b.IntervalDays) && a.MaxMembers == b.MaxMembers &&
		a.InviteCode == b.InviteCode && a.Status == b.Status && a.CreatorID == b.CreatorID &&
		a.CreatedAt.Equal(b.CreatedAt) && a.UpdatedAt.Equal(b.UpdatedAt) &&
		timePtrEqual(a.StartDate, b.StartDate) && a.Version == b.Version
}

func memberEqual(a, b Member) bool {
	return a.ID == b.ID && a.GroupID == b.GroupID && a.UserID == b.UserID &&
		a.TurnOrder == b.TurnOrder && a.Status == b.Status && a.HasReceived == b.HasReceived &&
		a.JoinedAt.Equal(b.JoinedAt) && timePtrEqual(a.ReceivedAt, b.ReceivedAt) &&
		timePtrEqual(a.LeftAt, b.LeftAt)
}

func roundEqual(a, b Round) bool {
	return a.ID == b.ID && a.GroupID == b.GroupID && a.Number == b.Number &&
		a.DueDate.Equal(b.DueDate) && a.Amount == b.Amount && a.CollectedAmount == b.CollectedAmount &&
		a.RecipientID == b.RecipientID && a.IsPaid == b.IsPaid && timePtrEqual(a.PaidAt, b.PaidAt) &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func contributionEqual(a, b Contribution) bool {
	return a.ID == b.ID && a.RoundID == b.RoundID && a.MemberID == b.MemberID &&
		a.Amount == b.Amount && a.Status == b.Status && timePtrEqual(a.PaidAt, b.PaidAt)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
