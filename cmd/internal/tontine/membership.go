package tontine

import (
	"slices"
	"time"
)

// Enroll adds userID to a DRAFT group at the tail of the turn order.
// A user who previously left is reactivated rather than duplicated.
func (a *Aggregate) Enroll(userID string, now time.Time, newID IDSource) (Member, error) {
	const op = "tontine.JoinGroup"

	if a.Group.Status != StatusDraft {
		return Member{}, stateErr(op, ErrGroupNotJoinable, "group is "+string(a.Group.Status))
	}
	idx, exists := a.memberByUser(userID)
	if exists && a.Members[idx].Status == MemberActive {
		return Member{}, stateErr(op, ErrAlreadyMember, "")
	}
	active := a.activeCount()
	if active >= a.Group.MaxMembers {
		return Member{}, stateErr(op, ErrGroupFull, "")
	}

	if exists {
		m := &a.Members[idx]
		m.Status = MemberActive
		m.TurnOrder = active + 1
		m.JoinedAt = now
		m.LeftAt = nil
		a.touch(now)
		return *m, nil
	}

	id, err := newID()
	if err != nil {
		return Member{}, idErr(op, err)
	}
	m := Member{
		ID:        id,
		GroupID:   a.Group.ID,
		UserID:    userID,
		TurnOrder: active + 1,
		Status:    MemberActive,
		JoinedAt:  now,
	}
	a.Members = append(a.Members, m)
	a.touch(now)
	return m, nil
}

// Leave removes userID from a DRAFT group and closes the gap in the turn order.
func (a *Aggregate) Leave(userID string, now time.Time) (Member, error) {
	const op = "tontine.LeaveGroup"

	idx, ok := a.memberByUser(userID)
	if !ok || a.Members[idx].Status != MemberActive {
		return Member{}, notFound(op, "member")
	}
	if a.Group.Status != StatusDraft {
		return Member{}, stateErr(op, ErrInvalidOperation, "members can only leave a DRAFT group")
	}
	if userID == a.Group.CreatorID {
		return Member{}, stateErr(op, ErrInvalidOperation, "the creator cannot leave; cancel or delete the group")
	}

	m := &a.Members[idx]
	m.Status = MemberLeft
	m.TurnOrder = 0
	m.LeftAt = timePtr(now)
	left := *m
	a.compact()
	a.touch(now)
	return left, nil
}

// compact renumbers active members 1..N keeping their relative order.
func (a *Aggregate) compact() {
	order := a.ActiveMembers()
	for i, m := range order {
		idx, _ := a.memberByID(m.ID)
		a.Members[idx].TurnOrder = i + 1
	}
}

// Reorder assigns turn orders from the position of each member id in memberIDs.
// Members who already received a payout, and the recipient of an open round, keep their position.
func (a *Aggregate) Reorder(requesterID string, memberIDs []string, now time.Time) error {
	const op = "tontine.ReorderMembers"

	if requesterID != a.Group.CreatorID {
		return forbidden(op, "only the creator can reorder members")
	}
	if a.Group.Status.Terminal() {
		return stateErr(op, ErrInvalidOperation, "group is "+string(a.Group.Status))
	}

	active := a.ActiveMembers()
	if len(memberIDs) != len(active) {
		return invalid(op, "ordering must list every active member exactly once")
	}
	position := make(map[string]int, len(memberIDs))
	for i, id := range memberIDs {
		if _, dup := position[id]; dup {
			return invalid(op, "duplicate member id")
		}
		position[id] = i + 1
	}
	for _, m := range active {
		if _, ok := position[m.ID]; !ok {
			return invalid(op, "ordering must list every active member exactly once")
		}
	}

	pinned := a.pinnedMembers()
	for _, m := range active {
		if pinned[m.ID] && position[m.ID] != m.TurnOrder {
			return stateErr(op, ErrInvalidOperation, "member "+m.ID+" already has a payout and cannot move")
		}
	}

	for i := range a.Members {
		if p, ok := position[a.Members[i].ID]; ok {
			a.Members[i].TurnOrder = p
		}
	}
	a.touch(now)
	return nil
}

func (a *Aggregate) pinnedMembers() map[string]bool {
	pinned := make(map[string]bool)
	for _, m := range a.Members {
		if m.HasReceived {
			pinned[m.ID] = true
		}
	}
	if r, ok := a.CurrentRound(); ok && !r.IsPaid {
		pinned[r.RecipientID] = true
	}
	return pinned
}

// turnOrderContiguous reports whether active turn orders form exactly 1..N.
func (a *Aggregate) turnOrderContiguous() bool {
	orders := make([]int, 0, len(a.Members))
	for _, m := range a.Members {
		if m.Status == MemberActive {
			orders = append(orders, m.TurnOrder)
		}
	}
	slices.Sort(orders)
	for i, o := range orders {
		if o != i+1 {
			return false
		}
	}
	return true
}
