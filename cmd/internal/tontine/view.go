package tontine

// RoundView is a round together with its contributions.
type RoundView struct {
	Round
	Contributions []Contribution
}

// GroupView is the read model returned by every engine operation.
type GroupView struct {
	Group        Group
	Members      []Member
	Rounds       []RoundView
	CurrentRound *RoundView
}

// NewGroupView builds the view of a loaded aggregate. Members who left are not listed.
func NewGroupView(a Aggregate) GroupView {
	v := GroupView{
		Group:   a.Group,
		Members: a.ActiveMembers(),
		Rounds:  make([]RoundView, 0, len(a.Rounds)),
	}
	byRound := make(map[string][]Contribution, len(a.Rounds))
	for _, c := range a.Contributions {
		byRound[c.RoundID] = append(byRound[c.RoundID], c)
	}
	for _, r := range a.Rounds {
		v.Rounds = append(v.Rounds, RoundView{Round: r, Contributions: byRound[r.ID]})
	}
	if n := len(v.Rounds); n > 0 {
		v.CurrentRound = &v.Rounds[n-1]
	}
	return v
}

// Member returns the active member with the given id.
func (v GroupView) Member(memberID string) (Member, bool) {
	for _, m := range v.Members {
		if m.ID == memberID {
			return m, true
		}
	}
	return Member{}, false
}
