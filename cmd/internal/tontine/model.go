package tontine

import (
	"slices"
	"time"
)

// GroupStatus is the lifecycle state of a group.
type GroupStatus string

const (
	StatusDraft     GroupStatus = "DRAFT"
	StatusActive    GroupStatus = "ACTIVE"
	StatusCompleted GroupStatus = "COMPLETED"
	StatusCancelled GroupStatus = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s GroupStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Frequency is the contribution cadence of a group.
type Frequency string

const (
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
	FrequencyCustom   Frequency = "CUSTOM"
)

func (f Frequency) valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyCustom:
		return true
	}
	return false
}

// MemberStatus marks whether a member still participates.
type MemberStatus string

const (
	MemberActive MemberStatus = "ACTIVE"
	MemberLeft   MemberStatus = "LEFT"
)

// ContributionStatus is the payment state of one member's share of one round.
type ContributionStatus string

const (
	ContributionPending ContributionStatus = "PENDING"
	ContributionPaid    ContributionStatus = "PAID"
	ContributionLate    ContributionStatus = "LATE"
	ContributionMissed  ContributionStatus = "MISSED"
)

// Group is the aggregate root. Amount is the per-member contribution in minor units.
type Group struct {
	ID           string
	Name         string
	Description  *string
	Amount       int64
	Currency     string
	Frequency    Frequency
	IntervalDays *int
	MaxMembers   int
	InviteCode   string
	Status       GroupStatus
	CreatorID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartDate    *time.Time
	Version      int64
}

// Member is a user's participation in one group.
// TurnOrder is 1-based among active members and 0 once the member has left.
type Member struct {
	ID          string
	GroupID     string
	UserID      string
	TurnOrder   int
	Status      MemberStatus
	HasReceived bool
	JoinedAt    time.Time
	ReceivedAt  *time.Time
	LeftAt      *time.Time
}

// Round is one payout cycle. Amount is the pot: per-member amount times active members at creation.
type Round struct {
	ID              string
	GroupID         string
	Number          int
	DueDate         time.Time
	Amount          int64
	CollectedAmount int64
	RecipientID     string
	IsPaid          bool
	PaidAt          *time.Time
	CreatedAt       time.Time
}

// Contribution is one member's payment obligation for one round.
type Contribution struct {
	ID       string
	RoundID  string
	MemberID string
	Amount   int64
	Status   ContributionStatus
	PaidAt   *time.Time
}

// Aggregate is everything that belongs to one group. It is the unit of loading, locking and persisting.
type Aggregate struct {
	Group         Group
	Members       []Member
	Rounds        []Round
	Contributions []Contribution
}

// Clone returns a deep copy so that a failed mutation never leaks into stored state.
func (a Aggregate) Clone() Aggregate {
	out := Aggregate{
		Group:         a.Group,
		Members:       slices.Clone(a.Members),
		Rounds:        slices.Clone(a.Rounds),
		Contributions: slices.Clone(a.Contributions),
	}
	out.Group.Description = clonePtr(a.Group.Description)
	out.Group.IntervalDays = clonePtr(a.Group.IntervalDays)
	out.Group.StartDate = clonePtr(a.Group.StartDate)
	for i := range out.Members {
		out.Members[i].ReceivedAt = clonePtr(out.Members[i].ReceivedAt)
		out.Members[i].LeftAt = clonePtr(out.Members[i].LeftAt)
	}
	for i := range out.Rounds {
		out.Rounds[i].PaidAt = clonePtr(out.Rounds[i].PaidAt)
	}
	for i := range out.Contributions {
		out.Contributions[i].PaidAt = clonePtr(out.Contributions[i].PaidAt)
	}
	return out
}

// ActiveMembers returns active members ordered by turn.
func (a *Aggregate) ActiveMembers() []Member {
	out := make([]Member, 0, len(a.Members))
	for _, m := range a.Members {
		if m.Status == MemberActive {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(x, y Member) int { return x.TurnOrder - y.TurnOrder })
	return out
}

func (a *Aggregate) activeCount() int {
	n := 0
	for _, m := range a.Members {
		if m.Status == MemberActive {
			n++
		}
	}
	return n
}

func (a *Aggregate) memberByUser(userID string) (int, bool) {
	for i, m := range a.Members {
		if m.UserID == userID {
			return i, true
		}
	}
	return -1, false
}

func (a *Aggregate) memberByID(memberID string) (int, bool) {
	for i, m := range a.Members {
		if m.ID == memberID {
			return i, true
		}
	}
	return -1, false
}

// IsActiveMember reports whether userID currently participates in the group.
func (a *Aggregate) IsActiveMember(userID string) bool {
	i, ok := a.memberByUser(userID)
	return ok && a.Members[i].Status == MemberActive
}

func (a *Aggregate) roundByID(roundID string) (int, bool) {
	for i, r := range a.Rounds {
		if r.ID == roundID {
			return i, true
		}
	}
	return -1, false
}

// CurrentRound returns the latest round, if any round has been created.
func (a *Aggregate) CurrentRound() (Round, bool) {
	if len(a.Rounds) == 0 {
		return Round{}, false
	}
	return a.Rounds[len(a.Rounds)-1], true
}

// RoundContributions returns the contributions of one round.
func (a *Aggregate) RoundContributions(roundID string) []Contribution {
	var out []Contribution
	for _, c := range a.Contributions {
		if c.RoundID == roundID {
			out = append(out, c)
		}
	}
	return out
}

func (a *Aggregate) touch(now time.Time) {
	a.Group.UpdatedAt = now
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
