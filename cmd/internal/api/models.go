package api

import (
	"time"

	"tontine/cmd/internal/tontine"
)

type createGroupRequest struct {
	Name         string  `json:"name"`
	Description  *string `json:"description"`
	Amount       int64   `json:"amount"`
	Currency     string  `json:"currency"`
	Frequency    string  `json:"frequency"`
	IntervalDays *int    `json:"interval_days"`
	MaxMembers   int     `json:"max_members"`
}

type joinGroupRequest struct {
	InviteCode string `json:"invite_code"`
}

type reorderRequest struct {
	MemberIDs []string `json:"member_ids"`
}

type payoutRequest struct {
	AcceptShortfall bool `json:"accept_shortfall"`
}

type groupResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  *string    `json:"description"`
	Amount       int64      `json:"amount"`
	Currency     string     `json:"currency"`
	Frequency    string     `json:"frequency"`
	IntervalDays *int       `json:"interval_days,omitempty"`
	MaxMembers   int        `json:"max_members"`
	InviteCode   string     `json:"invite_code"`
	Status       string     `json:"status"`
	CreatorID    string     `json:"creator_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartDate    *time.Time `json:"start_date"`
}

type memberResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	TurnOrder   int        `json:"turn_order"`
	Status      string     `json:"status"`
	HasReceived bool       `json:"has_received"`
	JoinedAt    time.Time  `json:"joined_at"`
	ReceivedAt  *time.Time `json:"received_at"`
}

type contributionResponse struct {
	ID       string     `json:"id"`
	RoundID  string     `json:"round_id"`
	MemberID string     `json:"member_id"`
	Amount   int64      `json:"amount"`
	Status   string     `json:"status"`
	PaidAt   *time.Time `json:"paid_at"`
}

type roundResponse struct {
	ID              string                 `json:"id"`
	Number          int                    `json:"round_number"`
	DueDate         time.Time              `json:"due_date"`
	Amount          int64                  `json:"amount"`
	CollectedAmount int64                  `json:"collected_amount"`
	RecipientID     string                 `json:"recipient_id"`
	IsPaid          bool                   `json:"is_paid"`
	PaidAt          *time.Time             `json:"paid_at"`
	Contributions   []contributionResponse `json:"contributions,omitempty"`
}

type groupViewResponse struct {
	Group        groupResponse    `json:"group"`
	Members      []memberResponse `json:"members"`
	Rounds       []roundResponse  `json:"rounds"`
	CurrentRound *roundResponse   `json:"current_round"`
}

type groupsResponse struct {
	Groups []groupResponse `json:"groups"`
}

type joinResponse struct {
	Member memberResponse    `json:"member"`
	View   groupViewResponse `json:"view"`
}

type paymentResponse struct {
	Contribution contributionResponse `json:"contribution"`
	Round        roundResponse        `json:"round"`
	View         groupViewResponse    `json:"view"`
}

type advanceResponse struct {
	Advanced  bool              `json:"advanced"`
	Completed bool              `json:"completed"`
	NextRound *roundResponse    `json:"next_round"`
	View      groupViewResponse `json:"view"`
}

func toGroupResponse(g tontine.Group) groupResponse {
	return groupResponse{
		ID:           g.ID,
		Name:         g.Name,
		Description:  g.Description,
		Amount:       g.Amount,
		Currency:     g.Currency,
		Frequency:    string(g.Frequency),
		IntervalDays: g.IntervalDays,
		MaxMembers:   g.MaxMembers,
		InviteCode:   g.InviteCode,
		Status:       string(g.Status),
		CreatorID:    g.CreatorID,
		CreatedAt:    g.CreatedAt,
		UpdatedAt:    g.UpdatedAt,
		StartDate:    g.StartDate,
	}
}

func toMemberResponse(m tontine.Member) memberResponse {
	return memberResponse{
		ID:          m.ID,
		UserID:      m.UserID,
		TurnOrder:   m.TurnOrder,
		Status:      string(m.Status),
		HasReceived: m.HasReceived,
		JoinedAt:    m.JoinedAt,
		ReceivedAt:  m.ReceivedAt,
	}
}

func toContributionResponse(c tontine.Contribution) contributionResponse {
	return contributionResponse{
		ID:       c.ID,
		RoundID:  c.RoundID,
		MemberID: c.MemberID,
		Amount:   c.Amount,
		Status:   string(c.Status),
		PaidAt:   c.PaidAt,
	}
}

func toRoundResponse(r tontine.Round, contribs []tontine.Contribution) roundResponse {
	out := roundResponse{
		ID:              r.ID,
		Number:          r.Number,
		DueDate:         r.DueDate,
		Amount:          r.Amount,
		CollectedAmount: r.CollectedAmount,
		RecipientID:     r.RecipientID,
		IsPaid:          r.IsPaid,
		PaidAt:          r.PaidAt,
	}
	if len(contribs) > 0 {
		out.Contributions = make([]contributionResponse, 0, len(contribs))
		for _, c := range contribs {
			out.Contributions = append(out.Contributions, toContributionResponse(c))
		}
	}
	return out
}

func toGroupViewResponse(v tontine.GroupView) groupViewResponse {
	out := groupViewResponse{
		Group:   toGroupResponse(v.Group),
		Members: make([]memberResponse, 0, len(v.Members)),
		Rounds:  make([]roundResponse, 0, len(v.Rounds)),
	}
	for _, m := range v.Members {
		out.Members = append(out.Members, toMemberResponse(m))
	}
	for _, r := range v.Rounds {
		out.Rounds = append(out.Rounds, toRoundResponse(r.Round, r.Contributions))
	}
	if v.CurrentRound != nil {
		cur := toRoundResponse(v.CurrentRound.Round, v.CurrentRound.Contributions)
		out.CurrentRound = &cur
	}
	return out
}
