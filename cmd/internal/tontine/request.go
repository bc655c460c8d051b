package tontine

import (
	"strings"
	"unicode/utf8"
)

const (
	MinMembers        = 2
	MaxMembersLimit   = 50
	maxNameLen        = 100
	maxDescriptionLen = 500
	maxIntervalDays   = 365
)

// CreateGroupInput describes a new group. CreatorID is the authenticated caller.
type CreateGroupInput struct {
	CreatorID    string
	Name         string
	Description  *string
	Amount       int64
	Currency     string
	Frequency    Frequency
	IntervalDays *int
	MaxMembers   int
}

// groupSpec is a CreateGroupInput that passed validation and normalization.
type groupSpec struct {
	creatorID    string
	name         string
	description  *string
	amount       int64
	currency     string
	frequency    Frequency
	intervalDays *int
	maxMembers   int
}

func (in CreateGroupInput) validate() (groupSpec, error) {
	const op = "tontine.CreateGroup"

	creator := strings.TrimSpace(in.CreatorID)
	if creator == "" {
		return groupSpec{}, invalid(op, "creator id is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return groupSpec{}, invalid(op, "name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return groupSpec{}, invalid(op, "name is too long")
	}
	desc := trimPtr(in.Description)
	if desc != nil && utf8.RuneCountInString(*desc) > maxDescriptionLen {
		return groupSpec{}, invalid(op, "description is too long")
	}
	if in.Amount <= 0 {
		return groupSpec{}, invalid(op, "amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if !validCurrency(currency) {
		return groupSpec{}, invalid(op, "currency must be a 3-letter code")
	}
	freq := Frequency(strings.ToUpper(strings.TrimSpace(string(in.Frequency))))
	if !freq.valid() {
		return groupSpec{}, invalid(op, "unknown frequency")
	}
	var interval *int
	if in.IntervalDays != nil {
		if freq != FrequencyCustom {
			return groupSpec{}, invalid(op, "interval days only apply to CUSTOM frequency")
		}
		if *in.IntervalDays < 1 || *in.IntervalDays > maxIntervalDays {
			return groupSpec{}, invalid(op, "interval days out of range")
		}
		interval = clonePtr(in.IntervalDays)
	}
	if in.MaxMembers < MinMembers || in.MaxMembers > MaxMembersLimit {
		return groupSpec{}, invalid(op, "max members must be between 2 and 50")
	}
	// The pot must stay representable for a full group.
	if in.Amount > (1<<62)/int64(in.MaxMembers) {
		return groupSpec{}, invalid(op, "amount is too large")
	}

	return groupSpec{
		creatorID:    creator,
		name:         name,
		description:  desc,
		amount:       in.Amount,
		currency:     currency,
		frequency:    freq,
		intervalDays: interval,
		maxMembers:   in.MaxMembers,
	}, nil
}

// ReorderInput replaces the turn order of a group's active members.
type ReorderInput struct {
	GroupID     string
	RequesterID string
	MemberIDs   []string
}

// ConfirmPayoutInput closes a round for its recipient and advances the group.
type ConfirmPayoutInput struct {
	GroupID string
	RoundID string
	ActorID string
	// AcceptShortfall closes the round even if contributions are outstanding; they become MISSED.
	AcceptShortfall bool
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func requireID(op, field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", invalid(op, field+" is required")
	}
	return v, nil
}
