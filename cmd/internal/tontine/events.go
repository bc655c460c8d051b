package tontine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a committed state change.
type EventType string

const (
	EventGroupCreated         EventType = "group.created"
	EventMemberJoined         EventType = "member.joined"
	EventMemberLeft           EventType = "member.left"
	EventGroupStarted         EventType = "group.started"
	EventContributionPaid     EventType = "contribution.paid"
	EventRoundAdvanced        EventType = "round.advanced"
	EventGroupCompleted       EventType = "group.completed"
	EventGroupCancelled       EventType = "group.cancelled"
	EventGroupDeleted         EventType = "group.deleted"
	EventContributionsOverdue EventType = "contributions.overdue"
)

// Event describes a state change after it was committed. ID is unique per event so consumers can de-duplicate.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	GroupID        string    `json:"group_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	RoundNumber    int       `json:"round_number,omitempty"`
	MemberID       string    `json:"member_id,omitempty"`
	ContributionID string    `json:"contribution_id,omitempty"`
	RecipientID    string    `json:"recipient_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Count          int       `json:"count,omitempty"`
}

// Notifier receives events after commit. Notify must not block on delivery and has no way to fail the
// operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

func newEvent(typ EventType, groupID, actorID string, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		GroupID:    groupID,
		ActorID:    actorID,
		OccurredAt: now,
	}
}
