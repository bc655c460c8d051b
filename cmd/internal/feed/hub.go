package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"tontine/cmd/internal/tontine"
)

// Hub tracks subscribers per group and fans events out to them.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[string]*Client
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		groups: make(map[string]map[string]*Client),
	}
}

// Subscribe adds client to its group's fan-out set.
func (h *Hub) Subscribe(client *Client) {
	if client == nil || client.SessionID == "" || client.GroupID == "" {
		return
	}

	h.mu.Lock()
	subs, ok := h.groups[client.GroupID]
	if !ok {
		subs = make(map[string]*Client)
		h.groups[client.GroupID] = subs
	}
	subs[client.SessionID] = client
	h.mu.Unlock()

	h.log.Info("feed.subscribe", "group_id", client.GroupID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Unsubscribe removes the session and signals the client to stop.
func (h *Hub) Unsubscribe(groupID, sessionID string) {
	var cl *Client

	h.mu.Lock()
	if subs, ok := h.groups[groupID]; ok {
		cl = subs[sessionID]
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(h.groups, groupID)
		}
	}
	h.mu.Unlock()

	// Membership is removed before Close so no broadcaster holds a client being torn down.
	if cl != nil {
		cl.Close()
		h.log.Info("feed.unsubscribe", "group_id", groupID, "session_id", sessionID)
	}
}

// Subscribers reports the number of sessions watching groupID.
func (h *Hub) Subscribers(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupID])
}

// Publish broadcasts ev to the group's subscribers. It never blocks on a slow client: a full queue drops the frame.
func (h *Hub) Publish(_ context.Context, ev tontine.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	env := Envelope{
		V:       Version,
		Type:    string(ev.Type),
		ID:      ev.ID,
		TS:      ev.OccurredAt,
		Payload: payload,
	}

	h.mu.RLock()
	for _, c := range h.groups[ev.GroupID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			h.log.Warn("feed.drop", "group_id", ev.GroupID, "session_id", c.SessionID, "event_type", env.Type)
		}
	}
	h.mu.RUnlock()

	switch ev.Type {
	case tontine.EventGroupDeleted:
		h.revoke(ev.GroupID, func(*Client) bool { return true })
	case tontine.EventMemberLeft:
		h.revoke(ev.GroupID, func(c *Client) bool { return c.UserID == ev.ActorID })
	}
	return nil
}

// revoke detaches the group's sessions selected by match. Each keeps its queue so the triggering event is still written.
func (h *Hub) revoke(groupID string, match func(*Client) bool) {
	var evicted []*Client

	h.mu.Lock()
	subs := h.groups[groupID]
	for id, c := range subs {
		if match(c) {
			evicted = append(evicted, c)
			delete(subs, id)
		}
	}
	if subs != nil && len(subs) == 0 {
		delete(h.groups, groupID)
	}
	h.mu.Unlock()

	for _, c := range evicted {
		c.Revoke()
		h.log.Info("feed.revoke", "group_id", groupID, "session_id", c.SessionID, "user_id", c.UserID)
	}
}
