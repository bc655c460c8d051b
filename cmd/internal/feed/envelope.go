// Package feed streams a group's committed events to its connected members over websockets.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// Version is embedded into every envelope.
	Version = 1

	// Subprotocol must be offered by clients during the websocket handshake.
	Subprotocol = "tontine.feed.v1"
)

// Envelope types that are not tontine event types.
const (
	TypeReady = "feed.ready"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"
)

// Envelope is the wire wrapper for every frame in both directions.
// For event frames Type is the event type and ID is the event id.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks a client frame.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	return nil
}

// ReadyPayload is sent once after the handshake.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
	GroupID   string `json:"group_id"`
}

// ErrorPayload reports a rejected client frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
