package feed

import "sync"

// Client is one connected websocket session subscribed to a single group.
//
// Send is never closed by the server so concurrent broadcasters cannot panic; done signals shutdown.
type Client struct {
	SessionID string
	UserID    string
	GroupID   string
	Send      chan Envelope

	done      chan struct{}
	closeOnce sync.Once

	revoked    chan struct{}
	revokeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(groupID, userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		GroupID:   groupID,
		Send:      make(chan Envelope, sendQueueSize),
		done:      make(chan struct{}),
		revoked:   make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close is idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Revoked is closed when the session lost access to its group. Frames already queued are still delivered.
func (c *Client) Revoked() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.revoked
}

// Revoke is idempotent.
func (c *Client) Revoke() {
	if c == nil {
		return
	}
	c.revokeOnce.Do(func() {
		close(c.revoked)
	})
}
