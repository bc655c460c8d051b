package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	maxFrameBytes = 4 << 10

	defaultSendQueue    = 64
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultRateEvents   = 30
	defaultRateWindow   = 10 * time.Second

	maxPingFailures = 3
	closeGrace      = time.Second
)

// Options tunes a Gateway. Zero values take defaults.
type Options struct {
	// OriginPatterns authorizes cross-origin browser clients (see websocket.AcceptOptions).
	OriginPatterns []string
	SendQueue      int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
	RateEvents     int
	RateWindow     time.Duration
}

// Gateway upgrades authorized requests and pumps hub frames to the socket.
// Authentication and membership checks belong to the caller; Serve trusts groupID and userID.
// Sessions are revoked by the hub once the user leaves or the group is deleted.
type Gateway struct {
	log  *slog.Logger
	hub  *Hub
	opts Options
}

// NewGateway constructs a Gateway over hub.
func NewGateway(log *slog.Logger, hub *Hub, opts Options) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	return &Gateway{log: log, hub: hub, opts: opts}
}

// Hub returns the hub this gateway subscribes clients to.
func (g *Gateway) Hub() *Hub { return g.hub }

// Serve upgrades the request and streams groupID's events until either side closes.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, groupID, userID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: g.opts.OriginPatterns,
	})
	if err != nil {
		g.log.Info("feed.accept.fail", "err", err, "group_id", groupID)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("feed.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID := uuid.NewString()
	client := NewClient(groupID, userID, sessionID, g.opts.SendQueue)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unsubscribe(groupID, sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// Ready is queued before subscribing so it is always the first frame.
	ready, _ := json.Marshal(ReadyPayload{SessionID: sessionID, GroupID: groupID})
	client.Send <- newEnvelope(TypeReady, ready)
	g.hub.Subscribe(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-client.Revoked():
				if err := g.flush(ctx, conn, client); err != nil {
					g.log.Info("feed.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
				}
				shutdown(websocket.StatusPolicyViolation, "access revoked")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.opts.WriteTimeout); err != nil {
					g.log.Info("feed.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.opts.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.opts.PingTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					g.log.Info("feed.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := newRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

	// Reads carry no idle deadline: the feed is mostly server to client and liveness is the heartbeat's job.
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				g.trySendError(client, "bad_frame", err.Error())
				continue
			}
			if !isExpectedClose(err) {
				g.log.Info("feed.read.fail", "session_id", sessionID, "err", err)
			}
			shutdown(websocket.StatusNormalClosure, "closed")
			break
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(client, "rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case TypePing:
			pong := newEnvelope(TypePong, nil)
			pong.ID = env.ID
			if !g.enqueue(client, pong) {
				g.log.Info("feed.pong.dropped", "session_id", sessionID)
			}
		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// flush writes whatever is still queued for client without waiting for more.
func (g *Gateway) flush(ctx context.Context, conn *websocket.Conn, client *Client) error {
	for {
		select {
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.opts.WriteTimeout); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (g *Gateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(client, newEnvelope(TypeError, p))
}

func (g *Gateway) enqueue(client *Client, env Envelope) bool {
	select {
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func newEnvelope(typ string, payload json.RawMessage) Envelope {
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

var errBadFrame = errors.New("bad frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText {
		return Envelope{}, fmt.Errorf("%w: unsupported message type %v", errBadFrame, mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func isExpectedClose(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
