package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"tontine/cmd/internal/tontine"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startFeedServer(t *testing.T, gw *Gateway, groupID, userID string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.Serve(w, r, groupID, userID)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialFeed(t *testing.T, ctx context.Context, rawURL string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(rawURL, "http")
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{Subprotocols: subprotocols})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, env Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_StreamsGroupEvents(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(quietLogger())
	gw := NewGateway(quietLogger(), hub, Options{})
	ts := startFeedServer(t, gw, "g1", "alice")

	conn := dialFeed(t, ctx, ts.URL, Subprotocol)

	ready := readFrame(t, ctx, conn)
	if ready.Type != TypeReady || ready.V != Version {
		t.Fatalf("first frame=%+v want %s", ready, TypeReady)
	}
	var rp ReadyPayload
	if err := json.Unmarshal(ready.Payload, &rp); err != nil || rp.GroupID != "g1" || rp.SessionID == "" {
		t.Fatalf("ready payload=%+v err=%v", rp, err)
	}
	waitFor(t, func() bool { return hub.Subscribers("g1") == 1 })

	// Events for other groups are not delivered.
	_ = hub.Publish(ctx, tontine.Event{ID: "other", Type: tontine.EventGroupStarted, GroupID: "g2"})
	ev := tontine.Event{ID: "ev-1", Type: tontine.EventContributionPaid, GroupID: "g1", RoundNumber: 1, Amount: 500}
	if err := hub.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := readFrame(t, ctx, conn)
	if got.Type != string(tontine.EventContributionPaid) || got.ID != "ev-1" {
		t.Fatalf("frame=%+v", got)
	}
	var payload tontine.Event
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Amount != 500 || payload.RoundNumber != 1 {
		t.Fatalf("payload=%+v", payload)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return hub.Subscribers("g1") == 0 })
}

func TestGateway_PingAndBadFrames(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw := NewGateway(quietLogger(), nil, Options{})
	ts := startFeedServer(t, gw, "g1", "alice")
	conn := dialFeed(t, ctx, ts.URL, Subprotocol)
	_ = readFrame(t, ctx, conn)

	writeFrame(t, ctx, conn, Envelope{V: Version, Type: TypePing, ID: "p1", TS: time.Now()})
	pong := readFrame(t, ctx, conn)
	if pong.Type != TypePong || pong.ID != "p1" {
		t.Fatalf("pong=%+v", pong)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := readFrame(t, ctx, conn)
	if bad.Type != TypeError {
		t.Fatalf("frame=%+v want error", bad)
	}
	var ep ErrorPayload
	_ = json.Unmarshal(bad.Payload, &ep)
	if ep.Code != "bad_frame" {
		t.Fatalf("code=%q", ep.Code)
	}

	writeFrame(t, ctx, conn, Envelope{V: 2, Type: TypePing, ID: "p2"})
	if env := readFrame(t, ctx, conn); env.Type != TypeError {
		t.Fatalf("frame=%+v want error for bad version", env)
	}

	writeFrame(t, ctx, conn, Envelope{V: Version, Type: "member.joined", ID: "x"})
	env := readFrame(t, ctx, conn)
	_ = json.Unmarshal(env.Payload, &ep)
	if env.Type != TypeError || ep.Code != "unsupported" {
		t.Fatalf("frame=%+v code=%q", env, ep.Code)
	}
}

func TestGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw := NewGateway(quietLogger(), nil, Options{RateEvents: 2, RateWindow: time.Minute})
	ts := startFeedServer(t, gw, "g1", "alice")
	conn := dialFeed(t, ctx, ts.URL, Subprotocol)
	_ = readFrame(t, ctx, conn)

	for i := 0; i < 3; i++ {
		writeFrame(t, ctx, conn, Envelope{V: Version, Type: TypePing, ID: "p", TS: time.Now()})
	}

	var status websocket.StatusCode = -1
	for status == -1 {
		_, _, err := conn.Read(ctx)
		if err != nil {
			status = websocket.CloseStatus(err)
			if status == -1 {
				t.Fatalf("read err=%v, want close frame", err)
			}
		}
	}
	if status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want policy violation", status)
	}
}

func TestGateway_RequiresSubprotocol(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(quietLogger())
	gw := NewGateway(quietLogger(), hub, Options{})
	ts := startFeedServer(t, gw, "g1", "alice")
	conn := dialFeed(t, ctx, ts.URL)

	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("err=%v want protocol error close", err)
	}
	if hub.Subscribers("g1") != 0 {
		t.Fatal("client without subprotocol must not be subscribed")
	}
}

func TestHub_DropsWhenClientQueueFull(t *testing.T) {
	t.Parallel()

	hub := NewHub(quietLogger())
	c := NewClient("g1", "alice", "s1", 1)
	hub.Subscribe(c)

	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), tontine.Event{ID: "e", Type: tontine.EventMemberJoined, GroupID: "g1"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if len(c.Send) != 1 {
		t.Fatalf("queued=%d want 1", len(c.Send))
	}

	hub.Unsubscribe("g1", "s1")
	select {
	case <-c.Done():
	default:
		t.Fatal("unsubscribe must close the client")
	}
	if hub.Subscribers("g1") != 0 {
		t.Fatal("subscriber still registered")
	}
}

func readUntilClose(t *testing.T, ctx context.Context, conn *websocket.Conn) ([]Envelope, websocket.StatusCode) {
	t.Helper()
	var frames []Envelope
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 {
				t.Fatalf("read err=%v, want close frame", err)
			}
			return frames, status
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		frames = append(frames, env)
	}
}

func TestGateway_LeaverIsDisconnected(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(quietLogger())
	gw := NewGateway(quietLogger(), hub, Options{})
	alice := dialFeed(t, ctx, startFeedServer(t, gw, "g1", "alice").URL, Subprotocol)
	bob := dialFeed(t, ctx, startFeedServer(t, gw, "g1", "bob").URL, Subprotocol)
	_ = readFrame(t, ctx, alice)
	_ = readFrame(t, ctx, bob)
	waitFor(t, func() bool { return hub.Subscribers("g1") == 2 })

	if err := hub.Publish(ctx, tontine.Event{ID: "left-1", Type: tontine.EventMemberLeft, GroupID: "g1", ActorID: "bob"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	frames, status := readUntilClose(t, ctx, bob)
	if status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want policy violation", status)
	}
	if len(frames) != 1 || frames[0].ID != "left-1" {
		t.Fatalf("leaver frames=%+v want the member.left event", frames)
	}
	waitFor(t, func() bool { return hub.Subscribers("g1") == 1 })

	// Remaining members keep streaming.
	if got := readFrame(t, ctx, alice); got.ID != "left-1" {
		t.Fatalf("alice frame=%+v", got)
	}
	_ = hub.Publish(ctx, tontine.Event{ID: "paid-1", Type: tontine.EventContributionPaid, GroupID: "g1"})
	if got := readFrame(t, ctx, alice); got.ID != "paid-1" {
		t.Fatalf("alice frame=%+v", got)
	}
}

func TestGateway_DeletedGroupDisconnectsEveryone(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(quietLogger())
	gw := NewGateway(quietLogger(), hub, Options{})
	ts := startFeedServer(t, gw, "g1", "alice")
	first := dialFeed(t, ctx, ts.URL, Subprotocol)
	second := dialFeed(t, ctx, ts.URL, Subprotocol)
	_ = readFrame(t, ctx, first)
	_ = readFrame(t, ctx, second)
	waitFor(t, func() bool { return hub.Subscribers("g1") == 2 })

	if err := hub.Publish(ctx, tontine.Event{ID: "del-1", Type: tontine.EventGroupDeleted, GroupID: "g1", ActorID: "alice"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if hub.Subscribers("g1") != 0 {
		t.Fatalf("subscribers=%d want 0 after delete", hub.Subscribers("g1"))
	}
	for _, conn := range []*websocket.Conn{first, second} {
		frames, status := readUntilClose(t, ctx, conn)
		if status != websocket.StatusPolicyViolation {
			t.Fatalf("close status=%v want policy violation", status)
		}
		if len(frames) != 1 || frames[0].Type != string(tontine.EventGroupDeleted) {
			t.Fatalf("frames=%+v want the group.deleted event", frames)
		}
	}
}

func TestHub_RevokesOnlyMatchingSessions(t *testing.T) {
	t.Parallel()

	hub := NewHub(quietLogger())
	alice := NewClient("g1", "alice", "s1", 4)
	bob := NewClient("g1", "bob", "s2", 4)
	other := NewClient("g2", "bob", "s3", 4)
	hub.Subscribe(alice)
	hub.Subscribe(bob)
	hub.Subscribe(other)

	if err := hub.Publish(context.Background(), tontine.Event{ID: "e", Type: tontine.EventMemberLeft, GroupID: "g1", ActorID: "bob"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-bob.Revoked():
	default:
		t.Fatal("leaver must be revoked")
	}
	if len(bob.Send) != 1 {
		t.Fatalf("leaver queued=%d want the member.left frame", len(bob.Send))
	}
	for _, c := range []*Client{alice, other} {
		select {
		case <-c.Revoked():
			t.Fatalf("session %s revoked", c.SessionID)
		default:
		}
	}
	if hub.Subscribers("g1") != 1 || hub.Subscribers("g2") != 1 {
		t.Fatalf("subscribers g1=%d g2=%d", hub.Subscribers("g1"), hub.Subscribers("g2"))
	}
}
