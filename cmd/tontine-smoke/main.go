// Command tontine-smoke is a CI-friendly end-to-end check against a running tontine server.
//
// It validates:
//   - bearer auth with a locally minted token
//   - group creation and join by invite code
//   - feed handshake with subprotocol selection and the ready frame
//   - member.joined fanout to a connected member
//   - ping -> pong
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"tontine/cmd/internal/api"
	"tontine/cmd/internal/feed"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan feed.Envelope
	errCh chan error
}

type groupView struct {
	Group struct {
		ID         string `json:"id"`
		InviteCode string `json:"invite_code"`
		Status     string `json:"status"`
	} `json:"group"`
	Members []struct {
		UserID    string `json:"user_id"`
		TurnOrder int    `json:"turn_order"`
	} `json:"members"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "", "Origin header to send on the feed handshake")
		secret  = flag.String("secret", os.Getenv("TONTINE_JWT_SECRET"), "HS256 secret shared with the server")
		issuer  = flag.String("issuer", os.Getenv("TONTINE_JWT_ISSUER"), "Token issuer expected by the server")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	signer, err := api.NewTokenVerifier(*secret, *issuer)
	if err != nil {
		fatalf("invalid -secret: %v", err)
	}

	root := context.Background()
	suffix := uuid.NewString()[:8]
	creator, joiner := "smoke-creator-"+suffix, "smoke-joiner-"+suffix

	view := mustCreateGroup(root, base, mustToken(signer, creator), *timeout)
	if *verbose {
		fmt.Printf("created: group=%s code=%s\n", view.Group.ID, view.Group.InviteCode)
	}

	a := mustConnect(root, "creator", feedURL(base, view.Group.ID, mustToken(signer, creator)), *origin, view.Group.ID, *timeout)
	defer closeWS(a.conn)

	joined := mustJoinGroup(root, base, mustToken(signer, joiner), view.Group.InviteCode, *timeout)
	if len(joined.Members) != 2 || joined.Members[1].UserID != joiner || joined.Members[1].TurnOrder != 2 {
		fatalf("join: unexpected members: %+v", joined.Members)
	}

	ev := a.mustReadUntilType(root, "member.joined", *timeout)
	var payload struct {
		ActorID string `json:"actor_id"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.ActorID != joiner {
		fatalf("member.joined: actor mismatch: got=%q want=%q (%v)", payload.ActorID, joiner, err)
	}
	if *verbose {
		fmt.Printf("event: type=%s id=%s payload=%s\n", ev.Type, ev.ID, string(ev.Payload))
	}

	pingID := "ping-" + suffix
	mustWriteWithTimeout(root, a.conn, feed.Envelope{V: feed.Version, Type: feed.TypePing, ID: pingID, TS: time.Now().UTC()}, *timeout)
	pong := a.mustReadUntilType(root, feed.TypePong, *timeout)
	if pong.ID != pingID {
		fatalf("pong id mismatch: got=%q want=%q", pong.ID, pingID)
	}

	fmt.Printf("OK: group=%s session=%s joined=%s\n", view.Group.ID, a.sessionID, joiner)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func feedURL(base *url.URL, groupID, token string) string {
	u := *base
	u.Scheme = "ws"
	if base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(base.Path, "/") + "/v1/groups/" + url.PathEscape(groupID) + "/feed"
	u.RawQuery = url.Values{"access_token": {token}}.Encode()
	return u.String()
}

func mustToken(signer *api.TokenVerifier, userID string) string {
	tok, err := signer.Sign(userID, 10*time.Minute, time.Now())
	if err != nil {
		fatalf("sign token for %s: %v", userID, err)
	}
	return tok
}

func mustCreateGroup(parent context.Context, base *url.URL, token string, stepTimeout time.Duration) groupView {
	var view groupView
	mustCall(parent, http.MethodPost, base.JoinPath("/v1/groups").String(), token, map[string]any{
		"name":        "smoke circle",
		"amount":      1000,
		"currency":    "xof",
		"frequency":   "weekly",
		"max_members": 3,
	}, http.StatusCreated, &view, stepTimeout)
	if view.Group.ID == "" || view.Group.InviteCode == "" || view.Group.Status != "DRAFT" {
		fatalf("create: unexpected group: %+v", view.Group)
	}
	return view
}

func mustJoinGroup(parent context.Context, base *url.URL, token, code string, stepTimeout time.Duration) groupView {
	var res struct {
		View groupView `json:"view"`
	}
	mustCall(parent, http.MethodPost, base.JoinPath("/v1/groups/join").String(), token, map[string]string{
		"invite_code": strings.ToLower(code),
	}, http.StatusOK, &res, stepTimeout)
	return res.View
}

func mustCall(parent context.Context, method, target, token string, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(b))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, resp.StatusCode, wantStatus, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("%s %s: decode: %v", method, target, err)
	}
}

func mustConnect(parent context.Context, name, wsURL, origin, groupID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{feed.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != feed.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, feed.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan feed.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ready := c.mustReadUntilType(parent, feed.TypeReady, stepTimeout)
	var p feed.ReadyPayload
	if err := json.Unmarshal(ready.Payload, &p); err != nil {
		fatalf("unmarshal ready payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" || p.GroupID != groupID {
		fatalf("bad ready payload (%s): %+v", name, p)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env feed.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType skips other event frames; an error frame is fatal.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) feed.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == feed.TypeError {
				var ep feed.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env feed.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
