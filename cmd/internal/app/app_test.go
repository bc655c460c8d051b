package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tontine/cmd/internal/api"
)

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()

	a, err := New(context.Background(), cfg, NewLogger("error", "json", io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// serve runs a on a loopback listener and returns its base URL and a stop func.
func serve(t *testing.T, a *App) (string, func() error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("Serve did not return after cancel")
			return nil
		}
	}
	return "http://" + ln.Addr().String(), stop
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func mustToken(t *testing.T, cfg Config, userID string) string {
	t.Helper()
	verifier, err := api.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	tok, err := verifier.Sign(userID, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok
}

// doJSON sends body (if any) with a bearer token and decodes the response into out.
func doJSON(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("%s %s: security headers missing", method, url)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestApp_ServesHealthMetricsAndAPI(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	a := newTestApp(t, cfg)
	base, stop := serve(t, a)

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz=%d %q", code, body)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz=%d", code)
	}

	var created map[string]any
	if code := doJSON(t, http.MethodPost, base+"/v1/groups", mustToken(t, cfg, "alice"), map[string]any{
		"name": "Tuesday circle", "amount": 2500, "currency": "ghs", "frequency": "weekly", "max_members": 4,
	}, &created); code != http.StatusCreated {
		t.Fatalf("create status=%d", code)
	}

	if code, _ := get(t, base+"/v1/groups"); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list=%d want 401", code)
	}

	code, metrics := get(t, base+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics=%d", code)
	}
	if !strings.Contains(metrics, `tontine_operations_total{op="create_group",result="ok"} 1`) {
		t.Fatalf("create_group not counted in metrics:\n%s", metrics)
	}
	if !strings.Contains(metrics, "go_goroutines") {
		t.Fatal("runtime collectors missing")
	}

	if err := stop(); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}

func TestApp_ReadinessRequiresDurableStore(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.MetricsEnabled = false
	cfg.ReadinessRequireDB = true
	a := newTestApp(t, cfg)
	base, stop := serve(t, a)
	defer func() { _ = stop() }()

	if code, _ := get(t, base+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want 503 without a durable store", code)
	}
	if code, _ := get(t, base+"/metrics"); code != http.StatusNotFound {
		t.Fatalf("metrics should not be served when disabled, got %d", code)
	}
}

func TestApp_SQLiteStoreServesWrites(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "tontine.db")
	cfg.ReadinessRequireDB = true
	cfg.OverdueSweepInterval = 10 * time.Millisecond
	a := newTestApp(t, cfg)
	base, stop := serve(t, a)

	if code, body := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz=%d %q", code, body)
	}

	tok := mustToken(t, cfg, "kofi")
	var created struct {
		Group struct {
			ID         string `json:"id"`
			Currency   string `json:"currency"`
			InviteCode string `json:"invite_code"`
		} `json:"group"`
	}
	code := doJSON(t, http.MethodPost, base+"/v1/groups", tok, map[string]any{
		"name": "Harbour savers", "amount": 700, "currency": "ghs", "frequency": "monthly", "max_members": 3,
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status=%d", code)
	}
	if created.Group.ID == "" || created.Group.Currency != "GHS" || created.Group.InviteCode == "" {
		t.Fatalf("created=%+v", created.Group)
	}

	var fetched struct {
		Group struct {
			ID       string `json:"id"`
			Currency string `json:"currency"`
			Status   string `json:"status"`
		} `json:"group"`
		Members []struct {
			UserID string `json:"user_id"`
		} `json:"members"`
	}
	if code := doJSON(t, http.MethodGet, base+"/v1/groups/"+created.Group.ID, tok, nil, &fetched); code != http.StatusOK {
		t.Fatalf("get status=%d", code)
	}
	if fetched.Group.ID != created.Group.ID || fetched.Group.Currency != "GHS" || fetched.Group.Status != "DRAFT" {
		t.Fatalf("fetched=%+v", fetched.Group)
	}
	if len(fetched.Members) != 1 || fetched.Members[0].UserID != "kofi" {
		t.Fatalf("members=%+v", fetched.Members)
	}

	time.Sleep(30 * time.Millisecond)
	if err := stop(); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}

func TestNew_RejectsUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	if _, err := New(context.Background(), cfg, NewLogger("error", "json", io.Discard)); err == nil {
		t.Fatal("expected redis connect error")
	}
}
