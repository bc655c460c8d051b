package tontine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func (n *recordingNotifier) count(typ EventType) int {
	c := 0
	for _, t := range n.types() {
		if t == typ {
			c++
		}
	}
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testStart = time.Date(2026, time.January, 31, 9, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine   *Engine
	store    Store
	clock    *testClock
	notifier *recordingNotifier
}

func newEngineFixture(t *testing.T, store Store, opts ...Option) engineFixture {
	t.Helper()

	clock := newTestClock(testStart)
	notifier := &recordingNotifier{}
	base := []Option{
		WithClock(clock.Now),
		WithNotifier(notifier),
		WithLogger(discardLogger()),
		WithConflictRetries(5, time.Millisecond),
	}
	e, err := NewEngine(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engineFixture{engine: e, store: store, clock: clock, notifier: notifier}
}

func validGroupInput(creator string, maxMembers int) CreateGroupInput {
	return CreateGroupInput{
		CreatorID:  creator,
		Name:       "Office savings",
		Amount:     1000,
		Currency:   "xof",
		Frequency:  FrequencyMonthly,
		MaxMembers: maxMembers,
	}
}

// mustGroupWith creates a group owned by creator and enrolls the other users in order.
func mustGroupWith(t *testing.T, f engineFixture, maxMembers int, creator string, others ...string) GroupView {
	t.Helper()
	ctx := context.Background()

	view, err := f.engine.CreateGroup(ctx, validGroupInput(creator, maxMembers))
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for _, u := range others {
		res, err := f.engine.JoinGroup(ctx, view.Group.InviteCode, u)
		if err != nil {
			t.Fatalf("JoinGroup(%s): %v", u, err)
		}
		view = res.View
	}
	return view
}

func memberIDByUser(t *testing.T, v GroupView, userID string) string {
	t.Helper()
	for _, m := range v.Members {
		if m.UserID == userID {
			return m.ID
		}
	}
	t.Fatalf("user %s is not an active member", userID)
	return ""
}

func assertContiguous(t *testing.T, v GroupView) {
	t.Helper()
	for i, m := range v.Members {
		if m.TurnOrder != i+1 {
			t.Fatalf("turn orders not contiguous: member %d has turn %d", i, m.TurnOrder)
		}
	}
}
