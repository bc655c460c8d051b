package tontine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tontine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_FullCycle(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, newTestSQLiteStore(t))
	runFullCycle(t, f)
}

func TestSQLiteStore_RoundTripsAggregate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestSQLiteStore(t)
	f := newEngineFixture(t, store)

	desc := "  lunch money  "
	in := validGroupInput("alice", 4)
	in.Description = &desc
	view, err := f.engine.CreateGroup(ctx, in)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for _, u := range []string{"bob", "carol", "dave"} {
		if _, err := f.engine.JoinGroup(ctx, view.Group.InviteCode, u); err != nil {
			t.Fatalf("JoinGroup(%s): %v", u, err)
		}
	}

	// Leaving compacts every later member; the store must rewrite turn orders without tripping uniqueness.
	view, err = f.engine.LeaveGroup(ctx, view.Group.ID, "bob")
	if err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	ids := []string{view.Members[2].ID, view.Members[1].ID, view.Members[0].ID}
	if _, err := f.engine.ReorderMembers(ctx, ReorderInput{GroupID: view.Group.ID, RequesterID: "alice", MemberIDs: ids}); err != nil {
		t.Fatalf("ReorderMembers: %v", err)
	}
	if _, err := f.engine.StartGroup(ctx, view.Group.ID, "alice"); err != nil {
		t.Fatalf("StartGroup: %v", err)
	}

	agg, err := store.Load(ctx, view.Group.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if agg.Group.Description == nil || *agg.Group.Description != "lunch money" {
		t.Fatalf("description=%v", agg.Group.Description)
	}
	if agg.Group.Status != StatusActive || agg.Group.StartDate == nil || !agg.Group.StartDate.Equal(testStart) {
		t.Fatalf("group=%+v", agg.Group)
	}
	if agg.Group.Version < 2 {
		t.Fatalf("version=%d, expected bumps", agg.Group.Version)
	}
	if len(agg.Members) != 4 {
		t.Fatalf("members rows=%d want 4 (including the one who left)", len(agg.Members))
	}
	if !agg.turnOrderContiguous() {
		t.Fatalf("turn orders not contiguous: %+v", agg.Members)
	}
	active := agg.ActiveMembers()
	if active[0].UserID != "dave" || active[2].UserID != "alice" {
		t.Fatalf("order=%+v", active)
	}
	if len(agg.Rounds) != 1 || agg.Rounds[0].RecipientID != active[0].ID || agg.Rounds[0].Amount != 3000 {
		t.Fatalf("rounds=%+v", agg.Rounds)
	}
	if len(agg.Contributions) != 3 {
		t.Fatalf("contributions=%d want 3", len(agg.Contributions))
	}

	groups, err := store.ListGroupsForUser(ctx, "dave")
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListGroupsForUser=%v,%v", groups, err)
	}
	if groups, _ := store.ListGroupsForUser(ctx, "bob"); len(groups) != 0 {
		t.Fatalf("bob left but still listed: %v", groups)
	}

	overdue, err := store.ListOverdueGroups(ctx, testStart.Add(60*24*time.Hour))
	if err != nil || len(overdue) != 1 || overdue[0] != view.Group.ID {
		t.Fatalf("ListOverdueGroups=%v,%v", overdue, err)
	}
}

func TestSQLiteStore_DuplicateInviteCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestSQLiteStore(t)
	mk := func(id string) Aggregate {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		return Aggregate{Group: Group{
			ID: id, Name: "g", Amount: 1, Currency: "USD", Frequency: FrequencyWeekly, MaxMembers: 2,
			InviteCode: "SAMECODE", Status: StatusDraft, CreatorID: "u", CreatedAt: now, UpdatedAt: now, Version: 1,
		}}
	}
	if err := store.Create(ctx, mk("g1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.Create(ctx, mk("g2"))
	var ce ConflictError
	if !errors.As(err, &ce) || ce.Field != "invite_code" {
		t.Fatalf("err=%v want invite_code conflict", err)
	}
	if id, err := store.GroupIDByInviteCode(ctx, "SAMECODE"); err != nil || id != "g1" {
		t.Fatalf("GroupIDByInviteCode=%q,%v", id, err)
	}
}

func TestSQLiteStore_ConcurrentJoinForLastSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newEngineFixture(t, newTestSQLiteStore(t))
	view := mustGroupWith(t, f, 2, "alice")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.JoinGroup(ctx, view.Group.InviteCode, "user-"+string(rune('a'+i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrGroupFull) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful joins=%d want 1", ok)
	}
}

func TestSQLiteStore_CreatePersistsGroupColumns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestSQLiteStore(t)
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	desc := "market stall fund"
	interval := 10
	want := Group{
		ID: "g-cols", Name: "Stall", Description: &desc, Amount: 2500, Currency: "GHS",
		Frequency: FrequencyCustom, IntervalDays: &interval, MaxMembers: 6, InviteCode: "COLSCODE",
		Status: StatusDraft, CreatorID: "ama", CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	creator := Member{ID: "m-ama", GroupID: want.ID, UserID: "ama", TurnOrder: 1, Status: MemberActive, JoinedAt: now}
	if err := store.Create(ctx, Aggregate{Group: want, Members: []Member{creator}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	agg, err := store.Load(ctx, want.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := agg.Group
	if got.Name != want.Name || got.Amount != want.Amount || got.Currency != want.Currency || got.Frequency != want.Frequency {
		t.Fatalf("group=%+v want %+v", got, want)
	}
	if got.Description == nil || *got.Description != desc || got.IntervalDays == nil || *got.IntervalDays != interval {
		t.Fatalf("optional columns: description=%v interval=%v", got.Description, got.IntervalDays)
	}
	if got.MaxMembers != 6 || got.InviteCode != "COLSCODE" || got.Status != StatusDraft || got.CreatorID != "ama" {
		t.Fatalf("group=%+v", got)
	}
	if !got.CreatedAt.Equal(now) || !got.UpdatedAt.Equal(now) || got.StartDate != nil || got.Version != 1 {
		t.Fatalf("timestamps/version: %+v", got)
	}
	if len(agg.Members) != 1 || agg.Members[0].UserID != "ama" || agg.Members[0].TurnOrder != 1 {
		t.Fatalf("members=%+v", agg.Members)
	}
}
