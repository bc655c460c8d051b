package tontine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tontine/cmd/internal/ids"
)

// Integration tests are enabled when TONTINE_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_FullCycle(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, mustPostgresStore(t))
	runFullCycle(t, f)
}

func TestPostgresStore_ConcurrentJoinForLastSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newEngineFixture(t, mustPostgresStore(t), WithConflictRetries(10, time.Millisecond))
	view := mustGroupWith(t, f, 3, "alice", "bob")

	const joiners = 6
	var wg sync.WaitGroup
	errs := make(chan error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.JoinGroup(ctx, view.Group.InviteCode, fmt.Sprintf("joiner-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrGroupFull):
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful join, got %d", ok)
	}

	got, err := f.engine.GetGroup(ctx, view.Group.ID, "alice")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if len(got.Members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(got.Members))
	}
	assertContiguous(t, got)
}

func TestPostgresStore_ReorderAndLeaveRewriteTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := mustPostgresStore(t)
	f := newEngineFixture(t, store)
	view := mustGroupWith(t, f, 5, "alice", "bob", "carol", "dave")

	reversed := make([]string, 0, len(view.Members))
	for i := len(view.Members) - 1; i >= 0; i-- {
		reversed = append(reversed, view.Members[i].ID)
	}
	if _, err := f.engine.ReorderMembers(ctx, ReorderInput{GroupID: view.Group.ID, RequesterID: "alice", MemberIDs: reversed}); err != nil {
		t.Fatalf("ReorderMembers: %v", err)
	}
	view, err := f.engine.LeaveGroup(ctx, view.Group.ID, "carol")
	if err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	assertContiguous(t, view)

	agg, err := store.Load(ctx, view.Group.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	active := agg.ActiveMembers()
	want := []string{"dave", "bob", "alice"}
	if len(active) != len(want) {
		t.Fatalf("active=%d want %d", len(active), len(want))
	}
	for i, u := range want {
		if active[i].UserID != u || active[i].TurnOrder != i+1 {
			t.Fatalf("position %d: got %s/%d want %s/%d", i, active[i].UserID, active[i].TurnOrder, u, i+1)
		}
	}
	if len(agg.Members) != 4 {
		t.Fatalf("member rows=%d want 4", len(agg.Members))
	}
}

func TestPostgresStore_DuplicateInviteCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := mustPostgresStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string) Aggregate {
		return Aggregate{Group: Group{
			ID: id, Name: "g", Amount: 1, Currency: "USD", Frequency: FrequencyWeekly, MaxMembers: 2,
			InviteCode: "PGSAMECD", Status: StatusDraft, CreatorID: "u", CreatedAt: now, UpdatedAt: now, Version: 1,
		}}
	}
	first := ids.MustULID(now)
	if err := store.Create(ctx, mk(first)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.Create(ctx, mk(ids.MustULID(now)))
	var ce ConflictError
	if !errors.As(err, &ce) || ce.Field != "invite_code" {
		t.Fatalf("expected invite_code conflict, got %v", err)
	}
	if id, err := store.GroupIDByInviteCode(ctx, "PGSAMECD"); err != nil || id != first {
		t.Fatalf("GroupIDByInviteCode=%q,%v", id, err)
	}
	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func mustPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "tontine_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TONTINE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TONTINE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse TONTINE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (TONTINE_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
}
