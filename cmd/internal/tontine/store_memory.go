package tontine

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// Each group has its own lock, so operations on different groups never wait for each other.
type InMemoryStore struct {
	mu     sync.Mutex
	groups map[string]*memGroup
	codes  map[string]string // invite code -> group id
}

type memGroup struct {
	mu      sync.Mutex
	agg     Aggregate
	deleted bool
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		groups: make(map[string]*memGroup),
		codes:  make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Create(ctx context.Context, agg Aggregate) error {
	const op = "tontine.InMemoryStore.Create"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(agg.Group.ID) == "" || strings.TrimSpace(agg.Group.InviteCode) == "" {
		return invalid(op, "group id and invite code are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.codes[agg.Group.InviteCode]; taken {
		return ConflictError{Op: op, Field: "invite_code"}
	}
	if _, exists := s.groups[agg.Group.ID]; exists {
		return ConflictError{Op: op, Field: "group"}
	}
	s.groups[agg.Group.ID] = &memGroup{agg: agg.Clone()}
	s.codes[agg.Group.InviteCode] = agg.Group.ID
	return nil
}

func (s *InMemoryStore) lookup(groupID string) *memGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[groupID]
}

func (s *InMemoryStore) Load(ctx context.Context, groupID string) (Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}
	g := s.lookup(groupID)
	if g == nil {
		return Aggregate{}, notFound("tontine.InMemoryStore.Load", "group")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleted {
		return Aggregate{}, notFound("tontine.InMemoryStore.Load", "group")
	}
	return g.agg.Clone(), nil
}

func (s *InMemoryStore) Mutate(ctx context.Context, groupID string, fn func(*Aggregate) error) (Aggregate, error) {
	const op = "tontine.InMemoryStore.Mutate"
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}
	g := s.lookup(groupID)
	if g == nil {
		return Aggregate{}, notFound(op, "group")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleted {
		return Aggregate{}, notFound(op, "group")
	}

	work := g.agg.Clone()
	if err := fn(&work); err != nil {
		return Aggregate{}, err
	}
	if !diffAggregates(g.agg, work).empty() {
		work.Group.Version = g.agg.Group.Version + 1
	}
	g.agg = work
	return work.Clone(), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, groupID string, guard func(Aggregate) error) (Aggregate, error) {
	const op = "tontine.InMemoryStore.Delete"
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}
	g := s.lookup(groupID)
	if g == nil {
		return Aggregate{}, notFound(op, "group")
	}

	g.mu.Lock()
	if g.deleted {
		g.mu.Unlock()
		return Aggregate{}, notFound(op, "group")
	}
	if guard != nil {
		if err := guard(g.agg.Clone()); err != nil {
			g.mu.Unlock()
			return Aggregate{}, err
		}
	}
	g.deleted = true
	out := g.agg.Clone()
	g.mu.Unlock()

	s.mu.Lock()
	delete(s.groups, groupID)
	delete(s.codes, out.Group.InviteCode)
	s.mu.Unlock()
	return out, nil
}

func (s *InMemoryStore) GroupIDByInviteCode(ctx context.Context, code string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return "", notFound("tontine.InMemoryStore.GroupIDByInviteCode", "invite_code")
	}
	return id, nil
}

func (s *InMemoryStore) snapshot() []*memGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*memGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

func (s *InMemoryStore) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Group
	for _, g := range s.snapshot() {
		g.mu.Lock()
		if !g.deleted && g.agg.IsActiveMember(userID) {
			out = append(out, g.agg.Clone().Group)
		}
		g.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Group) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *InMemoryStore) ListOverdueGroups(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	for _, g := range s.snapshot() {
		g.mu.Lock()
		if !g.deleted && overdue(&g.agg, now) {
			out = append(out, g.agg.Group.ID)
		}
		g.mu.Unlock()
	}
	slices.Sort(out)
	return out, nil
}

func overdue(a *Aggregate, now time.Time) bool {
	if a.Group.Status != StatusActive {
		return false
	}
	r, ok := a.CurrentRound()
	if !ok || r.IsPaid || !now.After(r.DueDate) {
		return false
	}
	for _, c := range a.Contributions {
		if c.RoundID == r.ID && c.Status == ContributionPending {
			return true
		}
	}
	return false
}
