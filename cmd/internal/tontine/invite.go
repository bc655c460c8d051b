package tontine

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"strings"
)

// InviteAlphabet omits characters that are easy to confuse when read aloud (0/O, 1/I).
const InviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	defaultCodeLength   = 8
	defaultCodeAttempts = 5
)

// CodeCache is an optional read-through cache for invite code lookups.
// Implementations must tolerate being unavailable; errors only cause a fall-through to the store.
type CodeCache interface {
	Get(ctx context.Context, code string) (groupID string, ok bool, err error)
	Set(ctx context.Context, code, groupID string) error
	Delete(ctx context.Context, code string) error
}

// InviteRegistry issues and resolves group invite codes.
type InviteRegistry struct {
	store    Store
	cache    CodeCache
	log      *slog.Logger
	length   int
	attempts int
	random   func(n int) (string, error)
}

// InviteOption configures the InviteRegistry.
type InviteOption func(*InviteRegistry) error

// WithCodeLength sets the length of generated codes.
func WithCodeLength(n int) InviteOption {
	return func(r *InviteRegistry) error {
		if n < 4 || n > 32 {
			return ErrInvalidInput
		}
		r.length = n
		return nil
	}
}

// WithCodeAttempts bounds collision retries before giving up with ErrResourceExhausted.
func WithCodeAttempts(n int) InviteOption {
	return func(r *InviteRegistry) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		r.attempts = n
		return nil
	}
}

// WithCodeCache installs a lookup cache.
func WithCodeCache(c CodeCache) InviteOption {
	return func(r *InviteRegistry) error {
		r.cache = c
		return nil
	}
}

// WithInviteLogger sets the logger used for cache failures.
func WithInviteLogger(log *slog.Logger) InviteOption {
	return func(r *InviteRegistry) error {
		if log != nil {
			r.log = log
		}
		return nil
	}
}

func withCodeSource(fn func(n int) (string, error)) InviteOption {
	return func(r *InviteRegistry) error {
		r.random = fn
		return nil
	}
}

// NewInviteRegistry constructs an InviteRegistry backed by store.
func NewInviteRegistry(store Store, opts ...InviteOption) (*InviteRegistry, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	r := &InviteRegistry{
		store:    store,
		log:      slog.Default(),
		length:   defaultCodeLength,
		attempts: defaultCodeAttempts,
		random:   randomCode,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Issue generates fresh codes and hands each to reserve until one is accepted.
// reserve reports a taken code with a ConflictError on field "invite_code"; any other error aborts.
func (r *InviteRegistry) Issue(ctx context.Context, reserve func(code string) error) (string, error) {
	const op = "tontine.InviteRegistry.Issue"
	if r == nil || r.store == nil || reserve == nil {
		return "", ErrInvalidInput
	}

	for i := 0; i < r.attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := r.random(r.length)
		if err != nil {
			return "", err
		}
		if _, err := r.store.GroupIDByInviteCode(ctx, code); err == nil {
			continue
		} else if !IsNotFound(err) {
			return "", err
		}

		err = reserve(code)
		if err == nil {
			return code, nil
		}
		var ce ConflictError
		if errors.As(err, &ce) && ce.Field == "invite_code" {
			continue
		}
		return "", err
	}
	return "", OpError{Op: op, Kind: ErrResourceExhausted, Msg: "could not allocate a unique invite code"}
}

// Resolve maps a code (any case, surrounding whitespace ignored) to its group id.
func (r *InviteRegistry) Resolve(ctx context.Context, code string) (string, error) {
	const op = "tontine.InviteRegistry.Resolve"
	if r == nil || r.store == nil {
		return "", ErrInvalidInput
	}
	code = NormalizeInviteCode(code)
	if !r.wellFormed(code) {
		return "", notFound(op, "invite_code")
	}

	if r.cache != nil {
		groupID, ok, err := r.cache.Get(ctx, code)
		if err != nil {
			r.log.Warn("invite.cache.get_failed", "err", err)
		} else if ok {
			return groupID, nil
		}
	}

	groupID, err := r.store.GroupIDByInviteCode(ctx, code)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, code, groupID); err != nil {
			r.log.Warn("invite.cache.set_failed", "err", err)
		}
	}
	return groupID, nil
}

// Forget drops a code from the cache once its group is gone.
func (r *InviteRegistry) Forget(ctx context.Context, code string) {
	if r == nil || r.cache == nil || code == "" {
		return
	}
	if err := r.cache.Delete(ctx, code); err != nil {
		r.log.Warn("invite.cache.delete_failed", "err", err)
	}
}

// NormalizeInviteCode upper-cases and trims a user-supplied code.
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (r *InviteRegistry) wellFormed(code string) bool {
	if len(code) != r.length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(InviteAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

func randomCode(n int) (string, error) {
	max := big.NewInt(int64(len(InviteAlphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = InviteAlphabet[v.Int64()]
	}
	return string(b), nil
}
