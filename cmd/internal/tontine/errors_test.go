package tontine

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		kind string
	}{
		{nil, "ok"},
		{invalid("op", "bad"), "invalid_input"},
		{forbidden("op", "no"), "forbidden"},
		{notFound("op", "group"), "not_found"},
		{ConflictError{Op: "op", Field: "version"}, "conflict"},
		{stateErr("op", ErrGroupFull, ""), "invalid_state"},
		{fmt.Errorf("wrapped: %w", stateErr("op", ErrRoundOpen, "round 1")), "invalid_state"},
		{OpError{Op: "op", Kind: ErrResourceExhausted}, "resource_exhausted"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := ErrorKind(tc.err); got != tc.kind {
			t.Fatalf("ErrorKind(%v)=%s want %s", tc.err, got, tc.kind)
		}
	}
}

func TestStateReasonsMatchBothSentinels(t *testing.T) {
	t.Parallel()

	err := stateErr("tontine.JoinGroup", ErrGroupFull, "")
	if !errors.Is(err, ErrGroupFull) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("state error does not match its reason and kind: %v", err)
	}
	if errors.Is(err, ErrAlreadyMember) {
		t.Fatal("state error matches an unrelated reason")
	}
	if got := err.Error(); got != "tontine.JoinGroup: invalid state: group is full" {
		t.Fatalf("Error()=%q", got)
	}
}
