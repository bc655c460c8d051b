package tontine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"tontine/cmd/internal/ids"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 20 * time.Millisecond
)

// OperationObserver receives the outcome of every engine operation.
type OperationObserver interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// Engine is the entry point for every group operation. Each mutating call runs as one transaction scoped
// to a single group and returns the updated group view.
type Engine struct {
	store    Store
	invites  *InviteRegistry
	notifier Notifier
	observer OperationObserver
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	mintID   func(time.Time) (string, error)

	maxAttempts    uint
	initialBackoff time.Duration
}

// Option configures the Engine.
type Option func(*Engine) error

// IDSource mints one row id per call.
type IDSource func() (string, error)

// WithInviteRegistry replaces the default invite registry (e.g. to add a cache).
func WithInviteRegistry(r *InviteRegistry) Option {
	return func(e *Engine) error {
		if r == nil {
			return ErrInvalidInput
		}
		e.invites = r
		return nil
	}
}

// WithNotifier sets the sink for committed events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) error {
		if n != nil {
			e.notifier = n
		}
		return nil
	}
}

// WithObserver sets the operation observer (metrics).
func WithObserver(o OperationObserver) Option {
	return func(e *Engine) error {
		e.observer = o
		return nil
	}
}

// WithTracerProvider replaces the global tracer provider for engine spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) error {
		if tp != nil {
			e.tracer = tp.Tracer("tontine/engine")
		}
		return nil
	}
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) error {
		if log != nil {
			e.log = log
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return ErrInvalidInput
		}
		e.now = now
		return nil
	}
}

// WithIDGenerator overrides how row ids are minted. A failing generator aborts the mutation.
func WithIDGenerator(gen func(now time.Time) (string, error)) Option {
	return func(e *Engine) error {
		if gen == nil {
			return ErrInvalidInput
		}
		e.mintID = gen
		return nil
	}
}

// WithConflictRetries bounds how many times a conflicting transaction is attempted.
func WithConflictRetries(attempts int, initialBackoff time.Duration) Option {
	return func(e *Engine) error {
		if attempts <= 0 {
			return ErrInvalidInput
		}
		e.maxAttempts = uint(attempts)
		if initialBackoff > 0 {
			e.initialBackoff = initialBackoff
		}
		return nil
	}
}

// NewEngine constructs an Engine with safe defaults.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	e := &Engine{
		store:          store,
		notifier:       nopNotifier{},
		log:            slog.Default(),
		tracer:         otel.Tracer("tontine/engine"),
		now:            func() time.Time { return time.Now().UTC() },
		mintID:         ids.NewULID,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.invites == nil {
		reg, err := NewInviteRegistry(store, WithInviteLogger(e.log))
		if err != nil {
			return nil, err
		}
		e.invites = reg
	}
	return e, nil
}

// CreateGroup creates a DRAFT group with a fresh invite code. The creator becomes member #1.
func (e *Engine) CreateGroup(ctx context.Context, in CreateGroupInput) (view GroupView, err error) {
	ctx, end := e.begin(ctx, "create_group")
	defer func() { end(err) }()

	spec, err := in.validate()
	if err != nil {
		return GroupView{}, err
	}
	now := e.now()

	var agg Aggregate
	_, err = e.invites.Issue(ctx, func(code string) error {
		var err error
		if agg, err = newAggregate(spec, code, now, e.newID(now)); err != nil {
			return err
		}
		return e.store.Create(ctx, agg)
	})
	if err != nil {
		return GroupView{}, err
	}

	e.log.Info("tontine.group.created", "group_id", agg.Group.ID, "creator_id", spec.creatorID)
	e.emit(ctx, newEvent(EventGroupCreated, agg.Group.ID, spec.creatorID, now))
	return NewGroupView(agg), nil
}

func newAggregate(spec groupSpec, code string, now time.Time, newID IDSource) (Aggregate, error) {
	const op = "tontine.CreateGroup"
	groupID, err := newID()
	if err != nil {
		return Aggregate{}, idErr(op, err)
	}
	memberID, err := newID()
	if err != nil {
		return Aggregate{}, idErr(op, err)
	}
	return Aggregate{
		Group: Group{
			ID:           groupID,
			Name:         spec.name,
			Description:  spec.description,
			Amount:       spec.amount,
			Currency:     spec.currency,
			Frequency:    spec.frequency,
			IntervalDays: spec.intervalDays,
			MaxMembers:   spec.maxMembers,
			InviteCode:   code,
			Status:       StatusDraft,
			CreatorID:    spec.creatorID,
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
		},
		Members: []Member{{
			ID:        memberID,
			GroupID:   groupID,
			UserID:    spec.creatorID,
			TurnOrder: 1,
			Status:    MemberActive,
			JoinedAt:  now,
		}},
	}, nil
}

// JoinResult is the member created (or reactivated) by JoinGroup and the updated group.
type JoinResult struct {
	Member Member
	View   GroupView
}

// JoinGroup enrolls userID in the DRAFT group identified by an invite code.
func (e *Engine) JoinGroup(ctx context.Context, code, userID string) (res JoinResult, err error) {
	const op = "tontine.JoinGroup"
	ctx, end := e.begin(ctx, "join_group")
	defer func() { end(err) }()

	userID, err = requireID(op, "user id", userID)
	if err != nil {
		return JoinResult{}, err
	}
	groupID, err := e.invites.Resolve(ctx, code)
	if err != nil {
		return JoinResult{}, err
	}
	now := e.now()

	var member Member
	agg, err := e.mutate(ctx, groupID, func(a *Aggregate) error {
		m, err := a.Enroll(userID, now, e.newID(now))
		member = m
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			e.invites.Forget(ctx, NormalizeInviteCode(code))
		}
		return JoinResult{}, err
	}

	e.log.Info("tontine.member.joined", "group_id", groupID, "member_id", member.ID, "turn_order", member.TurnOrder)
	ev := newEvent(EventMemberJoined, groupID, userID, now)
	ev.MemberID = member.ID
	e.emit(ctx, ev)
	return JoinResult{Member: member, View: NewGroupView(agg)}, nil
}

// LeaveGroup removes userID from a DRAFT group.
func (e *Engine) LeaveGroup(ctx context.Context, groupID, userID string) (view GroupView, err error) {
	ctx, end := e.begin(ctx, "leave_group", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	now := e.now()
	var left Member
	agg, err := e.mutate(ctx, groupID, func(a *Aggregate) error {
		m, err := a.Leave(userID, now)
		left = m
		return err
	})
	if err != nil {
		return GroupView{}, err
	}

	e.log.Info("tontine.member.left", "group_id", groupID, "member_id", left.ID)
	ev := newEvent(EventMemberLeft, groupID, userID, now)
	ev.MemberID = left.ID
	e.emit(ctx, ev)
	return NewGroupView(agg), nil
}

// ReorderMembers replaces the payout order of the active members.
func (e *Engine) ReorderMembers(ctx context.Context, in ReorderInput) (view GroupView, err error) {
	ctx, end := e.begin(ctx, "reorder_members", attribute.String("group.id", in.GroupID))
	defer func() { end(err) }()

	now := e.now()
	agg, err := e.mutate(ctx, in.GroupID, func(a *Aggregate) error {
		return a.Reorder(in.RequesterID, in.MemberIDs, now)
	})
	if err != nil {
		return GroupView{}, err
	}
	e.log.Info("tontine.members.reordered", "group_id", in.GroupID)
	return NewGroupView(agg), nil
}

// StartGroup activates a DRAFT group and creates its first round in the same transaction.
func (e *Engine) StartGroup(ctx context.Context, groupID, actorID string) (view GroupView, err error) {
	ctx, end := e.begin(ctx, "start_group", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	now := e.now()
	var first Round
	agg, err := e.mutate(ctx, groupID, func(a *Aggregate) error {
		r, err := a.Start(actorID, now, e.newID(now))
		first = r
		return err
	})
	if err != nil {
		return GroupView{}, err
	}

	e.log.Info("tontine.group.started", "group_id", groupID, "round_number", first.Number, "due_date", first.DueDate)
	ev := newEvent(EventGroupStarted, groupID, actorID, now)
	ev.RoundNumber = first.Number
	ev.RecipientID = first.RecipientID
	ev.Amount = first.Amount
	e.emit(ctx, ev)
	return NewGroupView(agg), nil
}

// PaymentResult is the contribution marked paid, its round after recomputation and the updated group.
type PaymentResult struct {
	Contribution Contribution
	Round        Round
	View         GroupView
}

// MarkContributionPaid records a member's payment for a round. Repeating the call is harmless.
func (e *Engine) MarkContributionPaid(ctx context.Context, groupID, contributionID, actorID string) (res PaymentResult, err error) {
	ctx, end := e.begin(ctx, "mark_contribution_paid", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	now := e.now()
	var (
		contrib Contribution
		round   Round
		changed bool
	)
	agg, err := e.mutate(ctx, groupID, func(a *Aggregate) error {
		wasPaid := a.contributionStatus(contributionID) == ContributionPaid
		c, r, err := a.MarkPaid(contributionID, actorID, now)
		contrib, round = c, r
		changed = err == nil && !wasPaid
		return err
	})
	if err != nil {
		return PaymentResult{}, err
	}

	if changed {
		e.log.Info("tontine.contribution.paid", "group_id", groupID, "round_number", round.Number,
			"contribution_id", contrib.ID, "collected", round.CollectedAmount, "amount", round.Amount)
		ev := newEvent(EventContributionPaid, groupID, actorID, now)
		ev.RoundNumber = round.Number
		ev.MemberID = contrib.MemberID
		ev.ContributionID = contrib.ID
		ev.Amount = contrib.Amount
		e.emit(ctx, ev)
	}
	return PaymentResult{Contribution: contrib, Round: round, View: NewGroupView(agg)}, nil
}

// AdvanceResult reports whether a new round was created or the group completed.
type AdvanceResult struct {
	Advanced  bool
	Completed bool
	Round     *Round
	View      GroupView
}

// ConfirmPayout marks the round's recipient as having received the pot and advances the group
// in the same transaction. Confirming a round that is already closed returns the current state.
func (e *Engine) ConfirmPayout(ctx context.Context, in ConfirmPayoutInput) (res AdvanceResult, err error) {
	ctx, end := e.begin(ctx, "confirm_payout", attribute.String("group.id", in.GroupID))
	defer func() { end(err) }()

	now := e.now()
	var out AdvanceOutcome
	agg, err := e.mutate(ctx, in.GroupID, func(a *Aggregate) error {
		out = AdvanceOutcome{}
		r, err := a.MarkRecipientReceived(in.RoundID, in.ActorID, in.AcceptShortfall, now)
		if err != nil {
			return err
		}
		if cur, _ := a.CurrentRound(); cur.ID != r.ID {
			return nil
		}
		out, err = a.Advance(now, e.newID(now))
		return err
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	return e.advanced(ctx, in.GroupID, in.ActorID, now, out, agg), nil
}

// Advance creates the next round after the current one was paid out, or completes the group.
func (e *Engine) Advance(ctx context.Context, groupID string) (res AdvanceResult, err error) {
	ctx, end := e.begin(ctx, "advance", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	now := e.now()
	var out AdvanceOutcome
	agg, err := e.mutate(ctx, groupID, func(a *Aggregate) error {
		o, err := a.Advance(now, e.newID(now))
		out = o
		return err
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	return e.advanced(ctx, groupID, "", now, out, agg), nil
}

func (e *Engine) advanced(ctx context.Context, groupID, actorID string, now time.Time, out AdvanceOutcome, agg Aggregate) AdvanceResult {
	res := AdvanceResult{Advanced: out.Advanced, Completed: out.Completed, View: NewGroupView(agg)}
	if !out.Advanced {
		return res
	}
	if out.Completed {
		e.log.Info("tontine.group.completed", "group_id", groupID, "rounds", len(agg.Rounds))
		e.emit(ctx, newEvent(EventGroupCompleted, groupID, actorID, now))
		return res
	}
	r := out.Round
	res.Round = &r
	e.log.Info("tontine.round.advanced", "group_id", groupID, "round_number", r.Number, "due_date", r.DueDate)
	ev := newEvent(EventRoundAdvanced, groupID, actorID, now)
	ev.RoundNumber = r.Number
	ev.RecipientID = r.RecipientID
	ev.Amount = r.Amount
	e.emit(ctx, ev)
	return res
}

// CancelGroup stops a DRAFT or ACTIVE group.
func (e *Engine) CancelGroup(ctx context.Context, groupID, actorID string) (view GroupView, err error) {
	ctx, end := e.begin(ctx, "cancel_group", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	now := e.now()
	agg, err := e.mutate(ctx, groupID, func(a *Aggregate) error {
		return a.Cancel(actorID, now)
	})
	if err != nil {
		return GroupView{}, err
	}
	e.log.Info("tontine.group.cancelled", "group_id", groupID)
	e.emit(ctx, newEvent(EventGroupCancelled, groupID, actorID, now))
	return NewGroupView(agg), nil
}

// DeleteGroup removes a DRAFT group with all its members and frees its invite code.
func (e *Engine) DeleteGroup(ctx context.Context, groupID, actorID string) (err error) {
	ctx, end := e.begin(ctx, "delete_group", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	agg, err := retry(ctx, e, func() (Aggregate, error) {
		return e.store.Delete(ctx, groupID, func(a Aggregate) error {
			return a.CanDelete(actorID)
		})
	})
	if err != nil {
		return err
	}
	e.invites.Forget(ctx, agg.Group.InviteCode)
	e.log.Info("tontine.group.deleted", "group_id", groupID)
	e.emit(ctx, newEvent(EventGroupDeleted, groupID, actorID, e.now()))
	return nil
}

// GetGroup returns the group for one of its active members.
func (e *Engine) GetGroup(ctx context.Context, groupID, requesterID string) (view GroupView, err error) {
	const op = "tontine.GetGroup"
	ctx, end := e.begin(ctx, "get_group", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	agg, err := e.store.Load(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	if !agg.IsActiveMember(requesterID) {
		return GroupView{}, forbidden(op, "not a member of this group")
	}
	return NewGroupView(agg), nil
}

// ListGroups returns the groups userID actively participates in.
func (e *Engine) ListGroups(ctx context.Context, userID string) (groups []Group, err error) {
	const op = "tontine.ListGroups"
	ctx, end := e.begin(ctx, "list_groups")
	defer func() { end(err) }()

	userID, err = requireID(op, "user id", userID)
	if err != nil {
		return nil, err
	}
	return e.store.ListGroupsForUser(ctx, userID)
}

// MarkOverdue flags the open round's pending contributions as LATE once it is past due. Creator only.
func (e *Engine) MarkOverdue(ctx context.Context, groupID, actorID string) (view GroupView, err error) {
	const op = "tontine.MarkOverdue"
	ctx, end := e.begin(ctx, "mark_overdue", attribute.String("group.id", groupID))
	defer func() { end(err) }()

	agg, _, err := e.markOverdue(ctx, groupID, actorID, func(a *Aggregate) error {
		if a.Group.CreatorID != actorID {
			return forbidden(op, "only the creator can flag overdue contributions")
		}
		return nil
	})
	if err != nil {
		return GroupView{}, err
	}
	return NewGroupView(agg), nil
}

// SweepOverdue runs MarkOverdue for every group with an overdue open round and returns how many
// contributions were flagged. Failures on one group do not stop the sweep.
func (e *Engine) SweepOverdue(ctx context.Context) (flagged int, err error) {
	ctx, end := e.begin(ctx, "sweep_overdue")
	defer func() { end(err) }()

	groupIDs, err := e.store.ListOverdueGroups(ctx, e.now())
	if err != nil {
		return 0, err
	}
	for _, id := range groupIDs {
		if err := ctx.Err(); err != nil {
			return flagged, err
		}
		_, n, err := e.markOverdue(ctx, id, "", nil)
		if err != nil {
			e.log.Warn("tontine.overdue.sweep_failed", "group_id", id, "err", err)
			continue
		}
		flagged += n
	}
	return flagged, nil
}

func (e *Engine) markOverdue(ctx context.Context, groupID, actorID string, check func(*Aggregate) error) (Aggregate, int, error) {
	now := e.now()
	var n int
	agg, err := e.mutate(ctx, groupID, func(a *Aggregate) error {
		n = 0
		if check != nil {
			if err := check(a); err != nil {
				return err
			}
		}
		n = a.MarkLate(now)
		return nil
	})
	if err != nil {
		return Aggregate{}, 0, err
	}
	if n > 0 {
		cur, _ := agg.CurrentRound()
		e.log.Info("tontine.contributions.overdue", "group_id", groupID, "round_number", cur.Number, "count", n)
		ev := newEvent(EventContributionsOverdue, groupID, actorID, now)
		ev.RoundNumber = cur.Number
		ev.Count = n
		e.emit(ctx, ev)
	}
	return agg, n, nil
}

func (e *Engine) mutate(ctx context.Context, groupID string, fn func(*Aggregate) error) (Aggregate, error) {
	const op = "tontine.Engine.mutate"
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return Aggregate{}, invalid(op, "group id is required")
	}
	return retry(ctx, e, func() (Aggregate, error) {
		return e.store.Mutate(ctx, groupID, fn)
	})
}

// retry re-runs fn while it fails with a conflict, up to the engine's attempt budget.
func retry[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialBackoff
	b.MaxInterval = 20 * e.initialBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !IsConflict(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			e.log.Debug("tontine.conflict.retry", "err", err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.maxAttempts))
}

func (e *Engine) newID(now time.Time) IDSource {
	return func() (string, error) { return e.mintID(now) }
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	e.notifier.Notify(context.WithoutCancel(ctx), ev)
}

func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "tontine."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ErrorKind(err))
		}
		span.End()
		if e.observer != nil {
			e.observer.ObserveOperation(op, err, time.Since(start))
		}
	}
}
