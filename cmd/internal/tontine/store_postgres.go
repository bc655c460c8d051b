package tontine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists group aggregates in PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Every write takes a transactional advisory lock keyed by the group id, then locks the group row.
//     Writers of the same group are serialized; different groups never contend.
//   - The group row carries a version that is bumped on every committed change.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the DB schema used by this store (default: "tontine").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("tontine: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return errors.New("tontine: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tontine",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("tontine: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresDDL(s.schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func postgresDDL(schema string) []string {
	groups := pgIdent(schema, "groups")
	members := pgIdent(schema, "members")
	rounds := pgIdent(schema, "rounds")
	contributions := pgIdent(schema, "contributions")

	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + groups + ` (
		   id            TEXT PRIMARY KEY,
		   name          TEXT NOT NULL,
		   description   TEXT NULL,
		   amount        BIGINT NOT NULL CHECK (amount > 0),
		   currency      TEXT NOT NULL,
		   frequency     TEXT NOT NULL CHECK (frequency IN ('WEEKLY','BIWEEKLY','MONTHLY','CUSTOM')),
		   interval_days INTEGER NULL,
		   max_members   INTEGER NOT NULL CHECK (max_members BETWEEN 2 AND 50),
		   invite_code   TEXT NOT NULL,
		   status        TEXT NOT NULL CHECK (status IN ('DRAFT','ACTIVE','COMPLETED','CANCELLED')),
		   creator_id    TEXT NOT NULL,
		   created_at    TIMESTAMPTZ NOT NULL,
		   updated_at    TIMESTAMPTZ NOT NULL,
		   start_date    TIMESTAMPTZ NULL,
		   version       BIGINT NOT NULL DEFAULT 1,
		   CONSTRAINT uq_groups_invite_code UNIQUE (invite_code)
		 )`,
		`CREATE TABLE IF NOT EXISTS ` + members + ` (
		   id           TEXT PRIMARY KEY,
		   group_id     TEXT NOT NULL REFERENCES ` + groups + ` (id) ON DELETE CASCADE,
		   user_id      TEXT NOT NULL,
		   turn_order   INTEGER NULL CHECK (turn_order > 0),
		   status       TEXT NOT NULL CHECK (status IN ('ACTIVE','LEFT')),
		   has_received BOOLEAN NOT NULL DEFAULT false,
		   joined_at    TIMESTAMPTZ NOT NULL,
		   received_at  TIMESTAMPTZ NULL,
		   left_at      TIMESTAMPTZ NULL,
		   CONSTRAINT uq_members_group_user UNIQUE (group_id, user_id),
		   CONSTRAINT uq_members_group_turn UNIQUE (group_id, turn_order)
		 )`,
		`CREATE INDEX IF NOT EXISTS members_user_active_idx ON ` + members + ` (user_id) WHERE status = 'ACTIVE'`,
		`CREATE TABLE IF NOT EXISTS ` + rounds + ` (
		   id               TEXT PRIMARY KEY,
		   group_id         TEXT NOT NULL REFERENCES ` + groups + ` (id) ON DELETE CASCADE,
		   round_number     INTEGER NOT NULL CHECK (round_number > 0),
		   due_date         TIMESTAMPTZ NOT NULL,
		   amount           BIGINT NOT NULL,
		   collected_amount BIGINT NOT NULL DEFAULT 0,
		   recipient_id     TEXT NOT NULL REFERENCES ` + members + ` (id),
		   is_paid          BOOLEAN NOT NULL DEFAULT false,
		   paid_at          TIMESTAMPTZ NULL,
		   created_at       TIMESTAMPTZ NOT NULL,
		   CONSTRAINT uq_rounds_group_number UNIQUE (group_id, round_number)
		 )`,
		`CREATE INDEX IF NOT EXISTS rounds_open_due_idx ON ` + rounds + ` (due_date) WHERE NOT is_paid`,
		`CREATE TABLE IF NOT EXISTS ` + contributions + ` (
		   id        TEXT PRIMARY KEY,
		   round_id  TEXT NOT NULL REFERENCES ` + rounds + ` (id) ON DELETE CASCADE,
		   member_id TEXT NOT NULL REFERENCES ` + members + ` (id),
		   amount    BIGINT NOT NULL,
		   status    TEXT NOT NULL CHECK (status IN ('PENDING','PAID','LATE','MISSED')),
		   paid_at   TIMESTAMPTZ NULL,
		   CONSTRAINT uq_contributions_round_member UNIQUE (round_id, member_id)
		 )`,
	}
}

func (s *PostgresStore) Create(ctx context.Context, agg Aggregate) error {
	const op = "tontine.PostgresStore.Create"
	if s == nil || s.pool == nil {
		return errors.New("tontine: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(agg.Group.ID) == "" || strings.TrimSpace(agg.Group.InviteCode) == "" {
		return invalid(op, "group id and invite code are required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.insertGroup(ctx, tx, agg.Group); err != nil {
		return pgClassify(op, err)
	}
	for _, m := range agg.Members {
		if err := s.insertMember(ctx, tx, m); err != nil {
			return pgClassify(op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return pgClassify(op, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, groupID string) (Aggregate, error) {
	if s == nil || s.pool == nil {
		return Aggregate{}, errors.New("tontine: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}
	return s.load(ctx, s.pool, groupID, false)
}

func (s *PostgresStore) Mutate(ctx context.Context, groupID string, fn func(*Aggregate) error) (Aggregate, error) {
	const op = "tontine.PostgresStore.Mutate"
	if s == nil || s.pool == nil {
		return Aggregate{}, errors.New("tontine: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Aggregate{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockGroup(ctx, tx, groupID); err != nil {
		return Aggregate{}, pgClassify(op, err)
	}
	before, err := s.load(ctx, tx, groupID, true)
	if err != nil {
		return Aggregate{}, err
	}

	work := before.Clone()
	if err := fn(&work); err != nil {
		return Aggregate{}, err
	}
	cs := diffAggregates(before, work)
	if cs.empty() {
		if err := tx.Commit(ctx); err != nil {
			return Aggregate{}, pgClassify(op, err)
		}
		return work, nil
	}

	work.Group.Version = before.Group.Version + 1
	if err := s.apply(ctx, tx, before.Group.Version, work, cs); err != nil {
		return Aggregate{}, pgClassify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Aggregate{}, pgClassify(op, err)
	}
	return work, nil
}

func (s *PostgresStore) Delete(ctx context.Context, groupID string, guard func(Aggregate) error) (Aggregate, error) {
	const op = "tontine.PostgresStore.Delete"
	if s == nil || s.pool == nil {
		return Aggregate{}, errors.New("tontine: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Aggregate{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockGroup(ctx, tx, groupID); err != nil {
		return Aggregate{}, pgClassify(op, err)
	}
	agg, err := s.load(ctx, tx, groupID, true)
	if err != nil {
		return Aggregate{}, err
	}
	if guard != nil {
		if err := guard(agg.Clone()); err != nil {
			return Aggregate{}, err
		}
	}

	rounds := pgIdent(s.schema, "rounds")
	groups := pgIdent(s.schema, "groups")
	// Rounds reference members without cascading; drop them first.
	if _, err := tx.Exec(ctx, `DELETE FROM `+rounds+` WHERE group_id = $1`, groupID); err != nil {
		return Aggregate{}, pgClassify(op, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+groups+` WHERE id = $1`, groupID); err != nil {
		return Aggregate{}, pgClassify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Aggregate{}, pgClassify(op, err)
	}
	return agg, nil
}

func (s *PostgresStore) GroupIDByInviteCode(ctx context.Context, code string) (string, error) {
	if s == nil || s.pool == nil {
		return "", errors.New("tontine: nil store")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	groups := pgIdent(s.schema, "groups")
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM `+groups+` WHERE invite_code = $1`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notFound("tontine.PostgresStore.GroupIDByInviteCode", "invite_code")
		}
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("tontine: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := pgIdent(s.schema, "groups")
	members := pgIdent(s.schema, "members")
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupColumns("g")+`
		   FROM `+groups+` g
		   JOIN `+members+` m ON m.group_id = g.id
		  WHERE m.user_id = $1
		    AND m.status = 'ACTIVE'
		  ORDER BY g.created_at DESC, g.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOverdueGroups(ctx context.Context, now time.Time) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("tontine: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := pgIdent(s.schema, "groups")
	rounds := pgIdent(s.schema, "rounds")
	contributions := pgIdent(s.schema, "contributions")
	rows, err := s.pool.Query(ctx,
		`SELECT g.id
		   FROM `+groups+` g
		   JOIN `+rounds+` r ON r.group_id = g.id
		  WHERE g.status = 'ACTIVE'
		    AND NOT r.is_paid
		    AND r.due_date < $1
		    AND r.round_number = (SELECT max(r2.round_number) FROM `+rounds+` r2 WHERE r2.group_id = g.id)
		    AND EXISTS (SELECT 1 FROM `+contributions+` c WHERE c.round_id = r.id AND c.status = 'PENDING')
		  ORDER BY g.id`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// lockGroup serializes writers of one group for the rest of the transaction.
func lockGroup(ctx context.Context, tx pgx.Tx, groupID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, groupID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) load(ctx context.Context, q pgQuerier, groupID string, forUpdate bool) (Aggregate, error) {
	const op = "tontine.PostgresStore.Load"
	groups := pgIdent(s.schema, "groups")
	members := pgIdent(s.schema, "members")
	rounds := pgIdent(s.schema, "rounds")
	contributions := pgIdent(s.schema, "contributions")

	query := `SELECT ` + groupColumns("") + ` FROM ` + groups + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	g, err := scanGroup(q.QueryRow(ctx, query, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Aggregate{}, notFound(op, "group")
		}
		return Aggregate{}, err
	}
	agg := Aggregate{Group: g}

	rows, err := q.Query(ctx,
		`SELECT id, group_id, user_id, turn_order, status, has_received, joined_at, received_at, left_at
		   FROM `+members+`
		  WHERE group_id = $1
		  ORDER BY turn_order NULLS LAST, joined_at, id`,
		groupID,
	)
	if err != nil {
		return Aggregate{}, err
	}
	for rows.Next() {
		var (
			m      Member
			turn   *int32
			status string
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &turn, &status, &m.HasReceived, &m.JoinedAt, &m.ReceivedAt, &m.LeftAt); err != nil {
			rows.Close()
			return Aggregate{}, err
		}
		if turn != nil {
			m.TurnOrder = int(*turn)
		}
		m.Status = MemberStatus(status)
		agg.Members = append(agg.Members, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Aggregate{}, err
	}

	rows, err = q.Query(ctx,
		`SELECT id, group_id, round_number, due_date, amount, collected_amount, recipient_id, is_paid, paid_at, created_at
		   FROM `+rounds+`
		  WHERE group_id = $1
		  ORDER BY round_number`,
		groupID,
	)
	if err != nil {
		return Aggregate{}, err
	}
	for rows.Next() {
		var (
			r      Round
			number int32
		)
		if err := rows.Scan(&r.ID, &r.GroupID, &number, &r.DueDate, &r.Amount, &r.CollectedAmount, &r.RecipientID, &r.IsPaid, &r.PaidAt, &r.CreatedAt); err != nil {
			rows.Close()
			return Aggregate{}, err
		}
		r.Number = int(number)
		agg.Rounds = append(agg.Rounds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Aggregate{}, err
	}

	rows, err = q.Query(ctx,
		`SELECT c.id, c.round_id, c.member_id, c.amount, c.status, c.paid_at
		   FROM `+contributions+` c
		   JOIN `+rounds+` r ON r.id = c.round_id
		  WHERE r.group_id = $1
		  ORDER BY r.round_number, c.id`,
		groupID,
	)
	if err != nil {
		return Aggregate{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c      Contribution
			status string
		)
		if err := rows.Scan(&c.ID, &c.RoundID, &c.MemberID, &c.Amount, &status, &c.PaidAt); err != nil {
			return Aggregate{}, err
		}
		c.Status = ContributionStatus(status)
		agg.Contributions = append(agg.Contributions, c)
	}
	if err := rows.Err(); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

func (s *PostgresStore) apply(ctx context.Context, tx pgx.Tx, prevVersion int64, agg Aggregate, cs changeSet) error {
	groups := pgIdent(s.schema, "groups")
	members := pgIdent(s.schema, "members")
	rounds := pgIdent(s.schema, "rounds")
	contributions := pgIdent(s.schema, "contributions")
	g := agg.Group

	tag, err := tx.Exec(ctx,
		`UPDATE `+groups+`
		    SET name = $3, description = $4, status = $5, start_date = $6, updated_at = $7, version = $8
		  WHERE id = $1 AND version = $2`,
		g.ID, prevVersion, g.Name, g.Description, string(g.Status), g.StartDate, g.UpdatedAt, g.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ConflictError{Op: "tontine.PostgresStore.Mutate", Field: "version"}
	}

	if len(cs.reorderedMembers) > 0 {
		moved := make([]string, 0, len(cs.reorderedMembers))
		for _, m := range cs.reorderedMembers {
			moved = append(moved, m.ID)
		}
		if _, err := tx.Exec(ctx, `UPDATE `+members+` SET turn_order = NULL WHERE id = ANY($1)`, moved); err != nil {
			return err
		}
	}
	for _, m := range cs.updateMembers {
		if _, err := tx.Exec(ctx,
			`UPDATE `+members+`
			    SET turn_order = $2, status = $3, has_received = $4, joined_at = $5, received_at = $6, left_at = $7
			  WHERE id = $1`,
			m.ID, turnOrderArg(m.TurnOrder), string(m.Status), m.HasReceived, m.JoinedAt, m.ReceivedAt, m.LeftAt,
		); err != nil {
			return err
		}
	}
	for _, m := range cs.insertMembers {
		if err := s.insertMember(ctx, tx, m); err != nil {
			return err
		}
	}

	for _, r := range cs.insertRounds {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+rounds+` (
			     id, group_id, round_number, due_date, amount, collected_amount, recipient_id, is_paid, paid_at, created_at
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.GroupID, r.Number, r.DueDate, r.Amount, r.CollectedAmount, r.RecipientID, r.IsPaid, r.PaidAt, r.CreatedAt,
		); err != nil {
			return err
		}
	}
	for _, r := range cs.updateRounds {
		if _, err := tx.Exec(ctx,
			`UPDATE `+rounds+` SET collected_amount = $2, is_paid = $3, paid_at = $4 WHERE id = $1`,
			r.ID, r.CollectedAmount, r.IsPaid, r.PaidAt,
		); err != nil {
			return err
		}
	}

	for _, c := range cs.insertContributions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+contributions+` (id, round_id, member_id, amount, status, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.RoundID, c.MemberID, c.Amount, string(c.Status), c.PaidAt,
		); err != nil {
			return err
		}
	}
	for _, c := range cs.updateContributions {
		if _, err := tx.Exec(ctx,
			`UPDATE `+contributions+` SET status = $2, paid_at = $3 WHERE id = $1`,
			c.ID, string(c.Status), c.PaidAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) insertGroup(ctx context.Context, tx pgx.Tx, g Group) error {
	groups := pgIdent(s.schema, "groups")
	_, err := tx.Exec(ctx,
		`INSERT INTO `+groups+` (
		     id, name, description, amount, currency, frequency, interval_days, max_members,
		     invite_code, status, creator_id, created_at, updated_at, start_date, version
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		g.ID, g.Name, g.Description, g.Amount, g.Currency, string(g.Frequency), g.IntervalDays, g.MaxMembers,
		g.InviteCode, string(g.Status), g.CreatorID, g.CreatedAt, g.UpdatedAt, g.StartDate, g.Version,
	)
	return err
}

func (s *PostgresStore) insertMember(ctx context.Context, tx pgx.Tx, m Member) error {
	members := pgIdent(s.schema, "members")
	_, err := tx.Exec(ctx,
		`INSERT INTO `+members+` (
		     id, group_id, user_id, turn_order, status, has_received, joined_at, received_at, left_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.GroupID, m.UserID, turnOrderArg(m.TurnOrder), string(m.Status), m.HasReceived, m.JoinedAt, m.ReceivedAt, m.LeftAt,
	)
	return err
}

func groupColumns(alias string) string {
	cols := []string{
		"id", "name", "description", "amount", "currency", "frequency", "interval_days", "max_members",
		"invite_code", "status", "creator_id", "created_at", "updated_at", "start_date", "version",
	}
	if alias == "" {
		return strings.Join(cols, ", ")
	}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (Group, error) {
	var (
		g                 Group
		interval          *int32
		maxMembers        int32
		frequency, status string
	)
	err := row.Scan(
		&g.ID, &g.Name, &g.Description, &g.Amount, &g.Currency, &frequency, &interval, &maxMembers,
		&g.InviteCode, &status, &g.CreatorID, &g.CreatedAt, &g.UpdatedAt, &g.StartDate, &g.Version,
	)
	if err != nil {
		return Group{}, err
	}
	g.Frequency = Frequency(frequency)
	g.Status = GroupStatus(status)
	g.MaxMembers = int(maxMembers)
	if interval != nil {
		v := int(*interval)
		g.IntervalDays = &v
	}
	return g, nil
}

func turnOrderArg(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// pgClassify maps retryable and uniqueness failures to engine error kinds.
func pgClassify(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		switch strings.ToLower(pgErr.ConstraintName) {
		case "uq_groups_invite_code":
			return ConflictError{Op: op, Field: "invite_code"}
		case "groups_pkey":
			return ConflictError{Op: op, Field: "group"}
		default:
			return ConflictError{Op: op, Field: pgErr.ConstraintName}
		}
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return ConflictError{Op: op, Field: "group"}
	case "23503": // foreign_key_violation
		return NotFoundError{Op: op, Resource: pgErr.ConstraintName}
	}
	return err
}
