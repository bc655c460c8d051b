package tontine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS groups (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    description   TEXT,
    amount        INTEGER NOT NULL CHECK (amount > 0),
    currency      TEXT NOT NULL,
    frequency     TEXT NOT NULL,
    interval_days INTEGER,
    max_members   INTEGER NOT NULL,
    invite_code   TEXT NOT NULL UNIQUE,
    status        TEXT NOT NULL,
    creator_id    TEXT NOT NULL,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    start_date    INTEGER,
    version       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS members (
    id           TEXT PRIMARY KEY,
    group_id     TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    turn_order   INTEGER,
    status       TEXT NOT NULL,
    has_received INTEGER NOT NULL DEFAULT 0,
    joined_at    INTEGER NOT NULL,
    received_at  INTEGER,
    left_at      INTEGER,
    UNIQUE (group_id, user_id),
    UNIQUE (group_id, turn_order),
    FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS rounds (
    id               TEXT PRIMARY KEY,
    group_id         TEXT NOT NULL,
    round_number     INTEGER NOT NULL,
    due_date         INTEGER NOT NULL,
    amount           INTEGER NOT NULL,
    collected_amount INTEGER NOT NULL DEFAULT 0,
    recipient_id     TEXT NOT NULL,
    is_paid          INTEGER NOT NULL DEFAULT 0,
    paid_at          INTEGER,
    created_at       INTEGER NOT NULL,
    UNIQUE (group_id, round_number),
    FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE,
    FOREIGN KEY (recipient_id) REFERENCES members(id)
);

CREATE TABLE IF NOT EXISTS contributions (
    id        TEXT PRIMARY KEY,
    round_id  TEXT NOT NULL,
    member_id TEXT NOT NULL,
    amount    INTEGER NOT NULL,
    status    TEXT NOT NULL,
    paid_at   INTEGER,
    UNIQUE (round_id, member_id),
    FOREIGN KEY (round_id) REFERENCES rounds(id) ON DELETE CASCADE,
    FOREIGN KEY (member_id) REFERENCES members(id)
);

CREATE INDEX IF NOT EXISTS idx_members_user_id ON members(user_id);
CREATE INDEX IF NOT EXISTS idx_rounds_group_id ON rounds(group_id);
CREATE INDEX IF NOT EXISTS idx_contributions_round_id ON contributions(round_id);
`

// SQLiteStore is a single-node Store backed by an embedded SQLite database.
//
// Writes run in BEGIN IMMEDIATE transactions and check the group version before committing,
// so a lost update surfaces as a ConflictError instead of being silently overwritten.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("tontine: empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Create(ctx context.Context, agg Aggregate) error {
	const op = "tontine.SQLiteStore.Create"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(agg.Group.ID) == "" || strings.TrimSpace(agg.Group.InviteCode) == "" {
		return invalid(op, "group id and invite code are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteClassify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	g := agg.Group
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO groups (
		     id, name, description, amount, currency, frequency, interval_days, max_members,
		     invite_code, status, creator_id, created_at, updated_at, start_date, version
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, nullString(g.Description), g.Amount, g.Currency, string(g.Frequency), nullInt(g.IntervalDays), g.MaxMembers,
		g.InviteCode, string(g.Status), g.CreatorID, unixNano(g.CreatedAt), unixNano(g.UpdatedAt), nullTime(g.StartDate), g.Version,
	); err != nil {
		return sqliteClassify(op, err)
	}
	for _, m := range agg.Members {
		if err := insertMemberSQLite(ctx, tx, m); err != nil {
			return sqliteClassify(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sqliteClassify(op, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, groupID string) (Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Aggregate{}, sqliteClassify("tontine.SQLiteStore.Load", err)
	}
	defer func() { _ = tx.Rollback() }()
	return loadSQLite(ctx, tx, groupID)
}

func (s *SQLiteStore) Mutate(ctx context.Context, groupID string, fn func(*Aggregate) error) (Aggregate, error) {
	const op = "tontine.SQLiteStore.Mutate"
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Aggregate{}, sqliteClassify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := loadSQLite(ctx, tx, groupID)
	if err != nil {
		return Aggregate{}, err
	}
	work := before.Clone()
	if err := fn(&work); err != nil {
		return Aggregate{}, err
	}
	cs := diffAggregates(before, work)
	if cs.empty() {
		return work, nil
	}

	work.Group.Version = before.Group.Version + 1
	if err := applySQLite(ctx, tx, before.Group.Version, work, cs); err != nil {
		return Aggregate{}, sqliteClassify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Aggregate{}, sqliteClassify(op, err)
	}
	return work, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, groupID string, guard func(Aggregate) error) (Aggregate, error) {
	const op = "tontine.SQLiteStore.Delete"
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Aggregate{}, sqliteClassify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	agg, err := loadSQLite(ctx, tx, groupID)
	if err != nil {
		return Aggregate{}, err
	}
	if guard != nil {
		if err := guard(agg.Clone()); err != nil {
			return Aggregate{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rounds WHERE group_id = ?`, groupID); err != nil {
		return Aggregate{}, sqliteClassify(op, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, groupID); err != nil {
		return Aggregate{}, sqliteClassify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Aggregate{}, sqliteClassify(op, err)
	}
	return agg, nil
}

func (s *SQLiteStore) GroupIDByInviteCode(ctx context.Context, code string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM groups WHERE invite_code = ?`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("tontine.SQLiteStore.GroupIDByInviteCode", "invite_code")
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns("g")+`
		   FROM groups g
		   JOIN members m ON m.group_id = g.id
		  WHERE m.user_id = ? AND m.status = 'ACTIVE'
		  ORDER BY g.created_at DESC, g.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroupSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListOverdueGroups(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id
		   FROM groups g
		   JOIN rounds r ON r.group_id = g.id
		  WHERE g.status = 'ACTIVE'
		    AND r.is_paid = 0
		    AND r.due_date < ?
		    AND r.round_number = (SELECT max(r2.round_number) FROM rounds r2 WHERE r2.group_id = g.id)
		    AND EXISTS (SELECT 1 FROM contributions c WHERE c.round_id = r.id AND c.status = 'PENDING')
		  ORDER BY g.id`,
		unixNano(now),
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

func loadSQLite(ctx context.Context, tx *sql.Tx, groupID string) (Aggregate, error) {
	const op = "tontine.SQLiteStore.Load"

	g, err := scanGroupSQLite(tx.QueryRowContext(ctx, `SELECT `+groupColumns("")+` FROM groups WHERE id = ?`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return Aggregate{}, notFound(op, "group")
	}
	if err != nil {
		return Aggregate{}, err
	}
	agg := Aggregate{Group: g}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, group_id, user_id, turn_order, status, has_received, joined_at, received_at, left_at
		   FROM members WHERE group_id = ?
		  ORDER BY turn_order IS NULL, turn_order, joined_at, id`,
		groupID,
	)
	if err != nil {
		return Aggregate{}, err
	}
	for rows.Next() {
		var (
			m                  Member
			turn               sql.NullInt64
			status             string
			joined             int64
			received, leftTime sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &turn, &status, &m.HasReceived, &joined, &received, &leftTime); err != nil {
			rows.Close()
			return Aggregate{}, err
		}
		m.TurnOrder = int(turn.Int64)
		m.Status = MemberStatus(status)
		m.JoinedAt = fromUnixNano(joined)
		m.ReceivedAt = fromNullTime(received)
		m.LeftAt = fromNullTime(leftTime)
		agg.Members = append(agg.Members, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Aggregate{}, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT id, group_id, round_number, due_date, amount, collected_amount, recipient_id, is_paid, paid_at, created_at
		   FROM rounds WHERE group_id = ? ORDER BY round_number`,
		groupID,
	)
	if err != nil {
		return Aggregate{}, err
	}
	for rows.Next() {
		var (
			r            Round
			due, created int64
			paid         sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.GroupID, &r.Number, &due, &r.Amount, &r.CollectedAmount, &r.RecipientID, &r.IsPaid, &paid, &created); err != nil {
			rows.Close()
			return Aggregate{}, err
		}
		r.DueDate = fromUnixNano(due)
		r.CreatedAt = fromUnixNano(created)
		r.PaidAt = fromNullTime(paid)
		agg.Rounds = append(agg.Rounds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Aggregate{}, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT c.id, c.round_id, c.member_id, c.amount, c.status, c.paid_at
		   FROM contributions c
		   JOIN rounds r ON r.id = c.round_id
		  WHERE r.group_id = ?
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
			paid   sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.RoundID, &c.MemberID, &c.Amount, &status, &paid); err != nil {
			return Aggregate{}, err
		}
		c.Status = ContributionStatus(status)
		c.PaidAt = fromNullTime(paid)
		agg.Contributions = append(agg.Contributions, c)
	}
	if err := rows.Err(); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

func applySQLite(ctx context.Context, tx *sql.Tx, prevVersion int64, agg Aggregate, cs changeSet) error {
	g := agg.Group
	res, err := tx.ExecContext(ctx,
		`UPDATE groups
		    SET name = ?, description = ?, status = ?, start_date = ?, updated_at = ?, version = ?
		  WHERE id = ? AND version = ?`,
		g.Name, nullString(g.Description), string(g.Status), nullTime(g.StartDate), unixNano(g.UpdatedAt), g.Version,
		g.ID, prevVersion,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ConflictError{Op: "tontine.SQLiteStore.Mutate", Field: "version"}
	}

	// Clear moved turn orders first; SQLite checks uniqueness row by row.
	for _, m := range cs.reorderedMembers {
		if _, err := tx.ExecContext(ctx, `UPDATE members SET turn_order = NULL WHERE id = ?`, m.ID); err != nil {
			return err
		}
	}
	for _, m := range cs.updateMembers {
		if _, err := tx.ExecContext(ctx,
			`UPDATE members
			    SET turn_order = ?, status = ?, has_received = ?, joined_at = ?, received_at = ?, left_at = ?
			  WHERE id = ?`,
			nullTurn(m.TurnOrder), string(m.Status), m.HasReceived, unixNano(m.JoinedAt), nullTime(m.ReceivedAt), nullTime(m.LeftAt),
			m.ID,
		); err != nil {
			return err
		}
	}
	for _, m := range cs.insertMembers {
		if err := insertMemberSQLite(ctx, tx, m); err != nil {
			return err
		}
	}

	for _, r := range cs.insertRounds {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rounds (
			     id, group_id, round_number, due_date, amount, collected_amount, recipient_id, is_paid, paid_at, created_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.GroupID, r.Number, unixNano(r.DueDate), r.Amount, r.CollectedAmount, r.RecipientID, r.IsPaid,
			nullTime(r.PaidAt), unixNano(r.CreatedAt),
		); err != nil {
			return err
		}
	}
	for _, r := range cs.updateRounds {
		if _, err := tx.ExecContext(ctx,
			`UPDATE rounds SET collected_amount = ?, is_paid = ?, paid_at = ? WHERE id = ?`,
			r.CollectedAmount, r.IsPaid, nullTime(r.PaidAt), r.ID,
		); err != nil {
			return err
		}
	}

	for _, c := range cs.insertContributions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contributions (id, round_id, member_id, amount, status, paid_at) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.RoundID, c.MemberID, c.Amount, string(c.Status), nullTime(c.PaidAt),
		); err != nil {
			return err
		}
	}
	for _, c := range cs.updateContributions {
		if _, err := tx.ExecContext(ctx,
			`UPDATE contributions SET status = ?, paid_at = ? WHERE id = ?`,
			string(c.Status), nullTime(c.PaidAt), c.ID,
		); err != nil {
			return err
		}
	}
	return nil
}

func insertMemberSQLite(ctx context.Context, tx *sql.Tx, m Member) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO members (
		     id, group_id, user_id, turn_order, status, has_received, joined_at, received_at, left_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.UserID, nullTurn(m.TurnOrder), string(m.Status), m.HasReceived,
		unixNano(m.JoinedAt), nullTime(m.ReceivedAt), nullTime(m.LeftAt),
	)
	return err
}

func scanGroupSQLite(row rowScanner) (Group, error) {
	var (
		g                   Group
		desc                sql.NullString
		interval, startDate sql.NullInt64
		frequency, status   string
		created, updated    int64
	)
	err := row.Scan(
		&g.ID, &g.Name, &desc, &g.Amount, &g.Currency, &frequency, &interval, &g.MaxMembers,
		&g.InviteCode, &status, &g.CreatorID, &created, &updated, &startDate, &g.Version,
	)
	if err != nil {
		return Group{}, err
	}
	if desc.Valid {
		g.Description = &desc.String
	}
	if interval.Valid {
		v := int(interval.Int64)
		g.IntervalDays = &v
	}
	g.Frequency = Frequency(frequency)
	g.Status = GroupStatus(status)
	g.CreatedAt = fromUnixNano(created)
	g.UpdatedAt = fromUnixNano(updated)
	g.StartDate = fromNullTime(startDate)
	return g, nil
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTurn(n int) sql.NullInt64 {
	if n <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func sqliteClassify(op string, err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		if !strings.Contains(se.Error(), "UNIQUE") {
			return err
		}
		if strings.Contains(se.Error(), "invite_code") {
			return ConflictError{Op: op, Field: "invite_code"}
		}
		return ConflictError{Op: op, Field: "group"}
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return ConflictError{Op: op, Field: "group"}
	}
	return err
}
