package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// synchronous=FULL: a committed status change must survive power loss,
	// recovery reads it back.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(%d)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; status transitions are serialized by the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const reminderCols = `id, owner_id, task, fire_at, created_at, status, fired_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (reminder.Reminder, error) {
	var (
		r                 reminder.Reminder
		fireAt, createdAt string
		status            string
		firedAt, cancAt   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Task, &fireAt, &createdAt, &status, &firedAt, &cancAt); err != nil {
		return reminder.Reminder{}, err
	}
	var err error
	if r.FireAt, err = time.Parse(time.RFC3339Nano, fireAt); err != nil {
		return reminder.Reminder{}, fmt.Errorf("reminder %d: fire_at: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return reminder.Reminder{}, fmt.Errorf("reminder %d: created_at: %w", r.ID, err)
	}
	r.Status = reminder.Status(status)
	r.FiredAt = parseNullTime(firedAt)
	r.CancelledAt = parseNullTime(cancAt)
	return r, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func (s *sqliteStore) Create(ctx context.Context, ownerID, task string, fireAt time.Time) (reminder.Reminder, error) {
	if err := reminder.Validate(ownerID, task, fireAt); err != nil {
		return reminder.Reminder{}, err
	}
	now := time.Now().Round(0)
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO reminders(owner_id, task, fire_at, fire_at_ns, created_at, status)
		 VALUES(?,?,?,?,?,?)
		 RETURNING `+reminderCols,
		ownerID, task, formatTime(fireAt), fireAt.UnixNano(), formatTime(now), string(reminder.StatusPending),
	)
	r, err := scanReminder(row)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, fmt.Errorf("%w: id %d", reminder.ErrNotFound, id)
	}
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("get reminder %d: %w", id, err)
	}
	return r, nil
}

func (s *sqliteStore) MarkFired(ctx context.Context, id int64) (reminder.Reminder, error) {
	return s.transition(ctx, id, reminder.StatusFired, "fired_at")
}

func (s *sqliteStore) MarkCancelled(ctx context.Context, id int64) (reminder.Reminder, error) {
	return s.transition(ctx, id, reminder.StatusCancelled, "cancelled_at")
}

// transition is a single conditional UPDATE; zero affected rows means the
// reminder is missing or no longer PENDING.
func (s *sqliteStore) transition(ctx context.Context, id int64, to reminder.Status, stampCol string) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE reminders SET status = ?, `+stampCol+` = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+reminderCols,
		string(to), formatTime(time.Now().Round(0)), id, string(reminder.StatusPending),
	)
	r, err := scanReminder(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, fmt.Errorf("mark %s %d: %w", strings.ToLower(string(to)), id, err)
	}
	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return reminder.Reminder{}, gerr
	}
	return cur, fmt.Errorf("%w: %d is %s", reminder.ErrInvalidTransition, id, cur.Status)
}

func (s *sqliteStore) ListPending(ctx context.Context, before *time.Time) ([]reminder.Reminder, error) {
	q := `SELECT ` + reminderCols + ` FROM reminders WHERE status = ?`
	args := []any{string(reminder.StatusPending)}
	if before != nil {
		q += ` AND fire_at_ns <= ?`
		args = append(args, before.UnixNano())
	}
	q += ` ORDER BY fire_at_ns ASC, id ASC`
	return s.queryReminders(ctx, q, args...)
}

func (s *sqliteStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]reminder.Reminder, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE owner_id = ? ORDER BY id DESC LIMIT ?`,
		ownerID, limit,
	)
}

func (s *sqliteStore) queryReminders(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Append(ctx context.Context, ownerID, message string) (ConversationEntry, error) {
	if strings.TrimSpace(ownerID) == "" {
		return ConversationEntry{}, fmt.Errorf("%w: owner_id is empty", reminder.ErrValidation)
	}
	e := ConversationEntry{OwnerID: ownerID, Message: message, CreatedAt: time.Now().Round(0)}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation(owner_id, message, created_at, created_at_ns) VALUES(?,?,?,?)`,
		e.OwnerID, e.Message, formatTime(e.CreatedAt), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return ConversationEntry{}, fmt.Errorf("append conversation: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return e, nil
}

func (s *sqliteStore) LastN(ctx context.Context, ownerID string, n int) ([]ConversationEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, message, created_at FROM (
		   SELECT id, owner_id, message, created_at, created_at_ns FROM conversation
		   WHERE owner_id = ? ORDER BY created_at_ns DESC, id DESC LIMIT ?
		 ) ORDER BY created_at_ns ASC, id ASC`,
		ownerID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()
	var out []ConversationEntry
	for rows.Next() {
		var (
			e  ConversationEntry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Message, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation WHERE created_at_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune conversation: %w", err)
	}
	return res.RowsAffected()
}
