package timer

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store handles timer persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a timer store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// fire_at and last_fired_at are unix milliseconds so the due query can
// compare them numerically.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS timers (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		timer_type       TEXT NOT NULL CHECK(timer_type IN ('interval', 'once')),
		interval_seconds INTEGER,
		fire_at          INTEGER NOT NULL,
		last_fired_at    INTEGER,
		content          TEXT NOT NULL,
		max_tool_calls   INTEGER NOT NULL DEFAULT 15,
		enabled          INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_timers_enabled ON timers(enabled);
	CREATE INDEX IF NOT EXISTS idx_timers_fire_at ON timers(fire_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Create validates spec and persists a new enabled timer. Interval
// timers first fire one interval from now; once timers fire at FireAt.
func (s *Store) Create(spec Spec) (*Timer, error) {
	now := s.now()
	t := &Timer{
		ID:           NewID(),
		Name:         spec.Name,
		Type:         spec.Type,
		Content:      spec.Content,
		MaxToolCalls: spec.MaxToolCalls,
		Enabled:      true,
		CreatedAt:    now,
	}
	if t.MaxToolCalls <= 0 {
		t.MaxToolCalls = DefaultMaxToolCalls
	}

	switch spec.Type {
	case KindInterval:
		if spec.IntervalSeconds == nil || *spec.IntervalSeconds <= 0 {
			return nil, errors.New("interval timer requires interval_seconds > 0")
		}
		secs := *spec.IntervalSeconds
		t.IntervalSeconds = &secs
		t.FireAt = now.Add(time.Duration(secs) * time.Second)
	case KindOnce:
		if spec.FireAt == nil {
			return nil, errors.New("once timer requires fire_at")
		}
		t.FireAt = *spec.FireAt
	default:
		return nil, fmt.Errorf("unknown timer_type: %q", spec.Type)
	}

	_, err := s.db.Exec(`
		INSERT INTO timers (id, name, timer_type, interval_seconds, fire_at, last_fired_at,
			content, max_tool_calls, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, 1, ?)
	`, t.ID, t.Name, string(t.Type), t.IntervalSeconds, t.FireAt.UnixMilli(),
		t.Content, t.MaxToolCalls, t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert timer: %w", err)
	}
	return t, nil
}

// Get retrieves a timer by ID. Returns nil, nil when it does not exist.
func (s *Store) Get(id string) (*Timer, error) {
	row := s.db.QueryRow(`SELECT `+timerColumns+` FROM timers WHERE id = ?`, id)
	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// Delete removes a timer and reports whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM timers WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns timers newest first, optionally including disabled ones.
func (s *Store) List(includeDisabled bool) ([]*Timer, error) {
	query := `SELECT ` + timerColumns + ` FROM timers`
	if !includeDisabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at DESC`
	return s.query(query)
}

// Due returns the enabled timers whose fire time is at or before now.
func (s *Store) Due(now time.Time) ([]*Timer, error) {
	return s.query(`SELECT `+timerColumns+` FROM timers
		WHERE enabled = 1 AND fire_at <= ? ORDER BY fire_at ASC`, now.UnixMilli())
}

// MarkFired records a firing. Interval timers are re-armed one interval
// after now; once timers are disabled. Unknown ids are ignored.
func (s *Store) MarkFired(id string, now time.Time) error {
	var (
		kind     string
		interval sql.NullInt64
	)
	err := s.db.QueryRow(`SELECT timer_type, interval_seconds FROM timers WHERE id = ?`, id).
		Scan(&kind, &interval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load timer %s: %w", id, err)
	}

	if Kind(kind) == KindInterval && interval.Valid {
		next := now.Add(time.Duration(interval.Int64) * time.Second)
		_, err = s.db.Exec(`UPDATE timers SET last_fired_at = ?, fire_at = ? WHERE id = ?`,
			now.UnixMilli(), next.UnixMilli(), id)
	} else {
		_, err = s.db.Exec(`UPDATE timers SET last_fired_at = ?, enabled = 0 WHERE id = ?`,
			now.UnixMilli(), id)
	}
	if err != nil {
		return fmt.Errorf("mark timer %s fired: %w", id, err)
	}
	return nil
}

const timerColumns = `id, name, timer_type, interval_seconds, fire_at, last_fired_at,
	content, max_tool_calls, enabled, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) query(query string, args ...any) ([]*Timer, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

func scanTimer(row scanner) (*Timer, error) {
	var (
		t         Timer
		kind      string
		interval  sql.NullInt64
		fireAt    int64
		lastFired sql.NullInt64
		enabled   int
		createdAt string
	)
	err := row.Scan(&t.ID, &t.Name, &kind, &interval, &fireAt, &lastFired,
		&t.Content, &t.MaxToolCalls, &enabled, &createdAt)
	if err != nil {
		return nil, err
	}

	t.Type = Kind(kind)
	if interval.Valid {
		secs := int(interval.Int64)
		t.IntervalSeconds = &secs
	}
	t.FireAt = time.UnixMilli(fireAt)
	if lastFired.Valid {
		lf := time.UnixMilli(lastFired.Int64)
		t.LastFiredAt = &lf
	}
	t.Enabled = enabled == 1
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &t, nil
}
