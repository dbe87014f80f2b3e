// Package sqlite stores profiles and the interaction log in a SQLite
// database through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/profile"
	"github.com/m-mizutani/goerr/v2"

	_ "modernc.org/sqlite"
)

// Store implements profile.Repository and profile.InteractionLog.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", path))
	}
	// SQLite serializes writers; one connection also keeps ":memory:"
	// pointing at a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("path", path))
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		persona TEXT NOT NULL DEFAULT '[]',
		last_consolidation TEXT NOT NULL DEFAULT '',
		pending_knowledge TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		scope_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_user_time ON messages(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_user_scope ON messages(user_id, scope_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return goerr.Wrap(err, "failed to migrate database")
	}

	// Databases created before pending knowledge was stored lack the column.
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('profiles') WHERE name = 'pending_knowledge'`,
	).Scan(&n); err != nil {
		return goerr.Wrap(err, "failed to inspect profiles table")
	}
	if n == 0 {
		if _, err := s.db.Exec(`ALTER TABLE profiles ADD COLUMN pending_knowledge TEXT NOT NULL DEFAULT '[]'`); err != nil {
			return goerr.Wrap(err, "failed to add pending_knowledge column")
		}
	}
	return nil
}

// Get implements profile.Repository.
func (s *Store) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	var persona, watermark, pending string
	err := s.db.QueryRowContext(ctx,
		`SELECT persona, last_consolidation, pending_knowledge FROM profiles WHERE user_id = ?`, userID,
	).Scan(&persona, &watermark, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("user not found", goerr.V("user_id", userID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load profile", goerr.V("user_id", userID))
	}

	p := &profile.Profile{
		UserID:  userID,
		Persona: profile.DecodePersona(persona),
	}
	if watermark != "" {
		ts, err := core.ParseTime(watermark)
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt watermark", goerr.V("user_id", userID))
		}
		p.LastConsolidation = ts
	}
	if err := json.Unmarshal([]byte(pending), &p.PendingKnowledge); err != nil {
		return nil, goerr.Wrap(err, "corrupt pending knowledge", goerr.V("user_id", userID))
	}
	return p, nil
}

// Create implements profile.Repository.
func (s *Store) Create(ctx context.Context, userID string) (*profile.Profile, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`, userID,
	); err != nil {
		return nil, goerr.Wrap(err, "failed to create profile", goerr.V("user_id", userID))
	}
	return s.Get(ctx, userID)
}

// Save implements profile.Repository.
func (s *Store) Save(ctx context.Context, userID string, persona profile.Persona, watermark time.Time, pending []string) error {
	if pending == nil {
		pending = []string{}
	}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return goerr.Wrap(err, "failed to encode pending knowledge", goerr.V("user_id", userID))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT last_consolidation FROM profiles WHERE user_id = ?`, userID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return goerr.Wrap(err, "failed to read watermark", goerr.V("user_id", userID))
	case current != "":
		prev, err := core.ParseTime(current)
		if err != nil {
			return goerr.Wrap(err, "corrupt watermark", goerr.V("user_id", userID))
		}
		if err := profile.CheckWatermark(userID, prev, watermark); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, persona, last_consolidation, pending_knowledge) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			persona = excluded.persona,
			last_consolidation = excluded.last_consolidation,
			pending_knowledge = excluded.pending_knowledge`,
		userID, persona.Encode(), core.FormatTime(watermark), string(encoded),
	); err != nil {
		return goerr.Wrap(err, "failed to save profile", goerr.V("user_id", userID))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit profile", goerr.V("user_id", userID))
	}
	return nil
}

// ClearPending implements profile.Repository.
func (s *Store) ClearPending(ctx context.Context, userID string, watermark time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET pending_knowledge = '[]' WHERE user_id = ? AND last_consolidation = ?`,
		userID, core.FormatTime(watermark),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to clear pending knowledge", goerr.V("user_id", userID))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.Get(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// Users implements profile.Repository.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan user")
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to list users")
	}
	return users, nil
}

// Append implements profile.InteractionLog.
func (s *Store) Append(ctx context.Context, msg *profile.Message) (int64, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, scope_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.UserID, msg.ScopeID, string(msg.Role), msg.Content, core.FormatTime(msg.Timestamp),
	)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to append message", goerr.V("user_id", msg.UserID))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read message id")
	}
	msg.ID = id
	return id, nil
}

// MessagesSince implements profile.InteractionLog.
func (s *Store) MessagesSince(ctx context.Context, userID string, since time.Time) ([]*profile.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, scope_id, role, content, created_at FROM messages
		WHERE user_id = ? AND created_at > ?
		ORDER BY created_at, id`,
		userID, core.FormatTime(since),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages", goerr.V("user_id", userID))
	}
	return scanMessages(rows)
}

// History implements profile.InteractionLog.
func (s *Store) History(ctx context.Context, userID, scopeID string, limit int) ([]*profile.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, scope_id, role, content, created_at FROM (
			SELECT * FROM messages
			WHERE user_id = ? AND scope_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY created_at, id`,
		userID, scopeID, limit,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query history",
			goerr.V("user_id", userID), goerr.V("scope_id", scopeID))
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*profile.Message, error) {
	defer rows.Close()

	var msgs []*profile.Message
	for rows.Next() {
		var (
			m        profile.Message
			role, ts string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ScopeID, &role, &m.Content, &ts); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message")
		}
		m.Role = core.Role(role)
		created, err := core.ParseTime(ts)
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt message timestamp", goerr.V("id", m.ID))
		}
		m.Timestamp = created
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read messages")
	}
	return msgs, nil
}
