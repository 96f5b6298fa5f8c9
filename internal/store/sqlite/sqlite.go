package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/tgrelay/internal/store"
)

const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"

// Schema creates the preference tables. Whole-chat sources and targets keep
// topic_id = 0 so the (tg_id, chat_id, topic_id) uniqueness holds.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	tg_id       INTEGER PRIMARY KEY,
	filter_mode TEXT     NOT NULL DEFAULT 'all',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sources (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	tg_id    INTEGER NOT NULL,
	chat_id  INTEGER NOT NULL,
	topic_id INTEGER NOT NULL DEFAULT 0,
	title    TEXT    NOT NULL DEFAULT '',
	UNIQUE (tg_id, chat_id, topic_id),
	FOREIGN KEY (tg_id) REFERENCES users(tg_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS targets (
	tg_id    INTEGER PRIMARY KEY,
	chat_id  INTEGER NOT NULL,
	topic_id INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (tg_id) REFERENCES users(tg_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS filtered_users (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	tg_id        INTEGER NOT NULL,
	user_id      INTEGER NOT NULL,
	display_name TEXT    NOT NULL DEFAULT '',
	UNIQUE (tg_id, user_id),
	FOREIGN KEY (tg_id) REFERENCES users(tg_id) ON DELETE CASCADE
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLiteStore)(nil)

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup opens the database and runs setup before the first ping.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func topicToColumn(topicID *int64) int64 {
	if topicID == nil {
		return 0
	}
	return *topicID
}

func topicFromColumn(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// ==== UserStore implementation ====

// EnsureUser creates the user row if it does not exist yet.
func (s *SQLiteStore) EnsureUser(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO users (tg_id) VALUES (?)`, userID); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by platform id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (*store.User, error) {
	query := `
		SELECT tg_id, filter_mode, created_at
		FROM users
		WHERE tg_id = ?
	`
	var (
		user store.User
		mode string
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&user.ID, &mode, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.FilterMode = store.FilterMode(mode)
	return &user, nil
}

// ListUserIDs lists every known user.
func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tg_id FROM users ORDER BY tg_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetFilterMode returns the user's filter mode, FilterModeAll if unknown.
func (s *SQLiteStore) GetFilterMode(ctx context.Context, userID int64) (store.FilterMode, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT filter_mode FROM users WHERE tg_id = ?`, userID).Scan(&mode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.FilterModeAll, nil
		}
		return "", fmt.Errorf("query filter mode: %w", err)
	}
	if m := store.FilterMode(mode); m.Valid() {
		return m, nil
	}
	return store.FilterModeAll, nil
}

// SetFilterMode updates the user's filter mode.
func (s *SQLiteStore) SetFilterMode(ctx context.Context, userID int64, mode store.FilterMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown filter mode %q", mode)
	}
	query := `
		INSERT INTO users (tg_id, filter_mode) VALUES (?, ?)
		ON CONFLICT (tg_id) DO UPDATE SET filter_mode = excluded.filter_mode
	`
	if _, err := s.db.ExecContext(ctx, query, userID, string(mode)); err != nil {
		return fmt.Errorf("update filter mode: %w", err)
	}
	return nil
}

// ==== SourceStore implementation ====

// AddSource inserts a source or refreshes the title of an existing one.
func (s *SQLiteStore) AddSource(ctx context.Context, userID int64, src store.Source) error {
	query := `
		INSERT INTO sources (tg_id, chat_id, topic_id, title)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tg_id, chat_id, topic_id) DO UPDATE SET title = excluded.title
	`
	if _, err := s.db.ExecContext(ctx, query, userID, src.ChatID, topicToColumn(src.TopicID), src.Title); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// RemoveSource deletes the source matching chat and topic.
func (s *SQLiteStore) RemoveSource(ctx context.Context, userID, chatID int64, topicID *int64) error {
	query := `DELETE FROM sources WHERE tg_id = ? AND chat_id = ? AND topic_id = ?`
	res, err := s.db.ExecContext(ctx, query, userID, chatID, topicToColumn(topicID))
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("source %d: %w", chatID, store.ErrNotFound)
	}
	return nil
}

// ListSources lists the user's sources in insertion order.
func (s *SQLiteStore) ListSources(ctx context.Context, userID int64) ([]store.Source, error) {
	query := `
		SELECT chat_id, topic_id, title
		FROM sources
		WHERE tg_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []store.Source
	for rows.Next() {
		var (
			src   store.Source
			topic int64
		)
		if err := rows.Scan(&src.ChatID, &topic, &src.Title); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.TopicID = topicFromColumn(topic)
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ==== TargetStore implementation ====

// SetTarget replaces the user's target.
func (s *SQLiteStore) SetTarget(ctx context.Context, userID int64, target store.Target) error {
	query := `
		INSERT INTO targets (tg_id, chat_id, topic_id) VALUES (?, ?, ?)
		ON CONFLICT (tg_id) DO UPDATE SET chat_id = excluded.chat_id, topic_id = excluded.topic_id
	`
	if _, err := s.db.ExecContext(ctx, query, userID, target.ChatID, topicToColumn(target.TopicID)); err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// GetTarget returns the user's target or nil when none is set.
func (s *SQLiteStore) GetTarget(ctx context.Context, userID int64) (*store.Target, error) {
	var (
		target store.Target
		topic  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT chat_id, topic_id FROM targets WHERE tg_id = ?`, userID).
		Scan(&target.ChatID, &topic)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query target: %w", err)
	}
	target.TopicID = topicFromColumn(topic)
	return &target, nil
}

// ==== FilterStore implementation ====

// AddFilteredUser inserts an allow-listed sender or refreshes its name.
func (s *SQLiteStore) AddFilteredUser(ctx context.Context, userID int64, fu store.FilteredUser) error {
	query := `
		INSERT INTO filtered_users (tg_id, user_id, display_name)
		VALUES (?, ?, ?)
		ON CONFLICT (tg_id, user_id) DO UPDATE SET display_name = excluded.display_name
	`
	if _, err := s.db.ExecContext(ctx, query, userID, fu.UserID, fu.DisplayName); err != nil {
		return fmt.Errorf("insert filtered user: %w", err)
	}
	return nil
}

// RemoveFilteredUser removes a sender from the allow-list.
func (s *SQLiteStore) RemoveFilteredUser(ctx context.Context, userID, senderID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM filtered_users WHERE tg_id = ? AND user_id = ?`, userID, senderID)
	if err != nil {
		return fmt.Errorf("delete filtered user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("filtered user %d: %w", senderID, store.ErrNotFound)
	}
	return nil
}

// ListFilteredUsers lists the user's allow-list.
func (s *SQLiteStore) ListFilteredUsers(ctx context.Context, userID int64) ([]store.FilteredUser, error) {
	query := `
		SELECT user_id, display_name
		FROM filtered_users
		WHERE tg_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query filtered users: %w", err)
	}
	defer rows.Close()

	var users []store.FilteredUser
	for rows.Next() {
		var fu store.FilteredUser
		if err := rows.Scan(&fu.UserID, &fu.DisplayName); err != nil {
			return nil, fmt.Errorf("scan filtered user: %w", err)
		}
		users = append(users, fu)
	}
	return users, rows.Err()
}
