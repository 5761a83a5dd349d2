// Package window keeps the most recent chat messages in SQLite so the control
// API can answer "what was said lately" without replaying history to clients.
package window

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/you/multichat/internal/core"
)

const (
	DefaultPath     = ":memory:"
	DefaultCapacity = 500
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL,
  ts INTEGER NOT NULL,
  platform TEXT NOT NULL,
  username TEXT NOT NULL,
  message TEXT NOT NULL,
  badges_json TEXT NOT NULL DEFAULT '[]',
  color TEXT,
  raw_json TEXT NOT NULL DEFAULT '{}',
  UNIQUE (platform, id)
);
CREATE INDEX IF NOT EXISTS messages_ts ON messages (ts);`

type Options struct {
	// Path is a SQLite DSN. The default keeps the window in memory.
	Path string
	// Capacity is the number of messages retained.
	Capacity int
	Logger   *slog.Logger
}

// Store is the recent-message window.
type Store struct {
	db       *sql.DB
	capacity int
	log      *slog.Logger
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// an in-memory database only lives as long as its single connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	applyPragmas(ctx, db, logger, defaultPragmas)

	logger.Info("window: opened", "path", opts.Path, "capacity", opts.Capacity)
	return &Store{db: db, capacity: opts.Capacity, log: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) String() string {
	return fmt.Sprintf("window.Store{%p cap=%d}", s.db, s.capacity)
}

// Write records msg and prunes the window to capacity. A duplicate
// (platform, id) is ignored.
func (s *Store) Write(msg core.ChatMessage) error {
	badges, err := json.Marshal(nonNilBadges(msg.Badges))
	if err != nil {
		return errors.Wrap(err, "encode badges")
	}
	raw := []byte("{}")
	if len(msg.Raw) > 0 {
		if raw, err = json.Marshal(msg.Raw); err != nil {
			return errors.Wrap(err, "encode raw")
		}
	}
	var color sql.NullString
	if msg.Color != nil {
		color = sql.NullString{String: *msg.Color, Valid: true}
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `INSERT INTO messages (id, ts, platform, username, message, badges_json, color, raw_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, id) DO NOTHING;`
	if _, err := tx.ExecContext(ctx, insert, msg.ID, msg.Ts, string(msg.Platform), msg.Username,
		msg.Message, string(badges), color, string(raw)); err != nil {
		return errors.Wrap(err, "insert message")
	}
	const prune = `DELETE FROM messages WHERE seq <= (SELECT MAX(seq) FROM messages) - ?;`
	if _, err := tx.ExecContext(ctx, prune, s.capacity); err != nil {
		return errors.Wrap(err, "prune window")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Store) Count(ctx context.Context, filters Filters) (int64, error) {
	query, args := buildQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, filters Filters) ([]core.ChatMessage, error) {
	query, args := buildQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	out := []core.ChatMessage{}
	for rows.Next() {
		var (
			msg                core.ChatMessage
			platform           string
			badgesJSON, rawStr string
			color              sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Ts, &platform, &msg.Username, &msg.Message, &badgesJSON, &color, &rawStr); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Platform = core.Platform(platform)
		if err := json.Unmarshal([]byte(badgesJSON), &msg.Badges); err != nil || msg.Badges == nil {
			msg.Badges = []string{}
		}
		if err := json.Unmarshal([]byte(rawStr), &msg.Raw); err != nil || msg.Raw == nil {
			msg.Raw = map[string]any{}
		}
		if color.Valid {
			c := color.String
			msg.Color = &c
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func buildQuery(filters Filters, count bool) (string, []any) {
	var b strings.Builder
	if count {
		b.WriteString("SELECT COUNT(*) FROM messages")
	} else {
		b.WriteString("SELECT id, ts, platform, username, message, badges_json, color, raw_json FROM messages")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Platforms) > 0 {
		placeholders := make([]string, 0, len(filters.Platforms))
		for _, p := range filters.Platforms {
			placeholders = append(placeholders, "?")
			args = append(args, string(p))
		}
		conditions = append(conditions, fmt.Sprintf("platform IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "LOWER(username) LIKE '%' || ? || '%'")
			args = append(args, u)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Query != "" {
		conditions = append(conditions, "LOWER(message) LIKE '%' || ? || '%'")
		args = append(args, strings.ToLower(filters.Query))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UnixMilli())
	}

	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == OrderAsc {
			order = "ASC"
		}
		b.WriteString(" ORDER BY seq ")
		b.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultLimit
		}
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	b.WriteString(";")
	return b.String(), args
}

func nonNilBadges(b []string) []string {
	if b == nil {
		return []string{}
	}
	return b
}
