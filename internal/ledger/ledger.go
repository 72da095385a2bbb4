// Package ledger keeps a SQLite record of message traffic envelopes for
// diagnostics: direction, channel, addressing, and sizes, never message
// bodies. Conversation history lives in the session manager and is
// deliberately not persisted here.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Entry is one recorded traffic envelope.
type Entry struct {
	ID        int64
	Direction string
	Channel   string
	Sender    string
	Chat      string
	Domain    string
	TextLen   int
	Timestamp time.Time
}

// Ledger wraps the SQLite database.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite wants a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db, logger: logger}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traffic (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		direction  TEXT NOT NULL,
		channel    TEXT NOT NULL,
		sender     TEXT,
		chat       TEXT,
		domain     TEXT,
		text_len   INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_traffic_time ON traffic(created_at);
	CREATE INDEX IF NOT EXISTS idx_traffic_channel ON traffic(channel, created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one envelope.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO traffic (direction, channel, sender, chat, domain, text_len, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Direction, e.Channel, e.Sender, e.Chat, e.Domain, e.TextLen, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record traffic: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, direction, channel, sender, chat, domain, text_len, created_at
		 FROM traffic ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query traffic: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Direction, &e.Channel, &e.Sender, &e.Chat, &e.Domain, &e.TextLen, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan traffic: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the cutoff and returns how many went.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := l.db.ExecContext(ctx, `DELETE FROM traffic WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune traffic: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("traffic ledger pruned", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// ChannelCounts returns per-channel totals, used by doctor.
func (l *Ledger) ChannelCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT channel, COUNT(*) FROM traffic GROUP BY channel`)
	if err != nil {
		return nil, fmt.Errorf("count traffic: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var channel string
		var n int64
		if err := rows.Scan(&channel, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		counts[channel] = n
	}
	return counts, rows.Err()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
