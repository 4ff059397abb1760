package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists documents in a single SQLite table with a version
// column used for compare-and-swap commits.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) Get(ctx context.Context, kind Kind, id string) (Document, error) {
	doc := Document{Kind: kind, ID: id}
	var body string
	err := b.db.QueryRowContext(ctx,
		`SELECT version, body FROM documents WHERE kind = ? AND id = ?`, string(kind), id,
	).Scan(&doc.Version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s %q: %w", kind, id, err)
	}
	doc.Body = []byte(body)
	return doc, nil
}

func (b *SQLiteBackend) List(ctx context.Context, kind Kind) ([]Document, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, version, body FROM documents WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Document
	for rows.Next() {
		doc := Document{Kind: kind}
		var body string
		if err := rows.Scan(&doc.ID, &doc.Version, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		doc.Body = []byte(body)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

func (b *SQLiteBackend) Commit(ctx context.Context, writes []Write) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, w := range writes {
		var res sql.Result
		if w.Version == 0 {
			res, err = tx.ExecContext(ctx, `
INSERT INTO documents(kind, id, version, body, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(kind, id) DO NOTHING
`, string(w.Kind), w.ID, string(w.Body), now)
		} else {
			res, err = tx.ExecContext(ctx, `
UPDATE documents SET version = version + 1, body = ?, updated_at = ?
WHERE kind = ? AND id = ? AND version = ?
`, string(w.Body), now, string(w.Kind), w.ID, w.Version)
		}
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("write %s: %w", w, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("write %s rows affected: %w", w, err)
		}
		if affected != 1 {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("%w: %s", ErrConflict, w)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
