/*
Package sqlitestore provides a SQLite-backed DocumentStore.

PURPOSE:
  Single-node deployments and local runs keep the details/ and reports/
  hierarchies in one SQLite file instead of a hosted document database.
  Every document is a JSON leaf keyed by its full slash-separated path;
  interior nodes are implied by the paths below them.

TRANSACTIONS:
  Transact runs inside BEGIN IMMEDIATE, so the read-modify-write of an
  aggregate holds the write lock for its whole duration. Concurrent
  increments on the same bucket serialize instead of losing updates.

SERVER TIMESTAMPS:
  {".sv":"timestamp"} placeholders are resolved to the store clock before
  the document is written.

WAL MODE:
  The database is opened with WAL and a busy timeout; a single connection
  is used so writers never contend inside the process.
*/
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/port"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sqlitestore")

// Store implements port.DocumentStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ port.DocumentStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		path       TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

// Get decodes the document at path into dst.
func (s *Store) Get(ctx context.Context, path string, dst any) (bool, error) {
	ctx, span := tracer.Start(ctx, "SQLite.Get")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE path = ?`, path).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.fail("get", path, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return true, &domain.ErrStoreAccess{Op: "get", Path: path, Err: err}
	}
	return true, nil
}

// Set replaces the document at path.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	ctx, span := tracer.Start(ctx, "SQLite.Set")
	defer span.End()
	path = clean(path)

	raw, err := s.encode(value)
	if err != nil {
		return &domain.ErrStoreAccess{Op: "set", Path: path, Err: err}
	}
	if err := s.put(ctx, s.db, path, raw); err != nil {
		return s.fail("set", path, err)
	}
	return nil
}

// Update shallow-merges fields into the document at path.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	ctx, span := tracer.Start(ctx, "SQLite.Update")
	defer span.End()

	return s.Transact(ctx, path, func(current json.RawMessage) (any, error) {
		doc := make(map[string]any)
		if current != nil {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, err
			}
		}
		for k, v := range fields {
			doc[k] = v
		}
		return doc, nil
	})
}

// Delete removes the document at path and its subtree.
func (s *Store) Delete(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "SQLite.Delete")
	defer span.End()
	path = clean(path)

	lo, hi := childRange(path)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE path = ? OR (path >= ? AND path < ?)`, path, lo, hi)
	if err != nil {
		return s.fail("delete", path, err)
	}
	return nil
}

// ListChildren returns the sorted names directly below path.
func (s *Store) ListChildren(ctx context.Context, path string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "SQLite.ListChildren")
	defer span.End()
	path = clean(path)

	lo, hi := childRange(path)
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM documents WHERE path >= ? AND path < ?`, lo, hi)
	if err != nil {
		return nil, s.fail("list", path, err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, s.fail("list", path, err)
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(p, lo), "/")
		seen[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list", path, err)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Transact reads, transforms and writes one document inside BEGIN IMMEDIATE.
func (s *Store) Transact(ctx context.Context, path string, fn port.TxFunc) error {
	ctx, span := tracer.Start(ctx, "SQLite.Transact")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("transact", path, err)
	}
	defer tx.Rollback()

	var current json.RawMessage
	var body string
	err = tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE path = ?`, path).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return s.fail("transact", path, err)
	default:
		current = json.RawMessage(body)
	}

	next, err := fn(current)
	if errors.Is(err, port.ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}

	raw, err := s.encode(next)
	if err != nil {
		return &domain.ErrStoreAccess{Op: "transact", Path: path, Err: err}
	}
	if err := s.put(ctx, tx, path, raw); err != nil {
		return s.fail("transact", path, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail("transact", path, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, db execer, path string, raw []byte) error {
	if bytes.Equal(raw, []byte("null")) {
		_, err := db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (path, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		path, string(raw), s.now().UnixMilli())
	return err
}

func (s *Store) encode(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return port.ResolveServerTimestamps(raw, s.now())
}

func (s *Store) fail(op, path string, err error) error {
	s.logger.Warn("sqlite: operation failed",
		zap.String("op", op),
		zap.String("path", path),
		zap.Error(err),
	)
	return &domain.ErrStoreAccess{Op: op, Path: path, Err: err}
}

// childRange returns the half-open key range [path/, path0) holding every descendant.
func childRange(path string) (string, string) {
	return path + "/", path + "0"
}

func clean(path string) string {
	return strings.Trim(path, "/")
}
