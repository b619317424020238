package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added expression indexes on the fields the caches filter by
const currentSchemaVersion = 1

// SQLiteStore keeps every collection in a single documents table, one JSON document per row.
// Filters are evaluated with SQLite's JSON functions.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindMatching implements Store.FindMatching.
func (s *SQLiteStore) FindMatching(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	var (
		where strings.Builder
		args  = []any{collection}
	)
	where.WriteString("collection = ?")
	for _, field := range sortedFields(filter) {
		values := filter[field]
		if len(values) == 0 {
			// nothing can match an empty value set
			return nil, nil
		}
		where.WriteString(fmt.Sprintf(" AND json_extract(data, '$.%s') IN (", field))
		for i, v := range values {
			if i > 0 {
				where.WriteString(", ")
			}
			where.WriteString("?")
			arg, err := sqlArg(v)
			if err != nil {
				return nil, fmt.Errorf("find %s: %w", collection, err)
			}
			args = append(args, arg)
		}
		where.WriteString(")")
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, data FROM documents WHERE "+where.String()+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			id   string
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", collection, err)
		}
		out = append(out, Document{ID: id, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	return out, nil
}

// WriteBatch implements Store.WriteBatch. The batch is applied in one transaction.
func (s *SQLiteStore) WriteBatch(ctx context.Context, collection string, batch Batch) (Counts, error) {
	if batch.Empty() {
		return Counts{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counts{}, fmt.Errorf("write %s: begin tx: %w", collection, err)
	}
	defer tx.Rollback() // No-op if committed

	now := time.Now().UnixMilli()
	upsert := func(d Document) error {
		if d.ID == "" {
			return ErrEmptyID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, collection, d.ID, string(d.Data), now)
		return err
	}

	var c Counts
	for _, d := range batch.Insert {
		if err := upsert(d); err != nil {
			return Counts{}, fmt.Errorf("write %s: insert %s: %w", collection, d.ID, err)
		}
		c.Inserted++
	}
	for _, d := range batch.Replace {
		if err := upsert(d); err != nil {
			return Counts{}, fmt.Errorf("write %s: replace %s: %w", collection, d.ID, err)
		}
		c.Replaced++
	}
	for _, id := range batch.Delete {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return Counts{}, fmt.Errorf("write %s: delete %s: %w", collection, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Counts{}, fmt.Errorf("write %s: rows affected: %w", collection, err)
		}
		c.Deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return Counts{}, fmt.Errorf("write %s: commit: %w", collection, err)
	}
	return c, nil
}

// sqlArg converts a filter value into something json_extract output compares equal to.
// json_extract yields 1/0 for JSON booleans, which is how the driver binds Go bools.
func sqlArg(v any) (any, error) {
	switch v.(type) {
	case nil:
		return nil, fmt.Errorf("nil filter value")
	case string, bool, int, int64, float64:
		return v, nil
	}
	// named string types such as model.RundownID
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	switch decoded.(type) {
	case string, bool, float64:
		return decoded, nil
	}
	return nil, fmt.Errorf("unsupported filter value %T", v)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 indexes the scoping fields every cache load filters on.
func migrateToV1(db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_documents_rundown ON documents(collection, json_extract(data, '$.rundownId'))`,
		`CREATE INDEX IF NOT EXISTS idx_documents_playlist ON documents(collection, json_extract(data, '$.playlistId'))`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

func sortedFields(f Filter) []string {
	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
