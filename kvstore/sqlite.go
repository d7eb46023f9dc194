package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rasedhq/rased/dbopen"
)

// SQLiteKV implements KV on a single SQLite database.
type SQLiteKV struct {
	db      *sql.DB
	ownedDB bool
}

// Open opens (or creates) the store at path with the rased pragma set.
func Open(path string, opts ...dbopen.Option) (*SQLiteKV, error) {
	opts = append(opts, dbopen.WithSchema(Schema))
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}
	return &SQLiteKV{db: db, ownedDB: true}, nil
}

// NewWithDB wraps an existing database handle. The schema is applied
// idempotently. Close does not close the handle.
func NewWithDB(db *sql.DB) (*SQLiteKV, error) {
	if err := Init(db); err != nil {
		return nil, fmt.Errorf("kvstore: init schema: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

// DB exposes the underlying handle for components that need raw SQL
// (monitoring history queries).
func (s *SQLiteKV) DB() *sql.DB { return s.db }

// Get returns the record under (ns, key), or ErrNotFound.
func (s *SQLiteKV) Get(ctx context.Context, ns, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, source, stored_at, expires_at
		FROM kv_records WHERE ns = ? AND key = ?`, ns, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("kvstore: get %s/%s: %w", ns, key, err)
	}
	return rec, nil
}

// Put upserts the record. A zero meta.StoredAt is filled with time.Now().
func (s *SQLiteKV) Put(ctx context.Context, ns, key string, value []byte, meta Meta) error {
	storedAt := meta.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	var expires any
	if !meta.ExpiresAt.IsZero() {
		expires = meta.ExpiresAt.UnixMilli()
	}
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO kv_records (ns, key, value, source, stored_at, expires_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(ns, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`,
		ns, key, value, meta.Source, storedAt.UnixMilli(), expires)
	if err != nil {
		return fmt.Errorf("kvstore: put %s/%s: %w", ns, key, err)
	}
	return nil
}

// Delete removes the record if present. Deleting an absent key is not an error.
func (s *SQLiteKV) Delete(ctx context.Context, ns, key string) error {
	_, err := dbopen.Exec(ctx, s.db, `DELETE FROM kv_records WHERE ns = ? AND key = ?`, ns, key)
	if err != nil {
		return fmt.Errorf("kvstore: delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// Scan returns records in the namespace matching q, newest first.
func (s *SQLiteKV) Scan(ctx context.Context, ns string, q ScanQuery) ([]Record, error) {
	query, args := buildWhere(`
		SELECT key, value, source, stored_at, expires_at
		FROM kv_records`, ns, q)
	query += " ORDER BY stored_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: scan %s: %w", ns, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("kvstore: scan %s: %w", ns, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count reports how many records in the namespace match q.
func (s *SQLiteKV) Count(ctx context.Context, ns string, q ScanQuery) (int64, error) {
	query, args := buildWhere(`SELECT COUNT(*) FROM kv_records`, ns, q)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("kvstore: count %s: %w", ns, err)
	}
	return n, nil
}

// DeleteWhere removes all records matching q and returns the count removed.
func (s *SQLiteKV) DeleteWhere(ctx context.Context, ns string, q ScanQuery) (int64, error) {
	query, args := buildWhere(`DELETE FROM kv_records`, ns, q)
	res, err := dbopen.Exec(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("kvstore: delete-where %s: %w", ns, err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database if this store opened it.
func (s *SQLiteKV) Close() error {
	if s.ownedDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (Record, error) {
	var rec Record
	var storedAt int64
	var expires sql.NullInt64
	if err := r.Scan(&rec.Key, &rec.Value, &rec.Meta.Source, &storedAt, &expires); err != nil {
		return Record{}, err
	}
	rec.Meta.StoredAt = time.UnixMilli(storedAt)
	if expires.Valid {
		rec.Meta.ExpiresAt = time.UnixMilli(expires.Int64)
	}
	return rec, nil
}

func buildWhere(head, ns string, q ScanQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(head)
	b.WriteString(" WHERE ns = ?")
	args := []any{ns}

	if q.Prefix != "" {
		b.WriteString(` AND key LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(q.Prefix)+"%")
	}
	if q.Source != "" {
		b.WriteString(" AND source = ?")
		args = append(args, q.Source)
	}
	if !q.ExpiredBefore.IsZero() {
		b.WriteString(" AND expires_at IS NOT NULL AND expires_at < ?")
		args = append(args, q.ExpiredBefore.UnixMilli())
	}
	if !q.StoredAfter.IsZero() {
		b.WriteString(" AND stored_at > ?")
		args = append(args, q.StoredAfter.UnixMilli())
	}
	return b.String(), args
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
