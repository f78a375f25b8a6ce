package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS swcache_buckets (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS swcache_entries (
	bucket    TEXT NOT NULL,
	locator   TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, locator)
);`

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "swcache.db"

// NewSQLiteStorage 打开（必要时创建）dbPath 指向的 SQLite 数据库并初始化表结构。
func NewSQLiteStorage(dbPath string) (Storage, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("sqlite path required")
	}
	cleanPath := filepath.Clean(dbPath)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %q: %w", cleanPath, err)
	}
	// 单连接避免 "database is locked"。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	if err := ensureBucket(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM swcache_buckets ORDER BY name`)
	if err != nil {
		return nil, wrapClosed(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		keys = append(keys, name)
	}
	return keys, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateBucketName(name); err != nil {
		return false, fmt.Errorf("%w: %q", err, name)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM swcache_entries WHERE bucket = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM swcache_buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete %s: %w", name, err)
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

func (b *sqliteBucket) Name() string {
	return b.name
}

// Put 在同一事务内补建 bucket 行并 upsert 条目，避免向已删除 bucket 写入孤儿数据。
func (b *sqliteBucket) Put(ctx context.Context, locator string, resp *Response) error {
	if locator == "" {
		return errors.New("locator required")
	}
	if resp == nil {
		return errors.New("response required")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO swcache_buckets (name, created_at) VALUES (?, ?)`,
		b.name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", b.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO swcache_entries (bucket, locator, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, locator) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		b.name, locator, resp.Status, string(header), body, storedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("put %s: %w", locator, err)
	}
	return tx.Commit()
}

func (b *sqliteBucket) Match(ctx context.Context, locator string) (*Response, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM swcache_entries WHERE bucket = ? AND locator = ?`,
		b.name, locator,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapClosed(err)
	}
	var h http.Header
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, fmt.Errorf("decode header of %s: %w", locator, err)
	}
	return &Response{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}, nil
}

func (b *sqliteBucket) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT locator, status, length(body), stored_at FROM swcache_entries WHERE bucket = ? ORDER BY locator`,
		b.name,
	)
	if err != nil {
		return nil, wrapClosed(err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry    Entry
			storedAt int64
		)
		if err := rows.Scan(&entry.Locator, &entry.Status, &entry.SizeBytes, &storedAt); err != nil {
			return nil, err
		}
		entry.StoredAt = time.UnixMilli(storedAt).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func ensureBucket(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO swcache_buckets (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", name, wrapClosed(err))
	}
	return nil
}

func wrapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "sql: database is closed") {
		return fmt.Errorf("%w: %v", ErrStorageClosed, err)
	}
	return err
}
