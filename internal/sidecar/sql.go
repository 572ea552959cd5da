package sidecar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const recordsTable = "sidecar_records"

// SQLStore 基于SQL数据库的旁路存储（sqlite / postgres）
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  logrus.FieldLogger
}

// NewSQLiteStore 打开或创建sqlite数据库。写事务以IMMEDIATE开始，
// 并发的读改写在数据库锁上串行
func NewSQLiteStore(path string, logger logrus.FieldLogger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: DialectSQLite, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore 连接PostgreSQL
func NewPostgresStore(dsn string, logger logrus.FieldLogger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectPostgres, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema 初始化表结构
func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ` + recordsTable + ` (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sidecar table: %w", err)
	}
	return nil
}

func (s *SQLStore) Transaction(ctx context.Context, key string, readOnly bool, fn TxFunc) error {
	key = NormalizeKey(key)

	var opts *sql.TxOptions
	if readOnly && s.dialect == DialectPostgres {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if !readOnly && s.dialect == DialectPostgres {
		// 行可能尚不存在，仅靠 FOR UPDATE 无法串行化首个写入者
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			return fmt.Errorf("failed to take advisory lock: %w", err)
		}
	}

	var data string
	row := NewSelectBuilder(s.dialect, recordsTable, "data").
		Where("key = ?", key).
		QueryRow(ctx, tx)
	if err := row.Scan(&data); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load sidecar record: %w", err)
	}

	rec, err := decodeRecord([]byte(data))
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	if readOnly {
		return tx.Commit()
	}

	if rec.Empty() {
		if _, err := NewDeleteBuilder(s.dialect, recordsTable).Where("key = ?", key).Exec(ctx, tx); err != nil {
			return fmt.Errorf("failed to delete sidecar record: %w", err)
		}
	} else {
		out, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		_, err = NewUpsertBuilder(s.dialect, recordsTable).
			Set("key", key).
			Set("data", string(out)).
			Set("updated_at", time.Now().Unix()).
			OnConflict("key").
			Exec(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to save sidecar record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sidecar record: %w", err)
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := NewSelectBuilder(s.dialect, recordsTable, "1").
		Where("key = ?", NormalizeKey(key)).
		QueryRow(ctx, s.db).
		Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query sidecar record: %w", err)
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	prefix := key + "/"
	if key == "/" {
		prefix = "/"
	}
	res, err := NewDeleteBuilder(s.dialect, recordsTable).
		Where("key = ?", key).
		Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Exec(ctx, s.db)
	if err != nil {
		return fmt.Errorf("failed to delete sidecar records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.WithFields(logrus.Fields{"key": key, "records": n}).Debug("sidecar records deleted")
	}
	return nil
}

func (s *SQLStore) Reserved(string) bool { return false }

func (s *SQLStore) Close() error {
	return s.db.Close()
}
