package sidecar

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	badgerKeyPrefix  = "rec:"
	badgerMaxRetries = 64
)

// BadgerStore 基于BadgerDB的嵌入式旁路存储
type BadgerStore struct {
	db     *badgerdb.DB
	logger logrus.FieldLogger
}

// NewBadgerStore 打开BadgerDB目录，dir为空时使用内存模式
func NewBadgerStore(dir string, logger logrus.FieldLogger) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func badgerKey(key string) []byte {
	return []byte(badgerKeyPrefix + key)
}

// Transaction 遇到ErrConflict时重试
func (s *BadgerStore) Transaction(ctx context.Context, key string, readOnly bool, fn TxFunc) error {
	key = NormalizeKey(key)

	if readOnly {
		return s.db.View(func(txn *badgerdb.Txn) error {
			rec, err := loadBadgerRecord(txn, key)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	}

	for attempt := 0; attempt < badgerMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			rec, err := loadBadgerRecord(txn, key)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			if rec.Empty() {
				return txn.Delete(badgerKey(key))
			}
			data, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			return txn.Set(badgerKey(key), data)
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			s.logger.WithFields(logrus.Fields{"key": key, "attempt": attempt}).Debug("badger transaction conflict, retrying")
			continue
		}
		return err
	}
	return fmt.Errorf("sidecar record %s: %w", key, badgerdb.ErrConflict)
}

func loadBadgerRecord(txn *badgerdb.Txn, key string) (*Record, error) {
	item, err := txn.Get(badgerKey(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec *Record
	err = item.Value(func(val []byte) error {
		r, decErr := decodeRecord(val)
		if decErr != nil {
			return decErr
		}
		rec = r
		return nil
	})
	return rec, err
}

func (s *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(badgerKey(NormalizeKey(key)))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = NormalizeKey(key)
	prefix := key + "/"
	if key == "/" {
		prefix = "/"
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete(badgerKey(key)); err != nil {
			return err
		}

		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: badgerKey(prefix)})
		var doomed [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Reserved(string) bool { return false }

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
