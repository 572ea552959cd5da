package sidecar

import (
	"context"
	"sync"
)

// MemoryStore 内存旁路存储，重启后锁和属性丢失
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	closed  bool
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Transaction(ctx context.Context, key string, readOnly bool, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	rec, err := decodeRecord(s.records[key])
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if rec.Empty() {
		delete(s.records, key)
		return nil
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	s.records[key] = data
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.records[NormalizeKey(key)]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = NormalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for k := range s.records {
		if k == key || isDescendant(k, key) {
			delete(s.records, k)
		}
	}
	return nil
}

func (s *MemoryStore) Reserved(string) bool { return false }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
