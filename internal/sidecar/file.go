package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Suffix 文件旁路记录的后缀
const Suffix = ".pstore"

// FileStore 文件旁路存储，每个资源一个JSON文件：文件为 <root><key>.pstore，
// 集合为 <root><key>/.pstore。成员名不为空，成员记录不会与集合记录重名。
// 写入时对记录文件加flock
type FileStore struct {
	root   string
	locks  *keyedMutex
	logger logrus.FieldLogger
}

// NewFileStore 创建文件旁路存储
func NewFileStore(root string, logger logrus.FieldLogger) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sidecar root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sidecar root: %w", err)
	}
	return &FileStore{
		root:   abs,
		locks:  newKeyedMutex(),
		logger: logger,
	}, nil
}

// recordPath 计算键对应的记录文件路径
func (s *FileStore) recordPath(key string) string {
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return filepath.Join(full, Suffix)
	}
	return full + Suffix
}

func (s *FileStore) Transaction(ctx context.Context, key string, readOnly bool, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = NormalizeKey(key)
	unlock := s.locks.Lock(key)
	defer unlock()

	p := s.recordPath(key)
	if readOnly {
		return s.view(p, fn)
	}
	return s.update(p, fn)
}

func (s *FileStore) view(p string, fn TxFunc) error {
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fn(&Record{})
	}
	if err != nil {
		return fmt.Errorf("failed to open sidecar record: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, false); err != nil {
		return fmt.Errorf("failed to lock sidecar record: %w", err)
	}
	defer unlockFile(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read sidecar record: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	return fn(rec)
}

func (s *FileStore) update(p string, fn TxFunc) error {
	f, err := openLocked(p)
	if err != nil {
		return err
	}
	defer f.Close()
	defer unlockFile(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read sidecar record: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}

	if err := fn(rec); err != nil {
		if len(data) == 0 {
			os.Remove(p)
		}
		return err
	}

	if rec.Empty() {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove sidecar record: %w", err)
		}
		return nil
	}

	out, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate sidecar record: %w", err)
	}
	if _, err := f.WriteAt(out, 0); err != nil {
		return fmt.Errorf("failed to write sidecar record: %w", err)
	}
	return f.Sync()
}

// openLocked 打开记录并加排他锁，加锁前被并发删除的记录会重新打开
func openLocked(p string) (*os.File, error) {
	for {
		f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open sidecar record: %w", err)
		}
		if err := lockFile(f, true); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to lock sidecar record: %w", err)
		}

		held, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		current, err := os.Stat(p)
		if err == nil && os.SameFile(held, current) {
			return f, nil
		}
		unlockFile(f)
		f.Close()
	}
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.recordPath(NormalizeKey(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = NormalizeKey(key)
	unlock := s.locks.Lock(key)
	defer unlock()

	full := filepath.Join(s.root, filepath.FromSlash(key))
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && s.Reserved(d.Name()) {
				s.logger.WithField("record", p).Debug("removing sidecar record")
				return os.Remove(p)
			}
			return nil
		})
	}

	if err := os.Remove(full + Suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove sidecar record: %w", err)
	}
	return nil
}

func (s *FileStore) Reserved(name string) bool {
	return strings.HasSuffix(name, Suffix)
}

func (s *FileStore) Close() error { return nil }

// keyedMutex 进程内按键串行化事务
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
