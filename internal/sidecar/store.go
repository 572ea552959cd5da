package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/webdav-core/internal/types"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("sidecar: record not found")
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("sidecar: store closed")
)

// Record 资源旁路记录
type Record struct {
	LockCreator   string                      `json:"lockcreator,omitempty"`
	LockDepth     string                      `json:"lockdepth,omitempty"`
	LockDiscovery []types.ActiveLock          `json:"lockdiscovery,omitempty"`
	Properties    map[string][]types.Fragment `json:"properties,omitempty"`
}

// Empty 记录中是否已无需要持久化的内容
func (r *Record) Empty() bool {
	return r.LockCreator == "" && r.LockDepth == "" && len(r.LockDiscovery) == 0 && len(r.Properties) == 0
}

// Locked 是否存在活动锁
func (r *Record) Locked() bool {
	return len(r.LockDiscovery) > 0
}

// LockTokens 返回所有锁令牌
func (r *Record) LockTokens() []string {
	tokens := make([]string, 0, len(r.LockDiscovery))
	for _, l := range r.LockDiscovery {
		tokens = append(tokens, l.Token)
	}
	return tokens
}

// Clone 深拷贝
func (r *Record) Clone() *Record {
	c := &Record{
		LockCreator: r.LockCreator,
		LockDepth:   r.LockDepth,
	}
	if r.LockDiscovery != nil {
		c.LockDiscovery = append([]types.ActiveLock(nil), r.LockDiscovery...)
	}
	if r.Properties != nil {
		c.Properties = make(map[string][]types.Fragment, len(r.Properties))
		for k, v := range r.Properties {
			c.Properties[k] = append([]types.Fragment(nil), v...)
		}
	}
	return c
}

// TxFunc 事务内读取或修改记录
type TxFunc func(rec *Record) error

// Store 旁路存储接口
type Store interface {
	// Transaction 加载key的记录（不存在时为空记录）并执行fn。非只读时fn返回nil即写回，
	// 空记录直接删除
	Transaction(ctx context.Context, key string, readOnly bool, fn TxFunc) error
	// Exists key是否有已持久化的记录
	Exists(ctx context.Context, key string) (bool, error)
	// Delete 删除key及其所有后代的记录
	Delete(ctx context.Context, key string) error
	// Reserved name是否为后端自用文件，不能作为资源暴露
	Reserved(name string) bool
	Close() error
}

// NormalizeKey 规范化存储键
func NormalizeKey(key string) string {
	if key == "" {
		return "/"
	}
	key = path.Clean("/" + key)
	return key
}

func isDescendant(key, parent string) bool {
	if parent == "/" {
		return key != "/"
	}
	return strings.HasPrefix(key, parent+"/")
}

func encodeRecord(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sidecar record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*Record, error) {
	rec := &Record{}
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode sidecar record: %w", err)
	}
	return rec, nil
}
