package webdav

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/metrics"
	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/types"
	"github.com/webdav-core/internal/webdav/utils"
)

// LockStore 基于旁路记录的锁存储
type LockStore struct {
	store        sidecar.Store
	maxTimeout   int64
	checkCreator bool
	metrics      *metrics.Collector
	logger       logrus.FieldLogger
}

// LockStoreOptions 锁存储配置
type LockStoreOptions struct {
	TimeoutPeriod int64
	CheckCreator  bool
	Metrics       *metrics.Collector
}

// NewLockStore 创建锁存储
func NewLockStore(store sidecar.Store, opts LockStoreOptions, logger logrus.FieldLogger) *LockStore {
	if opts.TimeoutPeriod <= 0 {
		opts.TimeoutPeriod = 86400
	}
	return &LockStore{
		store:        store,
		maxTimeout:   opts.TimeoutPeriod,
		checkCreator: opts.CheckCreator,
		metrics:      opts.Metrics,
		logger:       logger,
	}
}

// LockRequest 从lockinfo解析出的加锁参数
type LockRequest struct {
	Scope   string
	Type    string
	Owner   string
	Depth   string
	Timeout int64
	Root    string
}

// LockResolution 祖先遍历的结果：最后检查的路径及其锁是否阻止调用者
type LockResolution struct {
	Path       string
	Depth      string
	Locks      []types.ActiveLock
	Blocking   bool
	Unlockable bool
}

// Locked 该祖先锁是否阻止调用者
func (r *LockResolution) Locked() bool {
	return r != nil && r.Blocking && !r.Unlockable
}

// ancestorLockInfo 祖先遍历的累加器
type ancestorLockInfo struct {
	tokens       []string
	identity     string
	checkCreator bool

	path       string
	creator    string
	depth      string
	locks      []types.ActiveLock
	blocking   bool
	unlockable bool
}

func (a *ancestorLockInfo) resolution() *LockResolution {
	return &LockResolution{
		Path:       a.path,
		Depth:      a.depth,
		Locks:      a.locks,
		Blocking:   a.blocking,
		Unlockable: a.unlockable,
	}
}

// Discovery 资源上的活动锁
func (ls *LockStore) Discovery(ctx context.Context, key string) ([]types.ActiveLock, error) {
	var locks []types.ActiveLock
	err := ls.store.Transaction(ctx, key, true, func(rec *sidecar.Record) error {
		locks = rec.LockDiscovery
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read locks of %s: %w", key, err)
	}
	return locks, nil
}

// LockedToUser 判断对key的写入是否被锁拒绝。key自身有锁时需持有其令牌，
// 否则由存储根以下最近的加锁祖先决定
func (ls *LockStore) LockedToUser(ctx context.Context, key string, tokens []string, identity string) (bool, *LockResolution, error) {
	own, err := ls.record(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if own.Locked() {
		info := ls.newAncestorInfo(tokens, identity)
		ls.examine(key, own, info)
		res := info.resolution()
		return res.Locked(), res, nil
	}

	res, err := ls.lockingAncestor(ctx, utils.Path.Ancestors(key, ""), tokens, identity)
	if err != nil {
		return false, nil, err
	}
	return res.Locked(), res, nil
}

// lockingAncestor 由近及远遍历祖先，遇到第一个有锁的祖先即停止
func (ls *LockStore) lockingAncestor(ctx context.Context, chain []string, tokens []string, identity string) (*LockResolution, error) {
	info := ls.newAncestorInfo(tokens, identity)
	for _, p := range chain {
		rec, err := ls.record(ctx, p)
		if err != nil {
			return nil, err
		}
		ls.examine(p, rec, info)
		if info.blocking {
			break
		}
	}
	return info.resolution(), nil
}

func (ls *LockStore) newAncestorInfo(tokens []string, identity string) *ancestorLockInfo {
	return &ancestorLockInfo{
		tokens:       tokens,
		identity:     identity,
		checkCreator: ls.checkCreator,
		unlockable:   true,
	}
}

// examine 检查一个记录上的锁并更新累加器
func (ls *LockStore) examine(p string, rec *sidecar.Record, info *ancestorLockInfo) {
	info.path = p
	info.depth = rec.LockDepth
	info.locks = rec.LockDiscovery
	if info.checkCreator {
		info.creator = rec.LockCreator
	}

	info.blocking = rec.Locked()
	if !info.blocking {
		return
	}
	info.unlockable = utils.Intersects(info.tokens, rec.LockTokens()) ||
		(info.checkCreator && info.identity != "" && info.creator == info.identity)
}

func (ls *LockStore) record(ctx context.Context, key string) (*sidecar.Record, error) {
	var out *sidecar.Record
	err := ls.store.Transaction(ctx, key, true, func(rec *sidecar.Record) error {
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar record %s: %w", key, err)
	}
	return out, nil
}

// HeldTokens 返回覆盖key的全部锁令牌，包括自身和祖先的
func (ls *LockStore) HeldTokens(ctx context.Context, key string) ([]string, error) {
	var tokens []string
	for _, p := range append([]string{key}, utils.Path.Ancestors(key, "")...) {
		rec, err := ls.record(ctx, p)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, rec.LockTokens()...)
	}
	return tokens, nil
}

// Lock 向key的记录追加一把锁并返回完整锁列表。排他锁不与任何锁共存
func (ls *LockStore) Lock(ctx context.Context, key string, req LockRequest, identity string) ([]types.ActiveLock, types.ActiveLock, error) {
	lock := types.ActiveLock{
		Token:   "urn:uuid:" + uuid.New().String(),
		Scope:   req.Scope,
		Type:    req.Type,
		Depth:   req.Depth,
		Owner:   req.Owner,
		Timeout: types.FormatTimeout(ls.timeout(req.Timeout)),
		Root:    req.Root,
	}
	if lock.Scope == "" {
		lock.Scope = types.LockScopeExclusive
	}
	if lock.Type == "" {
		lock.Type = types.LockTypeWrite
	}
	if lock.Depth == "" {
		lock.Depth = types.DepthInfinity
	}

	var locks []types.ActiveLock
	err := ls.store.Transaction(ctx, key, false, func(rec *sidecar.Record) error {
		for _, existing := range rec.LockDiscovery {
			if existing.IsExclusive() || lock.IsExclusive() {
				return ErrConflict
			}
		}
		rec.LockCreator = identity
		rec.LockDepth = lock.Depth
		rec.LockDiscovery = append(rec.LockDiscovery, lock)
		locks = append([]types.ActiveLock(nil), rec.LockDiscovery...)
		return nil
	})
	if err != nil {
		return nil, types.ActiveLock{}, err
	}

	ls.metrics.LockCreated(lock.Scope)
	ls.logger.WithFields(logrus.Fields{
		"path":  key,
		"token": lock.Token,
		"scope": lock.Scope,
		"depth": lock.Depth,
	}).Info("lock created")
	return locks, lock, nil
}

// Refresh 刷新key上最后一把锁的超时，key无锁时刷新最近的加锁祖先
func (ls *LockStore) Refresh(ctx context.Context, key string, timeout int64) ([]types.ActiveLock, error) {
	locks, err := ls.refreshOne(ctx, key, timeout)
	if err != nil || locks != nil {
		return locks, err
	}
	return ls.refreshAncestorLocks(ctx, key, timeout)
}

// refreshAncestorLocks 刷新最近一个加锁祖先的锁
func (ls *LockStore) refreshAncestorLocks(ctx context.Context, key string, timeout int64) ([]types.ActiveLock, error) {
	for _, p := range utils.Path.Ancestors(key, "") {
		locks, err := ls.refreshOne(ctx, p, timeout)
		if err != nil {
			return nil, err
		}
		if locks != nil {
			return locks, nil
		}
	}
	return nil, ErrNoLock
}

func (ls *LockStore) refreshOne(ctx context.Context, key string, timeout int64) ([]types.ActiveLock, error) {
	current, err := ls.record(ctx, key)
	if err != nil || !current.Locked() {
		return nil, err
	}

	var locks []types.ActiveLock
	err = ls.store.Transaction(ctx, key, false, func(rec *sidecar.Record) error {
		if !rec.Locked() {
			return nil
		}
		last := len(rec.LockDiscovery) - 1
		rec.LockDiscovery[last].Timeout = types.FormatTimeout(ls.timeout(timeout))
		locks = append([]types.ActiveLock(nil), rec.LockDiscovery...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh lock on %s: %w", key, err)
	}
	if locks != nil {
		ls.logger.WithField("path", key).Debug("lock refreshed")
	}
	return locks, nil
}

// Unlock 移除令牌对应的锁，key上没有该令牌时返回false
func (ls *LockStore) Unlock(ctx context.Context, key, token string) (bool, error) {
	current, err := ls.record(ctx, key)
	if err != nil {
		return false, err
	}
	if !utils.Contains(current.LockTokens(), token) {
		return false, nil
	}

	removed := false
	err = ls.store.Transaction(ctx, key, false, func(rec *sidecar.Record) error {
		if !utils.Contains(rec.LockTokens(), token) {
			return nil
		}
		removed = true
		// 创建者和深度随最后一把锁一起清除
		if len(rec.LockDiscovery) == 1 {
			rec.LockCreator = ""
			rec.LockDiscovery = nil
			rec.LockDepth = ""
			return nil
		}
		kept := rec.LockDiscovery[:0]
		for _, l := range rec.LockDiscovery {
			if l.Token != token {
				kept = append(kept, l)
			}
		}
		rec.LockDiscovery = kept
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to unlock %s: %w", key, err)
	}
	if removed {
		ls.metrics.LockRemoved()
		ls.logger.WithFields(logrus.Fields{"path": key, "token": token}).Info("lock removed")
	}
	return removed, nil
}

// ClearLocks 清除key上的全部锁，供运维使用
func (ls *LockStore) ClearLocks(ctx context.Context, key string) (int, error) {
	n := 0
	err := ls.store.Transaction(ctx, key, false, func(rec *sidecar.Record) error {
		n = len(rec.LockDiscovery)
		rec.LockDiscovery = nil
		rec.LockDepth = ""
		rec.LockCreator = ""
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear locks on %s: %w", key, err)
	}
	for i := 0; i < n; i++ {
		ls.metrics.LockRemoved()
	}
	return n, nil
}

// timeout 应用超时上限
func (ls *LockStore) timeout(requested int64) int64 {
	if requested <= 0 || requested > ls.maxTimeout {
		return ls.maxTimeout
	}
	return requested
}
