package webdav

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/types"
	"github.com/webdav-core/internal/webdav/davxml"
	"github.com/webdav-core/internal/webdav/utils"
)

// FileSystem 资源工厂
type FileSystem struct {
	root        string
	mountPrefix string
	store       sidecar.Store
	locks       *LockStore
	logger      logrus.FieldLogger
}

// NewFileSystem 创建文件系统资源工厂
func NewFileSystem(root, mountPrefix string, store sidecar.Store, locks *LockStore, logger logrus.FieldLogger) (*FileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileSystem{
		root:        abs,
		mountPrefix: mountPrefix,
		store:       store,
		locks:       locks,
		logger:      logger,
	}, nil
}

// Open 打开p处的资源，资源不存在不算错误
func (fsys *FileSystem) Open(p string) (*Resource, error) {
	p = utils.Path.Clean(p)
	r := &Resource{
		fs:       fsys,
		path:     p,
		fullPath: filepath.Join(fsys.root, filepath.FromSlash(p)),
	}
	if err := r.restat(); err != nil {
		return nil, err
	}
	return r, nil
}

// Root 存储根目录
func (fsys *FileSystem) Root() string { return fsys.root }

// Store 旁路存储
func (fsys *FileSystem) Store() sidecar.Store { return fsys.store }

// Locks 锁存储
func (fsys *FileSystem) Locks() *LockStore { return fsys.locks }

type fileStat struct {
	inode   uint64
	created time.Time
}

// Resource 文件系统上的一个WebDAV资源，每个请求新建
type Resource struct {
	fs       *FileSystem
	path     string
	fullPath string
	info     os.FileInfo
	stat     fileStat

	lockingAncestor *LockResolution
}

func (r *Resource) restat() error {
	info, err := os.Stat(r.fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		r.info = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", r.path, err)
	}
	r.info = info
	r.stat = statOf(r.fullPath, info)
	return nil
}

// Path 相对存储根的路径
func (r *Resource) Path() string { return r.path }

// Name 资源名
func (r *Resource) Name() string { return utils.Path.Base(r.path) }

// Href 带挂载前缀的URL路径，集合以 / 结尾
func (r *Resource) Href() string {
	href := r.fs.mountPrefix + r.path
	if r.IsCollection() && r.path != "/" {
		href += "/"
	}
	return href
}

// Exists 资源是否存在
func (r *Resource) Exists() bool { return r.info != nil }

// IsCollection 是否为集合
func (r *Resource) IsCollection() bool { return r.info != nil && r.info.IsDir() }

// Readable 是否可读取内容
func (r *Resource) Readable() bool { return r.Exists() && !r.IsCollection() }

// AncestorExists 父集合是否存在
func (r *Resource) AncestorExists() bool {
	info, err := os.Stat(filepath.Dir(r.fullPath))
	return err == nil && info.IsDir()
}

// Size 内容长度
func (r *Resource) Size() int64 {
	if r.info == nil {
		return 0
	}
	return r.info.Size()
}

// ModTime 修改时间
func (r *Resource) ModTime() time.Time {
	if r.info == nil {
		return time.Time{}
	}
	return r.info.ModTime()
}

// CreatedAt 创建时间
func (r *Resource) CreatedAt() time.Time { return r.stat.created }

// Etag 格式为 "<mtime>-<inode>-<size>"，资源不存在时为空
func (r *Resource) Etag() string {
	if r.info == nil {
		return ""
	}
	return fmt.Sprintf("%d-%d-%d", r.info.ModTime().Unix(), r.stat.inode, r.info.Size())
}

// WeakETag 对外暴露的弱校验值 W/"md5(etag/)"
func (r *Resource) WeakETag() string {
	if r.info == nil {
		return ""
	}
	sum := md5.Sum([]byte(r.Etag() + "/"))
	return `W/"` + hex.EncodeToString(sum[:]) + `"`
}

// Read 读取内容
func (r *Resource) Read() ([]byte, error) {
	if !r.Readable() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(r.fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.path, err)
	}
	return data, nil
}

// Write 创建或覆盖内容
func (r *Resource) Write(data []byte) error {
	if r.IsCollection() {
		return ErrConflict
	}
	if err := os.WriteFile(r.fullPath, data, 0o644); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrConflict
		}
		return fmt.Errorf("failed to write %s: %w", r.path, err)
	}
	return r.restat()
}

// CreateCollection 创建集合
func (r *Resource) CreateCollection() error {
	if r.Exists() {
		return ErrAlreadyExists
	}
	if err := os.Mkdir(r.fullPath, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		if errors.Is(err, fs.ErrNotExist) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create collection %s: %w", r.path, err)
	}
	return r.restat()
}

// Delete 删除资源及其下所有旁路记录，集合递归删除
func (r *Resource) Delete(ctx context.Context) error {
	if !r.Exists() {
		return ErrNotFound
	}
	if err := r.fs.store.Delete(ctx, r.path); err != nil {
		return fmt.Errorf("failed to delete sidecar of %s: %w", r.path, err)
	}
	if err := os.RemoveAll(r.fullPath); err != nil {
		return fmt.Errorf("failed to delete %s: %w", r.path, err)
	}
	r.fs.logger.WithField("path", r.path).Debug("resource deleted")
	return r.restat()
}

// Children 集合的直接成员，隐藏旁路存储自身的文件
func (r *Resource) Children() ([]*Resource, error) {
	if !r.IsCollection() {
		return nil, nil
	}
	entries, err := os.ReadDir(r.fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.path, err)
	}

	children := make([]*Resource, 0, len(entries))
	for _, e := range entries {
		if r.fs.store.Reserved(e.Name()) {
			continue
		}
		child, err := r.fs.Open(path.Join(r.path, e.Name()))
		if err != nil {
			return nil, err
		}
		if child.Exists() {
			children = append(children, child)
		}
	}
	return children, nil
}

// ContentType 存储的 getcontenttype 死属性，否则按扩展名推断
func (r *Resource) ContentType(ctx context.Context) (string, error) {
	stored, err := r.storedText(ctx, "getcontenttype")
	if err != nil || stored != "" {
		return stored, err
	}
	if r.IsCollection() {
		return "httpd/unix-directory", nil
	}
	if ct := mime.TypeByExtension(path.Ext(r.path)); ct != "" {
		return ct, nil
	}
	return "application/octet-stream", nil
}

func (r *Resource) storedText(ctx context.Context, local string) (string, error) {
	var text string
	err := r.fs.store.Transaction(ctx, r.path, true, func(rec *sidecar.Record) error {
		for _, f := range rec.Properties[local] {
			if f.Namespace != types.NamespaceDAV {
				continue
			}
			el, err := davxml.ParseFragment(f.XML)
			if err != nil {
				return nil
			}
			text = el.Text()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read properties of %s: %w", r.path, err)
	}
	return text, nil
}

// ========================================
// 锁相关
// ========================================

// Locks 资源上的活动锁
func (r *Resource) Locks(ctx context.Context) ([]types.ActiveLock, error) {
	return r.fs.locks.Discovery(ctx, r.path)
}

// Locked 资源自身是否持有锁
func (r *Resource) Locked(ctx context.Context) (bool, error) {
	locks, err := r.Locks(ctx)
	return len(locks) > 0, err
}

// LockIsExclusive 资源自身是否持有排他锁
func (r *Resource) LockIsExclusive(ctx context.Context) (bool, error) {
	locks, err := r.Locks(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if l.IsExclusive() {
			return true, nil
		}
	}
	return false, nil
}

// LockedToUser 调用者是否被锁阻止写入，结果保留用于423响应体
func (r *Resource) LockedToUser(ctx context.Context, req *Request) (bool, error) {
	locked, res, err := r.fs.locks.LockedToUser(ctx, r.path, req.SubmittedTokens(), req.Identity)
	if err != nil {
		return false, err
	}
	r.lockingAncestor = res
	return locked, nil
}

// LockingAncestor 最近一次锁判定找到的加锁资源
func (r *Resource) LockingAncestor() *LockResolution { return r.lockingAncestor }

// ========================================
// 复制
// ========================================

// CopyOptions 复制前置条件
type CopyOptions struct {
	CanCopy        bool
	AncestorExists bool
	Locked         bool
}

// CopyOptions 判断能否复制到dest。锁检查覆盖dest本身，
// 再从其父级向上直到与源的公共祖先
func (r *Resource) CopyOptions(ctx context.Context, dest string, overwrite bool, req *Request) (CopyOptions, error) {
	var opts CopyOptions

	target, err := r.fs.Open(dest)
	if err != nil {
		return opts, err
	}
	opts.AncestorExists = target.AncestorExists()

	locked, err := r.destinationLocked(ctx, target, req)
	if err != nil {
		return opts, err
	}
	opts.Locked = locked

	if opts.AncestorExists {
		opts.CanCopy = overwrite || !target.Exists()
	}
	return opts, nil
}

func (r *Resource) destinationLocked(ctx context.Context, target *Resource, req *Request) (bool, error) {
	tokens := req.SubmittedTokens()

	own, err := target.Locks(ctx)
	if err != nil {
		return false, err
	}
	if len(own) > 0 {
		for _, l := range own {
			if utils.Contains(tokens, l.Token) {
				return false, nil
			}
		}
		return true, nil
	}

	common := utils.Path.CommonAncestor(r.path, target.path)
	chain := utils.Path.Ancestors(target.path, common)
	if common != "/" && utils.Path.IsDescendant(target.path, common) {
		chain = append(chain, common)
	}
	res, err := r.fs.locks.lockingAncestor(ctx, chain, tokens, req.Identity)
	if err != nil {
		return false, err
	}
	target.lockingAncestor = res
	return res.Locked(), nil
}

// CopyTo 复制资源到dest，返回dest原先是否存在。覆盖时连同旁路记录一起替换，
// 死属性只在 overwrite 为 false 时随复制保留，锁从不复制。depth "0" 只复制集合本身
func (r *Resource) CopyTo(ctx context.Context, dest string, overwrite bool, depth string) (bool, error) {
	target, err := r.fs.Open(dest)
	if err != nil {
		return false, err
	}
	existed := target.Exists()
	if existed {
		if !overwrite {
			return true, ErrAlreadyExists
		}
		if err := target.Delete(ctx); err != nil {
			return true, err
		}
	}

	type copied struct{ from, to string }
	var done []copied

	if r.IsCollection() {
		err = filepath.WalkDir(r.fullPath, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p != r.fullPath && (r.fs.store.Reserved(d.Name()) || depth == types.DepthZero) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(r.fullPath, p)
			if err != nil {
				return err
			}
			to := filepath.Join(target.fullPath, rel)
			from := path.Join(r.path, filepath.ToSlash(rel))

			if d.IsDir() {
				if err := os.MkdirAll(to, 0o755); err != nil {
					return err
				}
				done = append(done, copied{from, path.Join(target.path, filepath.ToSlash(rel))})
				return nil
			}
			if err := copyFile(p, to); err != nil {
				return err
			}
			done = append(done, copied{from, path.Join(target.path, filepath.ToSlash(rel))})
			return nil
		})
	} else {
		err = copyFile(r.fullPath, target.fullPath)
		done = append(done, copied{r.path, target.path})
	}
	if err != nil {
		return existed, fmt.Errorf("failed to copy %s to %s: %w", r.path, dest, err)
	}

	// 仅在不覆盖时保留死属性
	if !overwrite {
		for _, c := range done {
			if err := r.copyProperties(ctx, c.from, c.to); err != nil {
				return existed, err
			}
		}
	}

	r.fs.logger.WithFields(logrus.Fields{
		"from":      r.path,
		"to":        dest,
		"overwrite": overwrite,
	}).Debug("resource copied")
	return existed, nil
}

// copyProperties 复制旁路记录中的死属性
func (r *Resource) copyProperties(ctx context.Context, from, to string) error {
	ok, err := r.fs.store.Exists(ctx, from)
	if err != nil || !ok {
		return err
	}

	var props map[string][]types.Fragment
	err = r.fs.store.Transaction(ctx, from, true, func(rec *sidecar.Record) error {
		props = rec.Clone().Properties
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read sidecar of %s: %w", from, err)
	}
	if len(props) == 0 {
		return nil
	}

	return r.fs.store.Transaction(ctx, to, false, func(rec *sidecar.Record) error {
		rec.Properties = props
		return nil
	})
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
