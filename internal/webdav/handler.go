package webdav

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/config"
	"github.com/webdav-core/internal/types"
	"github.com/webdav-core/internal/webdav/davxml"
	"github.com/webdav-core/internal/webdav/utils"
	"github.com/webdav-core/internal/webdav/validators"
)

// RequestHandler 单个WebDAV方法的处理器
type RequestHandler interface {
	Handle(ctx context.Context, res *Resource, req *Request) (*Response, error)
}

// Handler 各方法处理器共享的依赖
type Handler struct {
	fs            *FileSystem
	locks         *LockStore
	props         *PropertyCodec
	resourceTypes *validators.ResourceTypeValidator
	dav           config.DAVConfig
	allow         []Verb
	logger        logrus.FieldLogger
}

// NewHandler 创建处理器依赖集合
func NewHandler(fs *FileSystem, props *PropertyCodec, dav config.DAVConfig, allow []Verb, logger logrus.FieldLogger) *Handler {
	return &Handler{
		fs:            fs,
		locks:         fs.Locks(),
		props:         props,
		resourceTypes: validators.NewResourceTypeValidator(dav.ValidResourceTypes),
		dav:           dav,
		allow:         allow,
		logger:        logger,
	}
}

// lockedResponse 423，正文指出持有锁的资源
func (h *Handler) lockedResponse(res *Resource) *Response {
	href := res.Href()
	if la := res.LockingAncestor(); la != nil && la.Locked() && la.Path != "" {
		href = h.fs.mountPrefix + la.Path
	}
	return xmlResponse(http.StatusLocked, davxml.ErrorBody("lock-token-submitted", href))
}

// ========================================
// OPTIONS
// ========================================

type optionsHandler struct{ *Handler }

func (h optionsHandler) Handle(_ context.Context, _ *Resource, _ *Request) (*Response, error) {
	classes := []string{"1", "2", "3"}
	if h.dav.EnableAccessControl {
		classes = append(classes, "access-control")
	}
	if h.dav.EnableExtendedMkcol {
		classes = append(classes, "extended-mkcol")
	}

	resp := NewResponse(http.StatusOK)
	resp.Header.Set("DAV", strings.Join(classes, ", "))
	resp.Header.Set("Allow", allowHeader(h.allow))
	resp.Header.Set("MS-Author-Via", "DAV")
	return resp, nil
}

func allowHeader(verbs []Verb) string {
	names := make([]string, len(verbs))
	for i, v := range verbs {
		names[i] = v.String()
	}
	return strings.Join(names, ", ")
}

// ========================================
// GET / HEAD
// ========================================

type getHandler struct {
	*Handler
	head bool
}

func (h getHandler) Handle(ctx context.Context, res *Resource, _ *Request) (*Response, error) {
	if !res.Readable() {
		return NewResponse(http.StatusNotFound), nil
	}
	ct, err := res.ContentType(ctx)
	if err != nil {
		return nil, err
	}

	resp := NewResponse(http.StatusOK)
	resp.Header.Set("ETag", res.WeakETag())
	resp.Header.Set("Last-Modified", res.ModTime().UTC().Format(http.TimeFormat))
	resp.Header.Set("Content-Type", ct)
	resp.Header.Set("Content-Length", strconv.FormatInt(res.Size(), 10))
	if h.head {
		return resp, nil
	}

	data, err := res.Read()
	if err != nil {
		return nil, err
	}
	resp.Body = data
	return resp, nil
}

// ========================================
// PUT
// ========================================

type putHandler struct{ *Handler }

func (h putHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	locked, err := res.LockedToUser(ctx, req)
	if err != nil {
		return nil, err
	}
	if locked {
		return h.lockedResponse(res), nil
	}
	if res.IsCollection() {
		return NewResponse(http.StatusMethodNotAllowed), nil
	}
	if !res.AncestorExists() {
		return NewResponse(http.StatusConflict), nil
	}

	if err := res.Write(req.Body); err != nil {
		if errors.Is(err, ErrConflict) {
			return NewResponse(http.StatusConflict), nil
		}
		return nil, err
	}
	ct, err := res.ContentType(ctx)
	if err != nil {
		return nil, err
	}

	resp := NewResponse(http.StatusCreated)
	resp.Header.Set("ETag", res.WeakETag())
	resp.Header.Set("Content-Type", ct)
	resp.Body = req.Body
	return resp, nil
}

// ========================================
// DELETE
// ========================================

type deleteHandler struct{ *Handler }

func (h deleteHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	locked, err := res.LockedToUser(ctx, req)
	if err != nil {
		return nil, err
	}
	if locked {
		return h.lockedResponse(res), nil
	}
	if !res.Exists() {
		return NewResponse(http.StatusNotFound), nil
	}
	if err := res.Delete(ctx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewResponse(http.StatusNotFound), nil
		}
		return nil, err
	}
	return NewResponse(http.StatusNoContent), nil
}

// ========================================
// MKCOL
// ========================================

type mkcolHandler struct{ *Handler }

func (h mkcolHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	if res.Exists() {
		return NewResponse(http.StatusMethodNotAllowed), nil
	}
	if !res.AncestorExists() {
		return NewResponse(http.StatusConflict), nil
	}
	locked, err := res.LockedToUser(ctx, req)
	if err != nil {
		return nil, err
	}
	if locked {
		return h.lockedResponse(res), nil
	}

	var instrs []PatchInstruction
	if req.hasBody() {
		if !h.dav.EnableExtendedMkcol {
			return NewResponse(http.StatusUnsupportedMediaType), nil
		}
		root, err := req.parseBody()
		if err != nil {
			return NewResponse(http.StatusBadRequest), nil
		}
		if !root.IsDAV("mkcol") {
			return NewResponse(http.StatusUnsupportedMediaType), nil
		}
		all, _ := patchInstructions(root)

		var requested []string
		for _, in := range all {
			if in.Remove {
				continue
			}
			if in.Prop.IsDAV("resourcetype") {
				for _, rt := range in.Prop.Children() {
					requested = append(requested, rt.Name.Local)
				}
				continue
			}
			instrs = append(instrs, in)
		}
		if err := h.resourceTypes.Validate(requested); err != nil {
			return h.invalidResourceType(instrs), nil
		}
	}

	if err := res.CreateCollection(); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyExists):
			return NewResponse(http.StatusMethodNotAllowed), nil
		case errors.Is(err, ErrConflict):
			return NewResponse(http.StatusConflict), nil
		}
		return nil, err
	}

	if len(instrs) > 0 {
		result, err := h.props.Proppatch(ctx, res, instrs)
		if err != nil {
			return nil, err
		}
		if !result.OK() {
			if err := res.Delete(ctx); err != nil {
				return nil, err
			}
			return xmlResponse(http.StatusForbidden, davxml.MkcolResponse(proppatchPropstats(result)...)), nil
		}
	}

	resp := NewResponse(http.StatusCreated)
	resp.Header.Set("Content-Location", res.Href())
	return resp, nil
}

// invalidResourceType 资源类型被拒绝时的 mkcol-response
func (h mkcolHandler) invalidResourceType(rest []PatchInstruction) *Response {
	dependent := make([]*davxml.Element, 0, len(rest))
	for _, in := range rest {
		dependent = append(dependent, in.Prop.Empty())
	}
	body := davxml.MkcolResponse(
		davxml.Propstat{
			Props:  []*davxml.Element{davxml.DAV("resourcetype")},
			Status: http.StatusForbidden,
			Error:  davxml.ErrorElement("valid-resourcetype"),
		},
		davxml.Propstat{Props: dependent, Status: http.StatusFailedDependency},
	)
	return xmlResponse(http.StatusForbidden, body)
}

// ========================================
// COPY / MOVE
// ========================================

type copyHandler struct{ *Handler }

func (h copyHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	dest, resp := h.destination(res, req)
	if resp != nil {
		return resp, nil
	}
	depth := req.Depth(types.DepthInfinity)
	if depth != types.DepthZero && depth != types.DepthInfinity {
		return NewResponse(http.StatusBadRequest), nil
	}
	return h.copy(ctx, res, req, dest, req.Overwrite(), depth)
}

// destination 校验Destination头
func (h *Handler) destination(res *Resource, req *Request) (string, *Response) {
	dest, err := req.destinationPath(h.fs.mountPrefix)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			return "", NewResponse(http.StatusForbidden)
		}
		return "", NewResponse(http.StatusBadRequest)
	}
	if !res.Exists() {
		return "", NewResponse(http.StatusNotFound)
	}
	if h.fs.store.Reserved(utils.Path.Base(dest)) {
		return "", NewResponse(http.StatusForbidden)
	}
	if dest == res.Path() || utils.Path.IsDescendant(dest, res.Path()) {
		return "", NewResponse(http.StatusForbidden)
	}
	return dest, nil
}

func (h *Handler) copy(ctx context.Context, res *Resource, req *Request, dest string, overwrite bool, depth string) (*Response, error) {
	opts, err := res.CopyOptions(ctx, dest, overwrite, req)
	if err != nil {
		return nil, err
	}
	if !opts.CanCopy {
		if opts.AncestorExists {
			return NewResponse(http.StatusPreconditionFailed), nil
		}
		return NewResponse(http.StatusConflict), nil
	}
	if opts.Locked {
		return xmlResponse(http.StatusLocked, davxml.ErrorBody("lock-token-submitted", h.fs.mountPrefix+dest)), nil
	}

	existed, err := res.CopyTo(ctx, dest, overwrite, depth)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return NewResponse(http.StatusPreconditionFailed), nil
		}
		return nil, err
	}
	if existed {
		return NewResponse(http.StatusNoContent), nil
	}
	return NewResponse(http.StatusCreated), nil
}

type moveHandler struct{ *Handler }

func (h moveHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	dest, resp := h.destination(res, req)
	if resp != nil {
		return resp, nil
	}
	locked, err := res.LockedToUser(ctx, req)
	if err != nil {
		return nil, err
	}
	if locked {
		return h.lockedResponse(res), nil
	}

	destExisted := false
	if req.Overwrite() {
		target, err := h.fs.Open(dest)
		if err != nil {
			return nil, err
		}
		if target.Exists() {
			opts, err := res.CopyOptions(ctx, dest, true, req)
			if err != nil {
				return nil, err
			}
			if opts.Locked {
				return xmlResponse(http.StatusLocked, davxml.ErrorBody("lock-token-submitted", h.fs.mountPrefix+dest)), nil
			}
			if err := target.Delete(ctx); err != nil {
				return nil, err
			}
			destExisted = true
		}
	}

	// an overwritten destination is already gone
	resp, err = h.copy(ctx, res, req, dest, false, types.DepthInfinity)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case http.StatusPreconditionFailed, http.StatusConflict, http.StatusLocked:
		return resp, nil
	}

	if err := res.Delete(ctx); err != nil {
		return nil, err
	}
	if resp.Status == http.StatusCreated {
		if destExisted {
			return NewResponse(http.StatusNoContent), nil
		}
		resp.Header.Set("Location", h.fs.mountPrefix+dest)
	}
	return resp, nil
}

// ========================================
// PROPFIND / PROPPATCH
// ========================================

type propfindHandler struct{ *Handler }

func (h propfindHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	if !res.Exists() {
		return NewResponse(http.StatusNotFound), nil
	}
	root, err := req.parseBody()
	if err != nil {
		return NewResponse(http.StatusBadRequest), nil
	}
	pf, err := ParsePropfind(root)
	if err != nil {
		return NewResponse(http.StatusBadRequest), nil
	}
	depth := req.Depth(types.DepthInfinity)
	switch depth {
	case types.DepthZero, types.DepthOne, types.DepthInfinity:
	default:
		return NewResponse(http.StatusBadRequest), nil
	}

	targets, err := h.walk(res, depth)
	if err != nil {
		return nil, err
	}
	responses := make([]davxml.Response, 0, len(targets))
	for _, r := range targets {
		result, err := h.props.Propfind(ctx, r, pf)
		if err != nil {
			return nil, err
		}
		responses = append(responses, davxml.Response{
			Href: r.Href(),
			Propstats: []davxml.Propstat{
				{Props: result.Found, Status: http.StatusOK},
				{Props: result.NotFound, Status: http.StatusNotFound},
			},
		})
	}
	return xmlResponse(http.StatusMultiStatus, davxml.Multistatus(responses...)), nil
}

// walk 按Depth收集资源，自身在前
func (h propfindHandler) walk(res *Resource, depth string) ([]*Resource, error) {
	out := []*Resource{res}
	if depth == types.DepthZero || !res.IsCollection() {
		return out, nil
	}
	children, err := res.Children()
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if depth == types.DepthOne {
			out = append(out, child)
			continue
		}
		sub, err := h.walk(child, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

type proppatchHandler struct{ *Handler }

func (h proppatchHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	if !res.Exists() {
		return NewResponse(http.StatusNotFound), nil
	}
	locked, err := res.LockedToUser(ctx, req)
	if err != nil {
		return nil, err
	}
	if locked {
		return h.lockedResponse(res), nil
	}

	root, err := req.parseBody()
	if err != nil {
		return NewResponse(http.StatusBadRequest), nil
	}
	instrs, err := ParseProppatch(root)
	if err != nil {
		return NewResponse(http.StatusBadRequest), nil
	}

	result, err := h.props.Proppatch(ctx, res, instrs)
	if err != nil {
		return nil, err
	}
	body := davxml.Multistatus(davxml.Response{
		Href:      res.Href(),
		Propstats: proppatchPropstats(result),
	})
	return xmlResponse(http.StatusMultiStatus, body), nil
}

// proppatchPropstats 按状态分组：成功为200，失败时每种错误码一组，其余为424
func proppatchPropstats(result *ProppatchResult) []davxml.Propstat {
	if result.OK() {
		props := append(append([]*davxml.Element{}, result.Set...), result.Removed...)
		return []davxml.Propstat{{Props: props, Status: http.StatusOK}}
	}

	var out []davxml.Propstat
	index := map[int]int{}
	for _, f := range result.Failed {
		i, ok := index[f.Err.Code]
		if !ok {
			i = len(out)
			index[f.Err.Code] = i
			out = append(out, davxml.Propstat{Status: f.Err.Code, Description: f.Err.Message})
		}
		out[i].Props = append(out[i].Props, f.Prop)
	}
	return append(out, davxml.Propstat{Props: result.Skipped, Status: http.StatusFailedDependency})
}

// ========================================
// LOCK / UNLOCK
// ========================================

type lockHandler struct{ *Handler }

func (h lockHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	locked, err := res.LockedToUser(ctx, req)
	if err != nil {
		return nil, err
	}
	timeout := types.ParseTimeout(req.Header.Get("Timeout"), h.locks.maxTimeout)

	if !req.hasBody() {
		if locked {
			return h.lockedResponse(res), nil
		}
		locks, err := h.locks.Refresh(ctx, res.Path(), timeout)
		if err != nil {
			if errors.Is(err, ErrNoLock) {
				return NewResponse(http.StatusPreconditionFailed), nil
			}
			return nil, err
		}
		return xmlResponse(http.StatusOK, davxml.LockResponse(locks)), nil
	}

	root, err := req.parseBody()
	if err != nil || !root.IsDAV("lockinfo") {
		return NewResponse(http.StatusBadRequest), nil
	}
	lr, ok := parseLockInfo(root)
	if !ok {
		return NewResponse(http.StatusBadRequest), nil
	}
	lr.Depth = req.Depth(types.DepthInfinity)
	if lr.Depth != types.DepthZero && lr.Depth != types.DepthInfinity {
		return NewResponse(http.StatusBadRequest), nil
	}
	lr.Timeout = timeout
	lr.Root = res.Href()

	exclusive, err := res.LockIsExclusive(ctx)
	if err != nil {
		return nil, err
	}
	if exclusive || (locked && lr.Scope != types.LockScopeShared) {
		return h.lockedResponse(res), nil
	}

	existed := res.Exists()
	if !existed {
		if !res.AncestorExists() {
			return NewResponse(http.StatusConflict), nil
		}
		if err := res.Write(nil); err != nil {
			if errors.Is(err, ErrConflict) {
				return NewResponse(http.StatusConflict), nil
			}
			return nil, err
		}
	}

	locks, lock, err := h.locks.Lock(ctx, res.Path(), lr, req.Identity)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return h.lockedResponse(res), nil
		}
		return nil, err
	}

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	resp := xmlResponse(status, davxml.LockResponse(locks))
	resp.Header.Set("Lock-Token", "<"+lock.Token+">")
	return resp, nil
}

// parseLockInfo 读取 lockscope/locktype/owner
func parseLockInfo(root *davxml.Element) (LockRequest, bool) {
	var lr LockRequest
	if scope := root.ChildDAV("lockscope"); scope != nil {
		for _, c := range scope.Children() {
			switch {
			case c.IsDAV(types.LockScopeExclusive):
				lr.Scope = types.LockScopeExclusive
			case c.IsDAV(types.LockScopeShared):
				lr.Scope = types.LockScopeShared
			}
		}
	}
	if lr.Scope == "" {
		return lr, false
	}
	if lt := root.ChildDAV("locktype"); lt != nil {
		if lt.ChildDAV(types.LockTypeWrite) == nil {
			return lr, false
		}
	}
	lr.Type = types.LockTypeWrite
	if owner := root.ChildDAV("owner"); owner != nil {
		lr.Owner = davxml.Marshal(owner)
	}
	return lr, true
}

type unlockHandler struct{ *Handler }

func (h unlockHandler) Handle(ctx context.Context, res *Resource, req *Request) (*Response, error) {
	token, ok := req.LockToken()
	if !ok || token == "" {
		return NewResponse(http.StatusBadRequest), nil
	}
	if !res.Exists() {
		return NewResponse(http.StatusNotFound), nil
	}

	removed, err := h.locks.Unlock(ctx, res.Path(), token)
	if err != nil {
		return nil, err
	}
	if !removed {
		return xmlResponse(http.StatusForbidden, davxml.ErrorBody("lock-token-matches-request-uri")), nil
	}
	return NewResponse(http.StatusNoContent), nil
}
