package webdav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/types"
	"github.com/webdav-core/internal/webdav/davxml"
	"github.com/webdav-core/internal/webdav/validators"
)

// PropfindMode PROPFIND请求类型
type PropfindMode int

const (
	PropfindProp PropfindMode = iota
	PropfindAllprop
	PropfindPropname
)

// PropfindRequest 解析后的propfind请求
type PropfindRequest struct {
	Mode  PropfindMode
	Props []*davxml.Element
}

// PropfindResult 按是否找到拆分的属性
type PropfindResult struct {
	Found    []*davxml.Element
	NotFound []*davxml.Element
}

// PatchInstruction propertyupdate中的一条set/remove指令
type PatchInstruction struct {
	Remove bool
	Prop   *davxml.Element
}

// PropertyFailure 单个属性的拒绝原因
type PropertyFailure struct {
	Prop *davxml.Element
	Err  *types.PropertyError
}

// ProppatchResult PROPPATCH结果。Failed 非空时没有任何修改被应用
type ProppatchResult struct {
	Set     []*davxml.Element
	Removed []*davxml.Element
	Failed  []PropertyFailure
	Skipped []*davxml.Element
}

// OK 全部指令已应用
func (r *ProppatchResult) OK() bool { return len(r.Failed) == 0 }

// ParsePropfind 解析propfind正文，空正文等同allprop
func ParsePropfind(root *davxml.Element) (*PropfindRequest, error) {
	if root == nil {
		return &PropfindRequest{Mode: PropfindAllprop}, nil
	}
	if !root.IsDAV("propfind") {
		return nil, ErrBadRequest
	}
	for _, child := range root.Children() {
		switch {
		case child.IsDAV("allprop"):
			return &PropfindRequest{Mode: PropfindAllprop}, nil
		case child.IsDAV("propname"):
			return &PropfindRequest{Mode: PropfindPropname}, nil
		case child.IsDAV("prop"):
			return &PropfindRequest{Mode: PropfindProp, Props: child.Children()}, nil
		}
	}
	return nil, ErrBadRequest
}

// ParseProppatch 按文档顺序提取set/remove指令
func ParseProppatch(root *davxml.Element) ([]PatchInstruction, error) {
	if root == nil || !root.IsDAV("propertyupdate") {
		return nil, ErrBadRequest
	}
	instrs, err := patchInstructions(root)
	if err != nil {
		return nil, err
	}
	if len(instrs) == 0 {
		return nil, ErrBadRequest
	}
	return instrs, nil
}

// patchInstructions 收集 set/remove 块下 prop 的子元素
func patchInstructions(root *davxml.Element) ([]PatchInstruction, error) {
	var instrs []PatchInstruction
	for _, block := range root.Children() {
		remove := block.IsDAV("remove")
		if !remove && !block.IsDAV("set") {
			continue
		}
		for _, prop := range block.Children() {
			if !prop.IsDAV("prop") {
				continue
			}
			for _, p := range prop.Children() {
				instrs = append(instrs, PatchInstruction{Remove: remove, Prop: p})
			}
		}
	}
	return instrs, nil
}

// PropertyCodec 属性编解码器，死属性以序列化片段存入旁路记录，活属性由资源状态计算
type PropertyCodec struct {
	store     sidecar.Store
	validator validators.PropertyValidator
	logger    logrus.FieldLogger
}

// NewPropertyCodec 创建属性编解码器
func NewPropertyCodec(store sidecar.Store, validator validators.PropertyValidator, logger logrus.FieldLogger) *PropertyCodec {
	if validator == nil {
		validator = validators.NewDefaultValidator()
	}
	return &PropertyCodec{store: store, validator: validator, logger: logger}
}

// Propfind 查询资源属性
func (c *PropertyCodec) Propfind(ctx context.Context, res *Resource, req *PropfindRequest) (*PropfindResult, error) {
	rec, err := c.load(ctx, res.Path())
	if err != nil {
		return nil, err
	}

	result := &PropfindResult{}
	switch req.Mode {
	case PropfindAllprop:
		for _, name := range liveNames() {
			if el, ok := c.liveProperty(ctx, res, rec, name); ok {
				result.Found = append(result.Found, el)
			}
		}
		for _, f := range deadFragments(rec) {
			if f.Namespace == types.NamespaceDAV && types.KnownLiveProperties[f.Name] {
				continue
			}
			if el, err := davxml.ParseFragment(f.XML); err == nil {
				result.Found = append(result.Found, el)
			}
		}
	case PropfindPropname:
		for _, name := range liveNames() {
			if _, ok := c.liveProperty(ctx, res, rec, name); ok {
				result.Found = append(result.Found, davxml.DAV(name))
			}
		}
		for _, f := range deadFragments(rec) {
			if f.Namespace == types.NamespaceDAV && types.KnownLiveProperties[f.Name] {
				continue
			}
			result.Found = append(result.Found, davxml.NewElement(f.Namespace, f.Name))
		}
	default:
		for _, prop := range req.Props {
			name := prop.PropName()
			if name.IsDAV() && types.KnownLiveProperties[name.Local] {
				if el, ok := c.liveProperty(ctx, res, rec, name.Local); ok {
					result.Found = append(result.Found, el)
					continue
				}
				result.NotFound = append(result.NotFound, prop.Empty())
				continue
			}
			if f, ok := findProperty(rec.Properties, name); ok {
				if el, err := davxml.ParseFragment(f.XML); err == nil {
					result.Found = append(result.Found, el)
					continue
				}
			}
			result.NotFound = append(result.NotFound, prop.Empty())
		}
	}
	return result, nil
}

// Proppatch 先校验全部指令，全部通过后在一次旁路事务中应用
func (c *PropertyCodec) Proppatch(ctx context.Context, res *Resource, instrs []PatchInstruction) (*ProppatchResult, error) {
	result := &ProppatchResult{}

	fragments := make([]string, len(instrs))
	for i, in := range instrs {
		op := validators.OperationSet
		if in.Remove {
			op = validators.OperationRemove
		} else {
			fragments[i] = davxml.Marshal(in.Prop)
		}
		if err := c.validator.ValidateOperation(op, in.Prop.PropName(), fragments[i]); err != nil {
			var propErr *types.PropertyError
			if !errors.As(err, &propErr) {
				propErr = &types.PropertyError{Code: http.StatusForbidden, Message: err.Error()}
			}
			result.Failed = append(result.Failed, PropertyFailure{Prop: in.Prop.Empty(), Err: propErr})
			continue
		}
		result.Skipped = append(result.Skipped, in.Prop.Empty())
	}
	if !result.OK() {
		return result, nil
	}
	result.Skipped = nil

	err := c.store.Transaction(ctx, res.Path(), false, func(rec *sidecar.Record) error {
		if rec.Properties == nil {
			rec.Properties = make(map[string][]types.Fragment)
		}
		for i, in := range instrs {
			name := in.Prop.PropName()
			if in.Remove {
				removeProperty(rec.Properties, name)
				result.Removed = append(result.Removed, in.Prop.Empty())
				continue
			}
			setProperty(rec.Properties, types.Fragment{
				Namespace: name.Space,
				Name:      name.Local,
				XML:       fragments[i],
			})
			result.Set = append(result.Set, in.Prop.Empty())
		}
		if len(rec.Properties) == 0 {
			rec.Properties = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update properties of %s: %w", res.Path(), err)
	}

	c.logger.WithFields(logrus.Fields{
		"path":    res.Path(),
		"set":     len(result.Set),
		"removed": len(result.Removed),
	}).Debug("properties patched")
	return result, nil
}

func (c *PropertyCodec) load(ctx context.Context, key string) (*sidecar.Record, error) {
	var out *sidecar.Record
	err := c.store.Transaction(ctx, key, true, func(rec *sidecar.Record) error {
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read properties of %s: %w", key, err)
	}
	return out, nil
}

// ========================================
// 活属性
// ========================================

// liveNames 活属性按固定顺序输出
func liveNames() []string {
	names := make([]string, 0, len(types.KnownLiveProperties))
	for name := range types.KnownLiveProperties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// liveProperty 计算DAV:活属性，资源没有该属性时 ok 为 false
func (c *PropertyCodec) liveProperty(ctx context.Context, res *Resource, rec *sidecar.Record, name string) (*davxml.Element, bool) {
	stored := func() (*davxml.Element, bool) {
		f, ok := findProperty(rec.Properties, types.PropName{Space: types.NamespaceDAV, Local: name})
		if !ok {
			return nil, false
		}
		el, err := davxml.ParseFragment(f.XML)
		return el, err == nil
	}

	switch name {
	case "creationdate":
		return davxml.DAV(name, davxml.Text(res.CreatedAt().UTC().Format(time.RFC3339))), true
	case "displayname":
		if el, ok := stored(); ok {
			return el, true
		}
		return davxml.DAV(name, davxml.Text(res.Name())), true
	case "getcontentlanguage":
		return stored()
	case "getcontentlength":
		if res.IsCollection() {
			return nil, false
		}
		return davxml.DAV(name, davxml.Text(strconv.FormatInt(res.Size(), 10))), true
	case "getcontenttype":
		if el, ok := stored(); ok {
			return el, true
		}
		if res.IsCollection() {
			return nil, false
		}
		ct, err := res.ContentType(ctx)
		if err != nil || ct == "" {
			return nil, false
		}
		return davxml.DAV(name, davxml.Text(ct)), true
	case "getetag":
		return davxml.DAV(name, davxml.Text(res.WeakETag())), true
	case "getlastmodified":
		return davxml.DAV(name, davxml.Text(res.ModTime().UTC().Format(http.TimeFormat))), true
	case "lockdiscovery":
		return davxml.LockDiscovery(rec.LockDiscovery), true
	case "resourcetype":
		if res.IsCollection() {
			return davxml.DAV(name, davxml.DAV("collection")), true
		}
		return davxml.DAV(name), true
	case "supportedlock":
		return davxml.SupportedLock(), true
	}
	return nil, false
}

// ========================================
// 死属性存储
// ========================================

// setProperty 同命名空间的条目原地覆盖，否则追加
func setProperty(props map[string][]types.Fragment, f types.Fragment) {
	list := props[f.Name]
	for i, existing := range list {
		if existing.Namespace == f.Namespace {
			list[i] = f
			return
		}
	}
	props[f.Name] = append(list, f)
}

// removeProperty 删除指定命名空间下的属性，不存在时忽略
func removeProperty(props map[string][]types.Fragment, name types.PropName) {
	list := props[name.Local]
	kept := list[:0]
	for _, f := range list {
		if f.Namespace != name.Space {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		delete(props, name.Local)
		return
	}
	props[name.Local] = kept
}

func findProperty(props map[string][]types.Fragment, name types.PropName) (types.Fragment, bool) {
	for _, f := range props[name.Local] {
		if f.Namespace == name.Space {
			return f, true
		}
	}
	return types.Fragment{}, false
}

// deadFragments 所有死属性，按本地名排序，同名保持插入顺序
func deadFragments(rec *sidecar.Record) []types.Fragment {
	names := make([]string, 0, len(rec.Properties))
	for name := range rec.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []types.Fragment
	for _, name := range names {
		out = append(out, rec.Properties[name]...)
	}
	return out
}
