package davxml

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/webdav-core/internal/types"
)

// StatusLine 格式化 "<protocol> <code> <reason>"
func StatusLine(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return fmt.Sprintf("HTTP/1.1 %d", code)
	}
	return fmt.Sprintf("HTTP/1.1 %d %s", code, text)
}

// Propstat 一组同状态的属性
type Propstat struct {
	Props       []*Element
	Status      int
	Error       *Element
	Description string
}

// Response multistatus中的单个response
type Response struct {
	Href      string
	Propstats []Propstat
	Status    int
	Error     *Element
}

func (p Propstat) element() *Element {
	prop := DAV("prop")
	for _, el := range p.Props {
		prop.Append(el)
	}
	ps := DAV("propstat", prop, DAV("status", Text(StatusLine(p.Status))))
	if p.Error != nil {
		ps.Append(p.Error)
	}
	if p.Description != "" {
		ps.Append(DAV("responsedescription", Text(p.Description)))
	}
	return ps
}

// Multistatus 构建207响应体
func Multistatus(responses ...Response) []byte {
	root := DAV("multistatus")
	for _, r := range responses {
		resp := DAV("response", DAV("href", Text(EscapeHref(r.Href))))
		if r.Status != 0 {
			resp.Append(DAV("status", Text(StatusLine(r.Status))))
		}
		for _, ps := range r.Propstats {
			if len(ps.Props) == 0 {
				continue
			}
			resp.Append(ps.element())
		}
		if r.Error != nil {
			resp.Append(r.Error)
		}
		root.Append(resp)
	}
	return Document(root)
}

// MkcolResponse 扩展MKCOL失败响应体
func MkcolResponse(propstats ...Propstat) []byte {
	root := DAV("mkcol-response")
	for _, ps := range propstats {
		if len(ps.Props) == 0 {
			continue
		}
		root.Append(ps.element())
	}
	return Document(root)
}

// ErrorElement 构建 <D:error><D:condition><D:href/>...</D:condition></D:error>
func ErrorElement(condition string, hrefs ...string) *Element {
	cond := DAV(condition)
	for _, h := range hrefs {
		cond.Append(DAV("href", Text(EscapeHref(h))))
	}
	return DAV("error", cond)
}

// ErrorBody 错误条件文档
func ErrorBody(condition string, hrefs ...string) []byte {
	return Document(ErrorElement(condition, hrefs...))
}

// ActiveLockElement 将锁记录转换为 activelock 元素
func ActiveLockElement(l types.ActiveLock) *Element {
	lockType := l.Type
	if lockType == "" {
		lockType = types.LockTypeWrite
	}
	al := DAV("activelock",
		DAV("locktype", DAV(lockType)),
		DAV("lockscope", DAV(l.Scope)),
		DAV("depth", Text(l.Depth)),
	)
	if l.Owner != "" {
		if owner, err := ParseFragment(l.Owner); err == nil {
			al.Append(owner)
		}
	}
	al.Append(
		DAV("timeout", Text(l.Timeout)),
		DAV("locktoken", DAV("href", Text(l.Token))),
	)
	if l.Root != "" {
		al.Append(DAV("lockroot", DAV("href", Text(EscapeHref(l.Root)))))
	}
	return al
}

// LockDiscovery 构建 lockdiscovery 属性元素
func LockDiscovery(locks []types.ActiveLock) *Element {
	ld := DAV("lockdiscovery")
	for _, l := range locks {
		ld.Append(ActiveLockElement(l))
	}
	return ld
}

// LockResponse 构建 LOCK 响应体 prop>lockdiscovery>activelock*
func LockResponse(locks []types.ActiveLock) []byte {
	return Document(DAV("prop", LockDiscovery(locks)))
}

// SupportedLock 支持的锁类型
func SupportedLock() *Element {
	entry := func(scope string) *Element {
		return DAV("lockentry",
			DAV("lockscope", DAV(scope)),
			DAV("locktype", DAV(types.LockTypeWrite)),
		)
	}
	return DAV("supportedlock", entry(types.LockScopeExclusive), entry(types.LockScopeShared))
}

// EscapeHref 逐段百分号编码
func EscapeHref(href string) string {
	if strings.Contains(href, "://") {
		return href
	}
	segments := strings.Split(href, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
