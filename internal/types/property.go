package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ========================================
// Property Types - 共享的属性类型定义
// ========================================

// NamespaceDAV DAV命名空间
const NamespaceDAV = "DAV:"

// PropertyError 属性错误
type PropertyError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Property string `json:"property,omitempty"`
}

func (e *PropertyError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("%s: %s", e.Property, e.Message)
	}
	return e.Message
}

// PropName 属性的限定名
type PropName struct {
	Space string `json:"namespace"`
	Local string `json:"name"`
}

// String 以 {namespace}name 形式输出
func (n PropName) String() string {
	return "{" + n.Space + "}" + n.Local
}

// IsDAV 是否为DAV命名空间下的属性
func (n PropName) IsDAV() bool {
	return n.Space == NamespaceDAV
}

// Fragment 持久化的死属性片段，XML 是完整的序列化元素
type Fragment struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	XML       string `json:"xml"`
}

// PropName 返回片段的限定名
func (f Fragment) PropName() PropName {
	return PropName{Space: f.Namespace, Local: f.Name}
}

// KnownLiveProperties 由资源状态计算的活属性
var KnownLiveProperties = map[string]bool{
	"creationdate":       true,
	"displayname":        true,
	"getcontentlanguage": true,
	"getcontentlength":   true,
	"getcontenttype":     true,
	"getetag":            true,
	"getlastmodified":    true,
	"lockdiscovery":      true,
	"resourcetype":       true,
	"supportedlock":      true,
}

// ProtectedLiveProperties 不可通过PROPPATCH写入的活属性。displayname、getcontenttype 和
// getcontentlanguage 不在此列，未设置时回退到存储的死属性
var ProtectedLiveProperties = map[string]bool{
	"creationdate":     true,
	"getcontentlength": true,
	"getetag":          true,
	"getlastmodified":  true,
	"lockdiscovery":    true,
	"resourcetype":     true,
	"supportedlock":    true,
}

// ========================================
// Lock Types - 锁相关类型
// ========================================

const (
	LockScopeExclusive = "exclusive"
	LockScopeShared    = "shared"
	LockTypeWrite      = "write"

	DepthZero     = "0"
	DepthOne      = "1"
	DepthInfinity = "infinity"
)

// ActiveLock 资源上的一个活动锁记录
type ActiveLock struct {
	Token   string `json:"locktoken"`
	Scope   string `json:"lockscope"`
	Type    string `json:"locktype"`
	Depth   string `json:"depth"`
	Owner   string `json:"owner,omitempty"`
	Timeout string `json:"timeout"`
	Root    string `json:"lockroot,omitempty"`
}

// IsExclusive 是否排他锁
func (l ActiveLock) IsExclusive() bool {
	return l.Scope == LockScopeExclusive
}

// FormatTimeout 格式化超时为 Second-n
func FormatTimeout(seconds int64) string {
	return "Second-" + strconv.FormatInt(seconds, 10)
}

// ParseTimeout 解析Timeout头，取第一个可识别的值，上限为max
func ParseTimeout(header string, max int64) int64 {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return max
		}
		if len(part) > 7 && strings.EqualFold(part[:7], "Second-") {
			n, err := strconv.ParseInt(part[7:], 10, 64)
			if err != nil || n <= 0 {
				continue
			}
			if n > max {
				return max
			}
			return n
		}
	}
	return max
}
