package validators

import (
	"fmt"
	"net/http"

	"github.com/webdav-core/internal/types"
)

// ResourceTypeValidator 扩展MKCOL的资源类型白名单
type ResourceTypeValidator struct {
	allowed map[string]bool
}

// NewResourceTypeValidator 空白名单时只允许 collection
func NewResourceTypeValidator(allowed []string) *ResourceTypeValidator {
	if len(allowed) == 0 {
		allowed = []string{"collection"}
	}
	m := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m[a] = true
	}
	return &ResourceTypeValidator{allowed: m}
}

// Validate 返回403错误，指出第一个不在白名单中的resourcetype
func (v *ResourceTypeValidator) Validate(requested []string) error {
	for _, rt := range requested {
		if !v.allowed[rt] {
			return &types.PropertyError{
				Code:     http.StatusForbidden,
				Message:  fmt.Sprintf("资源类型 %s 不受支持", rt),
				Property: types.PropName{Space: types.NamespaceDAV, Local: "resourcetype"}.String(),
			}
		}
	}
	return nil
}
