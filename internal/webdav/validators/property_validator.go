package validators

import (
	"net/http"
	"strings"

	"github.com/webdav-core/internal/types"
)

// 属性操作类型
const (
	OperationSet    = "set"
	OperationRemove = "remove"
)

// MaxFragmentSize 单个死属性序列化后的最大字节数
const MaxFragmentSize = 64 * 1024

// PropertyValidator 属性验证器接口
type PropertyValidator interface {
	ValidateOperation(operation string, name types.PropName, fragment string) error
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(operation string, name types.PropName, fragment string) error
	GetRuleName() string
}

// RequiredNameRule 属性名不能为空
type RequiredNameRule struct{}

func (RequiredNameRule) Validate(_ string, name types.PropName, _ string) error {
	if strings.TrimSpace(name.Local) == "" {
		return &types.PropertyError{
			Code:    http.StatusBadRequest,
			Message: "属性名不能为空",
		}
	}
	return nil
}

func (RequiredNameRule) GetRuleName() string { return "required-name" }

// ProtectedLiveRule 拒绝写入由资源状态计算的活属性
type ProtectedLiveRule struct{}

func (ProtectedLiveRule) Validate(operation string, name types.PropName, _ string) error {
	if !name.IsDAV() || !types.ProtectedLiveProperties[name.Local] {
		return nil
	}
	msg := "不能直接设置活属性"
	if operation == OperationRemove {
		msg = "不能移除活属性"
	}
	return &types.PropertyError{
		Code:     http.StatusForbidden,
		Message:  msg,
		Property: name.String(),
	}
}

func (ProtectedLiveRule) GetRuleName() string { return "protected-live" }

// FragmentSizeRule 属性值大小限制
type FragmentSizeRule struct {
	MaxLength int
}

func (r FragmentSizeRule) Validate(operation string, name types.PropName, fragment string) error {
	if operation != OperationSet || r.MaxLength <= 0 {
		return nil
	}
	if len(fragment) > r.MaxLength {
		return &types.PropertyError{
			Code:     http.StatusInsufficientStorage,
			Message:  "属性值超过最大长度限制",
			Property: name.String(),
		}
	}
	return nil
}

func (FragmentSizeRule) GetRuleName() string { return "fragment-size" }

// CompositeValidator 复合验证器
type CompositeValidator struct {
	rules []ValidationRule
}

func NewCompositeValidator(rules ...ValidationRule) *CompositeValidator {
	return &CompositeValidator{rules: rules}
}

func (cv *CompositeValidator) AddRule(rule ValidationRule) {
	cv.rules = append(cv.rules, rule)
}

// ValidateOperation 依次执行规则，返回第一个错误
func (cv *CompositeValidator) ValidateOperation(operation string, name types.PropName, fragment string) error {
	if operation != OperationSet && operation != OperationRemove {
		return &types.PropertyError{
			Code:    http.StatusBadRequest,
			Message: "不支持的操作类型",
		}
	}
	for _, rule := range cv.rules {
		if err := rule.Validate(operation, name, fragment); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultValidator 创建默认验证器实例
func NewDefaultValidator() PropertyValidator {
	return NewCompositeValidator(
		RequiredNameRule{},
		ProtectedLiveRule{},
		FragmentSizeRule{MaxLength: MaxFragmentSize},
	)
}
