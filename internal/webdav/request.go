package webdav

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/webdav-core/internal/types"
	"github.com/webdav-core/internal/webdav/davxml"
	"github.com/webdav-core/internal/webdav/utils"
)

// Request 已解析的WebDAV请求
type Request struct {
	Method   string
	Path     string
	Header   http.Header
	Body     []byte
	Identity string

	ifHeader *IfHeader
}

// Response 处理结果
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse 创建只有状态码的响应
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: http.Header{}}
}

// SetHeader 设置响应头
func (r *Response) SetHeader(key, value string) *Response {
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set(key, value)
	return r
}

// xmlResponse 带XML正文的响应
func xmlResponse(status int, body []byte) *Response {
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "application/xml; charset=utf-8")
	resp.Body = body
	return resp
}

// Depth 读取Depth头，缺省时返回def
func (r *Request) Depth(def string) string {
	d := strings.ToLower(strings.TrimSpace(r.Header.Get("Depth")))
	switch d {
	case types.DepthZero, types.DepthOne, types.DepthInfinity:
		return d
	case "":
		return def
	default:
		return d
	}
}

// Overwrite 读取Overwrite头，默认 T
func (r *Request) Overwrite() bool {
	return !strings.EqualFold(strings.TrimSpace(r.Header.Get("Overwrite")), "F")
}

// LockToken 去除尖括号后的Lock-Token头
func (r *Request) LockToken() (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Lock-Token"))
	if raw == "" {
		return "", false
	}
	return strings.Trim(raw, "<>"), true
}

// If 解析If头，不存在时返回nil
func (r *Request) If() (*IfHeader, error) {
	if r.ifHeader != nil {
		return r.ifHeader, nil
	}
	raw := strings.TrimSpace(r.Header.Get("If"))
	if raw == "" {
		return nil, nil
	}
	h, err := ParseIfHeader(raw)
	if err != nil {
		return nil, err
	}
	r.ifHeader = h
	return h, nil
}

// SubmittedTokens 请求If头中提交的锁令牌
func (r *Request) SubmittedTokens() []string {
	h, err := r.If()
	if err != nil || h == nil {
		return nil
	}
	return h.Tokens()
}

// destinationPath Destination头转换为存储路径，去掉挂载前缀和末尾斜杠
func (r *Request) destinationPath(mountPrefix string) (string, error) {
	raw := strings.TrimSpace(r.Header.Get("Destination"))
	if raw == "" {
		return "", ErrBadRequest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrBadRequest
	}
	p := u.Path
	if utils.Path.HasDotSegment(p) {
		return "", ErrForbidden
	}
	p = utils.Path.StripPrefix(p, mountPrefix)
	return utils.Path.Clean(strings.TrimSuffix(p, "/")), nil
}

// parseBody 解析XML正文，空正文返回nil
func (r *Request) parseBody() (*davxml.Element, error) {
	if len(strings.TrimSpace(string(r.Body))) == 0 {
		return nil, nil
	}
	root, err := davxml.Parse(r.Body)
	if err != nil {
		return nil, ErrBadRequest
	}
	return root, nil
}

// hasBody 请求正文非空
func (r *Request) hasBody() bool {
	return len(strings.TrimSpace(string(r.Body))) > 0
}
