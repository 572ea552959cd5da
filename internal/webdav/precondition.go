package webdav

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/webdav/utils"
)

// NoLockToken 永远不会被持有的锁令牌
const NoLockToken = "DAV:no-lock"

// Condition 条件列表中的单个条件，Token 与 ETag 二选一
type Condition struct {
	Not   bool
	Token string
	ETag  string
}

// ConditionList 一个括号分组。Resource 为空表示作用于请求目标
type ConditionList struct {
	Resource   string
	Conditions []Condition
}

// IfHeader 解析后的If头
type IfHeader struct {
	Lists []ConditionList
}

// Tokens 客户端声明持有的锁令牌，即除no-lock外所有非否定的令牌条件
func (h *IfHeader) Tokens() []string {
	if h == nil {
		return nil
	}
	var tokens []string
	for _, list := range h.Lists {
		for _, c := range list.Conditions {
			if c.Not || c.Token == "" || c.Token == NoLockToken {
				continue
			}
			if !utils.Contains(tokens, c.Token) {
				tokens = append(tokens, c.Token)
			}
		}
	}
	return tokens
}

// ParseIfHeader 解析If头，支持带标签和不带标签的列表。
// 标签作用于其后的所有列表，直到下一个标签
func ParseIfHeader(s string) (*IfHeader, error) {
	lx := &ifLexer{input: s}
	h := &IfHeader{}
	resource := ""
	tagged := false

	for {
		lx.skipSpace()
		if lx.eof() {
			break
		}
		switch lx.peek() {
		case '<':
			uri, err := lx.delimited('<', '>')
			if err != nil {
				return nil, err
			}
			resource = uri
			tagged = true
			lx.skipSpace()
			if lx.eof() || lx.peek() != '(' {
				return nil, fmt.Errorf("%w: tag %q without condition list", ErrBadRequest, uri)
			}
		case '(':
			list, err := lx.list()
			if err != nil {
				return nil, err
			}
			if tagged {
				list.Resource = resource
			}
			h.Lists = append(h.Lists, list)
		default:
			return nil, fmt.Errorf("%w: unexpected %q in If header", ErrBadRequest, lx.peek())
		}
	}

	if len(h.Lists) == 0 {
		return nil, fmt.Errorf("%w: empty If header", ErrBadRequest)
	}
	return h, nil
}

type ifLexer struct {
	input string
	pos   int
}

func (lx *ifLexer) eof() bool  { return lx.pos >= len(lx.input) }
func (lx *ifLexer) peek() byte { return lx.input[lx.pos] }

func (lx *ifLexer) skipSpace() {
	for !lx.eof() {
		switch lx.peek() {
		case ' ', '\t', '\r', '\n':
			lx.pos++
		default:
			return
		}
	}
}

// delimited 读取 open...close 之间的内容
func (lx *ifLexer) delimited(open, close byte) (string, error) {
	if lx.eof() || lx.peek() != open {
		return "", fmt.Errorf("%w: expected %q in If header", ErrBadRequest, open)
	}
	end := strings.IndexByte(lx.input[lx.pos+1:], close)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated %q in If header", ErrBadRequest, open)
	}
	v := lx.input[lx.pos+1 : lx.pos+1+end]
	lx.pos += end + 2
	return v, nil
}

func (lx *ifLexer) list() (ConditionList, error) {
	var list ConditionList
	lx.pos++ // (

	not := false
	for {
		lx.skipSpace()
		if lx.eof() {
			return list, fmt.Errorf("%w: unterminated condition list", ErrBadRequest)
		}
		switch c := lx.peek(); {
		case c == ')':
			lx.pos++
			if not {
				return list, fmt.Errorf("%w: dangling Not", ErrBadRequest)
			}
			if len(list.Conditions) == 0 {
				return list, fmt.Errorf("%w: empty condition list", ErrBadRequest)
			}
			return list, nil
		case c == '<':
			token, err := lx.delimited('<', '>')
			if err != nil {
				return list, err
			}
			list.Conditions = append(list.Conditions, Condition{Not: not, Token: token})
			not = false
		case c == '[':
			etag, err := lx.delimited('[', ']')
			if err != nil {
				return list, err
			}
			list.Conditions = append(list.Conditions, Condition{Not: not, ETag: etag})
			not = false
		case c == 'N' || c == 'n':
			if not || len(lx.input)-lx.pos < 3 || !strings.EqualFold(lx.input[lx.pos:lx.pos+3], "not") {
				return list, fmt.Errorf("%w: unexpected keyword in condition list", ErrBadRequest)
			}
			lx.pos += 3
			not = true
		default:
			return list, fmt.Errorf("%w: unexpected %q in condition list", ErrBadRequest, c)
		}
	}
}

// PreconditionEvaluator 评估If头
type PreconditionEvaluator struct {
	fs     *FileSystem
	logger logrus.FieldLogger
}

// NewPreconditionEvaluator 创建If头评估器
func NewPreconditionEvaluator(fs *FileSystem, logger logrus.FieldLogger) *PreconditionEvaluator {
	return &PreconditionEvaluator{fs: fs, logger: logger}
}

// Evaluate 任一条件列表成立即为真，列表内条件须全部成立。
// 带标签的列表针对标签指向的资源求值，无法解析的标签使该列表不成立
func (e *PreconditionEvaluator) Evaluate(ctx context.Context, res *Resource, h *IfHeader) (bool, error) {
	if h == nil {
		return true, nil
	}
	for _, list := range h.Lists {
		target := res
		if list.Resource != "" {
			p, ok := e.resolve(list.Resource)
			if !ok {
				continue
			}
			if p != res.Path() {
				var err error
				if target, err = e.fs.Open(p); err != nil {
					return false, err
				}
			}
		}
		ok, err := e.evaluateList(ctx, target, list)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	e.logger.WithField("path", res.Path()).Debug("If header not satisfied")
	return false, nil
}

func (e *PreconditionEvaluator) evaluateList(ctx context.Context, target *Resource, list ConditionList) (bool, error) {
	var held []string
	loaded := false

	for _, c := range list.Conditions {
		var match bool
		switch {
		case c.Token == NoLockToken:
			match = false
		case c.Token != "":
			if !loaded {
				var err error
				if held, err = e.fs.locks.HeldTokens(ctx, target.Path()); err != nil {
					return false, err
				}
				loaded = true
			}
			match = utils.Contains(held, c.Token)
		default:
			match = etagMatches(target, c.ETag)
		}
		if c.Not {
			match = !match
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// resolve 标签URI转换为存储路径
func (e *PreconditionEvaluator) resolve(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || utils.Path.HasDotSegment(u.Path) {
		return "", false
	}
	p := utils.Path.StripPrefix(u.Path, e.fs.mountPrefix)
	return utils.Path.Clean(strings.TrimSuffix(p, "/")), true
}

// etagMatches 接受PROPFIND/GET返回的弱校验值和带引号的原始etag
func etagMatches(res *Resource, etag string) bool {
	if !res.Exists() {
		return false
	}
	return etag == res.WeakETag() || etag == `"`+res.Etag()+`"`
}
