package utils

import (
	"path"
	"strings"
)

// PathUtil 资源路径工具类
type PathUtil struct{}

var Path PathUtil

// Clean 规范化为以 / 开头、无尾部斜杠的路径
func (PathUtil) Clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// HasDotSegment 原始路径中是否包含 . 或 .. 段
func (PathUtil) HasDotSegment(raw string) bool {
	for _, seg := range strings.Split(raw, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Parent 父路径，根的父路径仍为根
func (p PathUtil) Parent(s string) string {
	return path.Dir(p.Clean(s))
}

// Base 最后一个路径段
func (p PathUtil) Base(s string) string {
	s = p.Clean(s)
	if s == "/" {
		return ""
	}
	return path.Base(s)
}

// Join 拼接路径
func (p PathUtil) Join(elem ...string) string {
	return p.Clean(path.Join(elem...))
}

// Ancestors 从直接父级向上返回祖先链，在stop之前停止。stop为空表示存储根，
// 根本身不在链中
func (p PathUtil) Ancestors(s, stop string) []string {
	s = p.Clean(s)
	if stop != "" {
		stop = p.Clean(stop)
	}

	var out []string
	for cur := path.Dir(s); cur != "/" && cur != stop && cur != s; cur = path.Dir(cur) {
		out = append(out, cur)
	}
	return out
}

// CommonAncestor 两个路径最深的公共祖先
func (p PathUtil) CommonAncestor(a, b string) string {
	as := p.Segments(a)
	bs := p.Segments(b)

	n := 0
	for n < len(as) && n < len(bs) && as[n] == bs[n] {
		n++
	}
	return "/" + strings.Join(as[:n], "/")
}

// Segments 拆分路径段
func (p PathUtil) Segments(s string) []string {
	s = p.Clean(s)
	if s == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(s, "/"), "/")
}

// IsDescendant child 是否严格位于 parent 之下
func (p PathUtil) IsDescendant(child, parent string) bool {
	child = p.Clean(child)
	parent = p.Clean(parent)
	if parent == "/" {
		return child != "/"
	}
	return strings.HasPrefix(child, parent+"/")
}

// StripPrefix 去除挂载前缀
func (p PathUtil) StripPrefix(s, prefix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return s
	}
	if s == prefix {
		return "/"
	}
	if strings.HasPrefix(s, prefix+"/") {
		return s[len(prefix):]
	}
	return s
}

// Contains 检查切片是否包含元素
func Contains[T comparable](slice []T, item T) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// Intersects 两个切片是否有公共元素
func Intersects[T comparable](a, b []T) bool {
	for _, x := range a {
		if Contains(b, x) {
			return true
		}
	}
	return false
}
