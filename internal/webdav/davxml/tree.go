package davxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/webdav-core/internal/types"
)

// NamespaceDAV DAV命名空间
const NamespaceDAV = types.NamespaceDAV

const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// ErrMalformed 请求XML格式错误
var ErrMalformed = errors.New("davxml: malformed document")

// Node 是 *Element 或 Text
type Node interface {
	isNode()
}

// Text 字符数据
type Text string

func (Text) isNode() {}

// Element XML元素
type Element struct {
	Name  xml.Name
	Attr  []xml.Attr
	Nodes []Node
}

func (*Element) isNode() {}

// NewElement 创建元素
func NewElement(space, local string, nodes ...Node) *Element {
	return &Element{Name: xml.Name{Space: space, Local: local}, Nodes: nodes}
}

// DAV 创建DAV命名空间元素
func DAV(local string, nodes ...Node) *Element {
	return NewElement(NamespaceDAV, local, nodes...)
}

// Append 追加子节点
func (e *Element) Append(nodes ...Node) *Element {
	e.Nodes = append(e.Nodes, nodes...)
	return e
}

// Is 名称匹配
func (e *Element) Is(space, local string) bool {
	return e.Name.Space == space && e.Name.Local == local
}

// IsDAV DAV命名空间下名称匹配
func (e *Element) IsDAV(local string) bool {
	return e.Is(NamespaceDAV, local)
}

// PropName 元素的限定名
func (e *Element) PropName() types.PropName {
	return types.PropName{Space: e.Name.Space, Local: e.Name.Local}
}

// Children 子元素（忽略文本）
func (e *Element) Children() []*Element {
	var out []*Element
	for _, n := range e.Nodes {
		if el, ok := n.(*Element); ok {
			out = append(out, el)
		}
	}
	return out
}

// Child 第一个匹配的子元素
func (e *Element) Child(space, local string) *Element {
	for _, c := range e.Children() {
		if c.Is(space, local) {
			return c
		}
	}
	return nil
}

// ChildDAV 第一个匹配的DAV子元素
func (e *Element) ChildDAV(local string) *Element {
	return e.Child(NamespaceDAV, local)
}

// Text 所有后代文本拼接
func (e *Element) Text() string {
	var b strings.Builder
	var walk func(*Element)
	walk = func(el *Element) {
		for _, n := range el.Nodes {
			switch v := n.(type) {
			case Text:
				b.WriteString(string(v))
			case *Element:
				walk(v)
			}
		}
	}
	walk(e)
	return b.String()
}

// Empty 同名的空元素
func (e *Element) Empty() *Element {
	return NewElement(e.Name.Space, e.Name.Local)
}

// Parse 解析XML文档为元素树
func Parse(data []byte) (*Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		root  *Element
		stack []*Element
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Name: t.Name}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				el.Attr = append(el.Attr, a)
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root elements", ErrMalformed)
				}
				root = el
			} else {
				stack[len(stack)-1].Append(el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Append(Text(string(t)))
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformed)
	}
	return root, nil
}

// ParseFragment 解析持久化的片段
func ParseFragment(s string) (*Element, error) {
	return Parse([]byte(s))
}

// Marshal 序列化为独立片段，命名空间用默认xmlns声明，片段可单独重新解析
func Marshal(e *Element) string {
	enc := &encoder{}
	enc.element(e, "", false)
	return enc.b.String()
}

// Document 序列化为带XML声明的DAV:文档，DAV元素使用D前缀，其余使用默认xmlns
func Document(root *Element) []byte {
	enc := &encoder{davPrefix: true}
	enc.b.WriteString(xml.Header)
	enc.element(root, "", true)
	return []byte(enc.b.String())
}

type encoder struct {
	b         strings.Builder
	davPrefix bool
}

func (enc *encoder) element(e *Element, defaultNS string, declareDAV bool) {
	name := e.Name.Local
	childDefault := defaultNS

	var decls []string
	if declareDAV {
		decls = append(decls, `xmlns:D="DAV:"`)
	}
	if enc.davPrefix && e.Name.Space == NamespaceDAV {
		name = "D:" + name
	} else if e.Name.Space != defaultNS {
		decls = append(decls, `xmlns="`+escapeAttr(e.Name.Space)+`"`)
		childDefault = e.Name.Space
	}

	enc.b.WriteString("<" + name)
	for _, d := range decls {
		enc.b.WriteString(" " + d)
	}
	for i, a := range e.Attr {
		switch a.Name.Space {
		case "":
			enc.b.WriteString(" " + a.Name.Local + `="` + escapeAttr(a.Value) + `"`)
		case xmlNamespace, "xml":
			enc.b.WriteString(" xml:" + a.Name.Local + `="` + escapeAttr(a.Value) + `"`)
		default:
			prefix := fmt.Sprintf("a%d", i)
			enc.b.WriteString(" xmlns:" + prefix + `="` + escapeAttr(a.Name.Space) + `"`)
			enc.b.WriteString(" " + prefix + ":" + a.Name.Local + `="` + escapeAttr(a.Value) + `"`)
		}
	}

	if len(e.Nodes) == 0 {
		enc.b.WriteString("/>")
		return
	}
	enc.b.WriteString(">")
	for _, n := range e.Nodes {
		switch v := n.(type) {
		case Text:
			xml.EscapeText(&enc.b, []byte(v))
		case *Element:
			enc.element(v, childDefault, false)
		}
	}
	enc.b.WriteString("</" + name + ">")
}

// escapeAttr 转义属性值
func escapeAttr(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
