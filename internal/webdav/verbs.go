package webdav

import "strings"

// Verb WebDAV请求方法
type Verb int

const (
	VerbOptions Verb = iota
	VerbGet
	VerbHead
	VerbPut
	VerbDelete
	VerbCopy
	VerbMove
	VerbMkcol
	VerbPropfind
	VerbProppatch
	VerbLock
	VerbUnlock
)

var verbNames = [...]string{
	VerbOptions:   "OPTIONS",
	VerbGet:       "GET",
	VerbHead:      "HEAD",
	VerbPut:       "PUT",
	VerbDelete:    "DELETE",
	VerbCopy:      "COPY",
	VerbMove:      "MOVE",
	VerbMkcol:     "MKCOL",
	VerbPropfind:  "PROPFIND",
	VerbProppatch: "PROPPATCH",
	VerbLock:      "LOCK",
	VerbUnlock:    "UNLOCK",
}

func (v Verb) String() string {
	if v < 0 || int(v) >= len(verbNames) {
		return "UNKNOWN"
	}
	return verbNames[v]
}

// ParseVerb 解析HTTP方法名，大小写不敏感
func ParseVerb(method string) (Verb, bool) {
	method = strings.ToUpper(strings.TrimSpace(method))
	for i, name := range verbNames {
		if name == method {
			return Verb(i), true
		}
	}
	return 0, false
}

// AllVerbs 所有已实现的方法
func AllVerbs() []Verb {
	verbs := make([]Verb, len(verbNames))
	for i := range verbNames {
		verbs[i] = Verb(i)
	}
	return verbs
}
