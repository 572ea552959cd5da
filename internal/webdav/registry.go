package webdav

import (
	"github.com/webdav-core/internal/config"
)

// Registry 方法到处理器的映射，只包含配置允许的方法
type Registry struct {
	handlers map[Verb]RequestHandler
	allowed  []Verb
}

// AllowedVerbs 按 dav.allowed_methods 过滤已实现的方法，允许GET时同时允许HEAD
func AllowedVerbs(cfg *config.Config) []Verb {
	var out []Verb
	for _, v := range AllVerbs() {
		allowed := cfg.MethodAllowed(v.String())
		if v == VerbHead {
			allowed = allowed || cfg.MethodAllowed(VerbGet.String())
		}
		if allowed {
			out = append(out, v)
		}
	}
	return out
}

// NewRegistry 为 h.allow 中的每个方法注册处理器
func NewRegistry(h *Handler) *Registry {
	all := map[Verb]RequestHandler{
		VerbOptions:   optionsHandler{h},
		VerbGet:       getHandler{Handler: h},
		VerbHead:      getHandler{Handler: h, head: true},
		VerbPut:       putHandler{h},
		VerbDelete:    deleteHandler{h},
		VerbCopy:      copyHandler{h},
		VerbMove:      moveHandler{h},
		VerbMkcol:     mkcolHandler{h},
		VerbPropfind:  propfindHandler{h},
		VerbProppatch: proppatchHandler{h},
		VerbLock:      lockHandler{h},
		VerbUnlock:    unlockHandler{h},
	}

	r := &Registry{handlers: make(map[Verb]RequestHandler, len(h.allow))}
	for _, v := range h.allow {
		if handler, ok := all[v]; ok {
			r.handlers[v] = handler
			r.allowed = append(r.allowed, v)
		}
	}
	return r
}

// Lookup 查找方法的处理器
func (r *Registry) Lookup(v Verb) (RequestHandler, bool) {
	h, ok := r.handlers[v]
	return h, ok
}

// Allowed 已注册的方法
func (r *Registry) Allowed() []Verb { return r.allowed }
