package webdav

import "errors"

// 处理器可转换为状态码的错误，其余错误视为存储故障
var (
	ErrAlreadyExists = errors.New("webdav: resource already exists")
	ErrNotFound      = errors.New("webdav: resource not found")
	ErrConflict      = errors.New("webdav: conflict")
	ErrForbidden     = errors.New("webdav: forbidden")
	ErrNoLock        = errors.New("webdav: no lock to refresh")
	ErrBadRequest    = errors.New("webdav: bad request")
)
