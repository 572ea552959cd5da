package webdav

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/config"
	"github.com/webdav-core/internal/metrics"
	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/webdav/utils"
)

// Engine 请求分发引擎，不涉及HTTP路由，由适配层构造Request并写回Response
type Engine struct {
	fs       *FileSystem
	registry *Registry
	precond  *PreconditionEvaluator
	metrics  *metrics.Collector
	logger   logrus.FieldLogger
}

// NewEngine 根据配置组装文件系统、锁存储、属性编解码器与处理器
func NewEngine(cfg *config.Config, store sidecar.Store, m *metrics.Collector, logger logrus.FieldLogger) (*Engine, error) {
	locks := NewLockStore(store, LockStoreOptions{
		TimeoutPeriod: cfg.DAV.LockTimeoutPeriod,
		CheckCreator:  cfg.DAV.CheckLockCreator,
		Metrics:       m,
	}, logger)

	fs, err := NewFileSystem(cfg.Storage.RootPath, strings.TrimRight(cfg.Server.MountPrefix, "/"), store, locks, logger)
	if err != nil {
		return nil, err
	}

	props := NewPropertyCodec(store, nil, logger)
	handler := NewHandler(fs, props, cfg.DAV, AllowedVerbs(cfg), logger)

	return &Engine{
		fs:       fs,
		registry: NewRegistry(handler),
		precond:  NewPreconditionEvaluator(fs, logger),
		metrics:  m,
		logger:   logger,
	}, nil
}

// FileSystem 引擎使用的资源工厂
func (e *Engine) FileSystem() *FileSystem { return e.fs }

// Serve 处理一个请求，存储故障记录日志并返回500
func (e *Engine) Serve(ctx context.Context, req *Request) *Response {
	start := time.Now()
	if req.Header == nil {
		req.Header = http.Header{}
	}

	resp := e.serve(ctx, req)
	if resp.Header == nil {
		resp.Header = http.Header{}
	}

	e.metrics.RecordRequest(strings.ToUpper(req.Method), resp.Status, time.Since(start))
	e.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.Path,
		"status": resp.Status,
	}).Debug("webdav request dispatched")
	return resp
}

func (e *Engine) serve(ctx context.Context, req *Request) *Response {
	verb, ok := ParseVerb(req.Method)
	var handler RequestHandler
	if ok {
		handler, ok = e.registry.Lookup(verb)
	}
	if !ok {
		resp := NewResponse(http.StatusMethodNotAllowed)
		resp.Header.Set("Allow", allowHeader(e.registry.Allowed()))
		return resp
	}

	if utils.Path.HasDotSegment(req.Path) {
		return NewResponse(http.StatusForbidden)
	}
	p := utils.Path.Clean(strings.TrimSuffix(utils.Path.StripPrefix(req.Path, e.fs.mountPrefix), "/"))
	if e.fs.store.Reserved(utils.Path.Base(p)) {
		return NewResponse(http.StatusForbidden)
	}

	res, err := e.fs.Open(p)
	if err != nil {
		return e.internalError(req, err)
	}

	cond, err := req.If()
	if err != nil {
		return NewResponse(http.StatusBadRequest)
	}
	passed, err := e.precond.Evaluate(ctx, res, cond)
	if err != nil {
		return e.internalError(req, err)
	}
	if !passed {
		return NewResponse(http.StatusPreconditionFailed)
	}

	resp, err := handler.Handle(ctx, res, req)
	if err != nil {
		return e.internalError(req, err)
	}
	return resp
}

func (e *Engine) internalError(req *Request, err error) *Response {
	e.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.Path,
		"error":  err,
	}).Error("webdav request failed")
	return NewResponse(http.StatusInternalServerError)
}
