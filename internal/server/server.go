package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/auth"
	"github.com/webdav-core/internal/config"
	"github.com/webdav-core/internal/middleware"
	"github.com/webdav-core/internal/webdav"
)

// Server HTTP服务
type Server struct {
	cfg    *config.Config
	engine *webdav.Engine
	auth   *auth.Service
	router *gin.Engine
	logger logrus.FieldLogger
}

// Options 可选组件，Auth 为空时不做认证，Gatherer 为空时不暴露指标
type Options struct {
	Auth     *auth.Service
	Gatherer prometheus.Gatherer
}

// New 创建服务并注册路由
func New(cfg *config.Config, engine *webdav.Engine, opts Options, logger logrus.FieldLogger) *Server {
	gin.SetMode(cfg.GetGINMode())

	s := &Server{
		cfg:    cfg,
		engine: engine,
		auth:   opts.Auth,
		router: gin.New(),
		logger: logger,
	}
	s.routes(opts.Gatherer)
	return s
}

// Handler 返回路由器
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(gatherer prometheus.Gatherer) {
	router := s.router

	// Global middleware
	router.Use(middleware.LoggerMiddleware(s.logger))
	router.Use(middleware.RecoveryMiddleware(s.logger))
	if s.cfg.Server.EnableCORS {
		router.Use(middleware.CORSMiddleware())
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	if s.cfg.Metrics.Enabled && gatherer != nil {
		router.GET(s.cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	if s.auth != nil {
		router.POST("/api/auth/token", s.handleToken)
	}

	// WebDAV方法不经路由匹配，挂载前缀下未命中的请求全部交给引擎
	chain := []gin.HandlerFunc{s.requireMount}
	if s.auth != nil {
		chain = append(chain, middleware.AuthMiddleware(s.auth, s.cfg.DAV.Realm))
	}
	chain = append(chain, s.handleDAV)
	router.NoRoute(chain...)
}

// requireMount 挂载前缀之外的路径返回404
func (s *Server) requireMount(c *gin.Context) {
	prefix := s.cfg.Server.MountPrefix
	p := c.Request.URL.Path
	if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/") {
		c.Next()
		return
	}
	c.AbortWithStatus(http.StatusNotFound)
}

// handleDAV 把HTTP请求转换为引擎请求并写回响应
func (s *Server) handleDAV(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read request body")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	resp := s.engine.Serve(c.Request.Context(), &webdav.Request{
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		Header:   c.Request.Header,
		Body:     body,
		Identity: c.GetString(middleware.IdentityKey),
	})

	for k, v := range resp.Header {
		c.Writer.Header()[k] = v
	}
	c.Status(resp.Status)
	if len(resp.Body) > 0 && c.Request.Method != http.MethodHead {
		if _, err := c.Writer.Write(resp.Body); err != nil {
			s.logger.WithError(err).Debug("failed to write response body")
		}
	}
}

// handleToken 用Basic凭据或JSON用户名密码换取JWT
func (s *Server) handleToken(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if user, pass, ok := c.Request.BasicAuth(); ok {
		req.Username, req.Password = user, pass
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(s.cfg.Auth.TokenExpiry.Seconds()),
	})
}

// Run 启动服务，ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:           s.cfg.Server.Address,
		Handler:        s.router,
		ReadTimeout:    s.cfg.Server.ReadTimeout,
		WriteTimeout:   s.cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("Server exited")
	return nil
}
