package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/webdav-core/internal/auth"
)

// IdentityKey 认证后用户名在gin上下文中的键
const IdentityKey = "username"

// AuthMiddleware 认证中间件，支持Bearer JWT和Basic两种方式。
// 失败时返回401并带Basic质询，便于WebDAV客户端弹出密码框
func AuthMiddleware(authService *auth.Service, realm string) gin.HandlerFunc {
	challenge := `Basic realm="` + realm + `"`
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		var username string
		switch {
		case strings.HasPrefix(authHeader, "Bearer "):
			claims, err := authService.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				c.Header("WWW-Authenticate", challenge)
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			username = claims.Username
		case strings.HasPrefix(authHeader, "Basic "):
			user, pass, ok := c.Request.BasicAuth()
			if !ok || authService.ValidateUser(user, pass) != nil {
				c.Header("WWW-Authenticate", challenge)
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			username = user
		default:
			c.Header("WWW-Authenticate", challenge)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Set(IdentityKey, username)
		c.Next()
	}
}

// CORSMiddleware 跨域响应头。预检请求只在带 Origin 时短路，普通 OPTIONS 交给WebDAV处理
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, HEAD, PUT, DELETE, OPTIONS, PROPFIND, PROPPATCH, MKCOL, COPY, MOVE, LOCK, UNLOCK")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Depth, Destination, Overwrite, If, Lock-Token, Timeout")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, Last-Modified, ETag, Lock-Token, DAV, Allow")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
