package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/webdav-core/internal/config"
)

// Claims JWT令牌声明
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service 认证服务，用户来自配置
type Service struct {
	users  map[string]string
	secret []byte
	expiry time.Duration
	logger logrus.FieldLogger
}

// NewService 创建认证服务
func NewService(cfg config.AuthConfig, logger logrus.FieldLogger) *Service {
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u.PasswordHash
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		users:  users,
		secret: []byte(cfg.JWTSecret),
		expiry: expiry,
		logger: logger,
	}
}

// ValidateUser 校验用户名与密码
func (s *Service) ValidateUser(username, password string) error {
	hash, ok := s.users[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Login 校验凭据并签发令牌
func (s *Service) Login(username, password string) (string, error) {
	if err := s.ValidateUser(username, password); err != nil {
		s.logger.WithField("username", username).Warn("login rejected")
		return "", err
	}
	return s.GenerateToken(username)
}

// GenerateToken 生成JWT令牌
func (s *Service) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken 验证JWT令牌并返回声明
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, ok := s.users[claims.Username]; !ok {
		return nil, ErrUserNotFound
	}
	return claims, nil
}

// HashPassword 生成bcrypt哈希，供配置用户使用
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// 错误定义
var (
	ErrInvalidCredentials = Error("invalid username or password")
	ErrUserNotFound       = Error("user not found")
	ErrTokenExpired       = Error("token has expired")
	ErrInvalidToken       = Error("invalid token")
)

type Error string

func (e Error) Error() string {
	return string(e)
}
