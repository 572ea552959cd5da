package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Sidecar SidecarConfig `mapstructure:"sidecar"`
	DAV     DAVConfig     `mapstructure:"dav"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Address      string        `mapstructure:"address" validate:"required"`
	Mode         string        `mapstructure:"mode" validate:"oneof=debug release production test"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MountPrefix  string        `mapstructure:"mount_prefix"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
}

// StorageConfig 资源存储配置
type StorageConfig struct {
	RootPath string `mapstructure:"root_path" validate:"required"`
}

// SidecarConfig 旁路记录存储配置
type SidecarConfig struct {
	Backend     string      `mapstructure:"backend" validate:"oneof=file memory sqlite postgres badger redis"`
	SQLitePath  string      `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	PostgresDSN string      `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	BadgerPath  string      `mapstructure:"badger_path"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DAVConfig WebDAV协议行为配置
type DAVConfig struct {
	LockTimeoutPeriod   int64    `mapstructure:"lock_timeout_period" validate:"gt=0"`
	AllowedMethods      []string `mapstructure:"allowed_methods" validate:"min=1,dive,oneof=options get head put delete copy move mkcol propfind proppatch lock unlock"`
	EnableExtendedMkcol bool     `mapstructure:"enable_extended_mkcol"`
	EnableAccessControl bool     `mapstructure:"enable_access_control"`
	ValidResourceTypes  []string `mapstructure:"valid_resourcetypes"`
	CheckLockCreator    bool     `mapstructure:"check_lock_creator"`
	Realm               string   `mapstructure:"realm"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	JWTSecret   string        `mapstructure:"jwt_secret" validate:"required_if=Enabled true"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	Users       []UserConfig  `mapstructure:"users" validate:"dive"`
}

// UserConfig 单个用户，password_hash 为 bcrypt 哈希
type UserConfig struct {
	Username     string `mapstructure:"username" validate:"required"`
	PasswordHash string `mapstructure:"password_hash" validate:"required"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultAllowedMethods 默认允许的WebDAV方法
var DefaultAllowedMethods = []string{
	"options", "get", "put", "delete", "copy", "move",
	"mkcol", "propfind", "proppatch", "lock", "unlock",
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 15*time.Minute)
	v.SetDefault("server.write_timeout", 15*time.Minute)
	v.SetDefault("server.mount_prefix", "/webdav")
	v.SetDefault("server.enable_cors", false)
	v.SetDefault("storage.root_path", "./data/root")
	v.SetDefault("sidecar.backend", "file")
	v.SetDefault("sidecar.sqlite_path", "./data/sidecar.db")
	v.SetDefault("sidecar.badger_path", "./data/sidecar.badger")
	v.SetDefault("sidecar.redis.address", "localhost:6379")
	v.SetDefault("sidecar.redis.db", 0)
	v.SetDefault("sidecar.redis.key_prefix", "webdav:sidecar:")
	v.SetDefault("dav.lock_timeout_period", 86400)
	v.SetDefault("dav.allowed_methods", DefaultAllowedMethods)
	v.SetDefault("dav.enable_extended_mkcol", true)
	v.SetDefault("dav.enable_access_control", false)
	v.SetDefault("dav.valid_resourcetypes", []string{"collection"})
	v.SetDefault("dav.check_lock_creator", false)
	v.SetDefault("dav.realm", "Application")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Default 返回只含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return &cfg
}

// Load 加载配置。configFile 为空时按默认路径搜索 config.yaml
func Load(configFile string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/webdav-core")
		v.AddConfigPath("$HOME/.webdav-core")
	}

	v.SetEnvPrefix("WEBDAV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	setEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setEnvOverrides 设置环境变量覆盖
func setEnvOverrides(v *viper.Viper) {
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		v.Set("server.address", addr)
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		v.Set("server.mode", mode)
	}
	if root := os.Getenv("STORAGE_ROOT"); root != "" {
		v.Set("storage.root_path", root)
	}
	if backend := os.Getenv("SIDECAR_BACKEND"); backend != "" {
		v.Set("sidecar.backend", backend)
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("sidecar.postgres_dsn", dsn)
	}

	// Redis配置
	if redisAddr := os.Getenv("REDIS_ADDRESS"); redisAddr != "" {
		v.Set("sidecar.redis.address", redisAddr)
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("sidecar.redis.password", redisPassword)
	}
	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			v.Set("sidecar.redis.db", db)
		}
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwt_secret", secret)
	}
}

// normalize 方法名转小写，去掉挂载前缀末尾的斜杠
func (c *Config) normalize() {
	for i, m := range c.DAV.AllowedMethods {
		c.DAV.AllowedMethods[i] = strings.ToLower(strings.TrimSpace(m))
	}
	c.Server.MountPrefix = strings.TrimRight(c.Server.MountPrefix, "/")
	if c.Server.MountPrefix != "" && !strings.HasPrefix(c.Server.MountPrefix, "/") {
		c.Server.MountPrefix = "/" + c.Server.MountPrefix
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// MethodAllowed 方法是否在允许列表中
func (c *Config) MethodAllowed(method string) bool {
	method = strings.ToLower(method)
	for _, m := range c.DAV.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Mode == "production" || c.Server.Mode == "release"
}

// GetGINMode 获取Gin模式
func (c *Config) GetGINMode() string {
	switch c.Server.Mode {
	case "debug":
		return gin.DebugMode
	case "release", "production":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}
