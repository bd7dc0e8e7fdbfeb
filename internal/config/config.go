// Package config 负责加载和管理应用程序的配置
// 使用 viper 库支持 YAML 配置文件和环境变量覆盖
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是应用程序的根配置结构
// 包含所有子配置模块
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`   // 服务器配置
	Database DatabaseConfig `mapstructure:"database"` // 数据库配置
	Redis    RedisConfig    `mapstructure:"redis"`    // Redis 配置
	JWT      JWTConfig      `mapstructure:"jwt"`      // JWT 配置
	Log      LogConfig      `mapstructure:"log"`      // 日志配置
	Backend  BackendConfig  `mapstructure:"backend"`  // 推理后端配置
	Relay    RelayConfig    `mapstructure:"relay"`    // 对话转发配置
	Persona  PersonaConfig  `mapstructure:"persona"`  // 助手人设配置
	OAuth    OAuthConfig    `mapstructure:"oauth"`    // 第三方登录配置
}

// ServerConfig 服务器相关配置
type ServerConfig struct {
	Port int      `mapstructure:"port"` // 监听端口，默认 8080
	Mode string   `mapstructure:"mode"` // 运行模式: debug / release
	CORS []string `mapstructure:"cors"` // CORS 允许的域名

	// ReadTimeout 读取请求的超时时间
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout 写响应的超时时间，流式响应需要足够长，0 表示不限制
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库连接配置
// Driver 决定使用哪个 GORM 驱动: mysql / postgres / sqlite
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`         // 数据库驱动
	Host         string `mapstructure:"host"`           // 数据库主机地址
	Port         int    `mapstructure:"port"`           // 数据库端口
	Username     string `mapstructure:"username"`       // 数据库用户名
	Password     string `mapstructure:"password"`       // 数据库密码
	Database     string `mapstructure:"database"`       // 数据库名称（sqlite 时为文件路径）
	Charset      string `mapstructure:"charset"`        // 字符集（仅 mysql）
	SSLMode      string `mapstructure:"ssl_mode"`       // SSL 模式（仅 postgres）
	MaxIdleConns int    `mapstructure:"max_idle_conns"` // 最大空闲连接数
	MaxOpenConns int    `mapstructure:"max_open_conns"` // 最大打开连接数
	MaxLifetime  int    `mapstructure:"max_lifetime"`   // 连接最大生命周期（秒）
}

// DSN 根据驱动类型构建数据源名称
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
	case "sqlite":
		return d.Database
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			d.Username, d.Password, d.Host, d.Port, d.Database, d.Charset)
	}
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`      // Redis 主机地址
	Port     int    `mapstructure:"port"`      // Redis 端口
	Username string `mapstructure:"username"`  // Redis 用户名
	Password string `mapstructure:"password"`  // Redis 密码
	DB       int    `mapstructure:"db"`        // 数据库索引 (0-15)
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`         // JWT 签名密钥，至少32字符
	AccessExpire  time.Duration `mapstructure:"access_expire"`  // Access Token 过期时间
	RefreshExpire time.Duration `mapstructure:"refresh_expire"` // Refresh Token 过期时间
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别: debug/info/warn/error
	Format     string `mapstructure:"format"`      // 控制台日志格式: json/console
	File       string `mapstructure:"file"`        // 日志文件路径，为空时只输出到控制台
	MaxSize    int    `mapstructure:"max_size"`    // 单个文件最大大小（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留的旧文件数量
	MaxAge     int    `mapstructure:"max_age"`     // 旧文件保留天数
}

// BackendConfig 推理后端配置
type BackendConfig struct {
	// Provider 后端类型: http（自建推理服务）/ ollama / openai
	Provider  string `mapstructure:"provider"`
	URL       string `mapstructure:"url"`        // 推理服务地址
	APIKey    string `mapstructure:"api_key"`    // 预共享密钥
	KeyHeader string `mapstructure:"key_header"` // 携带密钥的请求头
	Model     string `mapstructure:"model"`      // 模型名称（ollama/openai 使用）

	// Timeout 整次调用的上限，包括读取完整的流
	Timeout time.Duration `mapstructure:"timeout"`
	// HeaderTimeout 等待响应头的上限，超时视为后端不可用
	HeaderTimeout time.Duration `mapstructure:"header_timeout"`
	// DialTimeout 建立连接的超时时间
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RelayConfig 对话转发配置
type RelayConfig struct {
	// AllowBodyUser 是否允许在请求体中直接携带 userId
	AllowBodyUser bool `mapstructure:"allow_body_user"`
	// TitleLength 新会话标题截取的字符数
	TitleLength int `mapstructure:"title_length"`
	// PersistTimeout 保存助手回复时使用的超时时间
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	// ListLimit 会话列表的最大返回条数
	ListLimit int `mapstructure:"list_limit"`

	Window WindowConfig `mapstructure:"window"` // 历史窗口

	Replay ReplayConfig `mapstructure:"replay"` // 失败写入重放
}

// WindowConfig 历史消息窗口策略
type WindowConfig struct {
	// Strategy 策略: unbounded / last_n / chars / tokens
	Strategy    string `mapstructure:"strategy"`
	MaxMessages int    `mapstructure:"max_messages"` // last_n 使用
	MaxChars    int    `mapstructure:"max_chars"`    // chars 使用
	MaxTokens   int    `mapstructure:"max_tokens"`   // tokens 使用
	Encoding    string `mapstructure:"encoding"`     // tokens 使用的 tiktoken 编码
}

// ReplayConfig 失败写入重放配置
type ReplayConfig struct {
	Enabled  bool          `mapstructure:"enabled"`  // 是否启动重放协程
	Interval time.Duration `mapstructure:"interval"` // 队列为空时的等待时间
	// MaxAttempts 单条消息最多补写的次数
	MaxAttempts int `mapstructure:"max_attempts"`
}

// PersonaConfig 助手人设配置
type PersonaConfig struct {
	File string `mapstructure:"file"` // YAML 人设文件，为空时使用内置人设
}

// OAuthConfig 第三方登录配置
type OAuthConfig struct {
	GitHub GitHubOAuthConfig `mapstructure:"github"`
}

// GitHubOAuthConfig GitHub 登录配置
type GitHubOAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	// SuccessURL 登录成功后跳转的前端地址
	SuccessURL string `mapstructure:"success_url"`
}

// Enabled 是否配置了 GitHub 登录
func (g GitHubOAuthConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// Load 从指定路径加载配置文件
// 支持环境变量覆盖配置项
// 参数:
//   - configPath: 配置文件目录路径 (如 "./configs")
//
// 返回:
//   - *Config: 配置对象
//   - error: 如果加载失败则返回错误
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 例如: DATABASE_HOST -> database.host
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)
	setDefaults(v)

	// 配置文件不存在时继续使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnvVariables 绑定环境变量到配置项
func bindEnvVariables(v *viper.Viper) {
	// 服务器配置
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")

	// 数据库配置
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.username", "DATABASE_USERNAME")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.database", "DATABASE_NAME")

	// Redis 配置
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.username", "REDIS_USERNAME")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// JWT 配置
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// 推理后端
	v.BindEnv("backend.url", "BACKEND_URL")
	v.BindEnv("backend.api_key", "INTERNAL_API_KEY")
	v.BindEnv("backend.provider", "BACKEND_PROVIDER")

	// GitHub 登录
	v.BindEnv("oauth.github.client_id", "GITHUB_CLIENT_ID")
	v.BindEnv("oauth.github.client_secret", "GITHUB_CLIENT_SECRET")
	v.BindEnv("oauth.github.redirect_url", "GITHUB_REDIRECT_URL")
}

// setDefaults 设置配置项的默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")

	// 数据库默认配置
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.database", "aditi")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_lifetime", 3600)

	// Redis 默认配置
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	// JWT 默认配置
	v.SetDefault("jwt.access_expire", "24h")
	v.SetDefault("jwt.refresh_expire", "168h")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	// 推理后端默认配置
	v.SetDefault("backend.provider", "http")
	v.SetDefault("backend.url", "https://delusion01-aditiai.hf.space/chat")
	v.SetDefault("backend.key_header", "x-internal-key")
	v.SetDefault("backend.timeout", "5m")
	v.SetDefault("backend.header_timeout", "60s")
	v.SetDefault("backend.dial_timeout", "10s")

	// 对话转发默认配置
	v.SetDefault("relay.allow_body_user", true)
	v.SetDefault("relay.title_length", 50)
	v.SetDefault("relay.persist_timeout", "10s")
	v.SetDefault("relay.list_limit", 50)
	v.SetDefault("relay.window.strategy", "chars")
	v.SetDefault("relay.window.max_messages", 40)
	v.SetDefault("relay.window.max_chars", 16000)
	v.SetDefault("relay.window.max_tokens", 3000)
	v.SetDefault("relay.window.encoding", "cl100k_base")
	v.SetDefault("relay.replay.enabled", false)
	v.SetDefault("relay.replay.interval", "5s")
	v.SetDefault("relay.replay.max_attempts", 5)

	v.SetDefault("oauth.github.success_url", "/chat")
}
