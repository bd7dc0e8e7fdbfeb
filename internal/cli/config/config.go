// Package config 管理 CLI 客户端配置
// 配置保存在 ~/.aditi/config.yaml
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultServerURL 未配置时连接的服务器地址
const DefaultServerURL = "http://localhost:8080"

// Config CLI 配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Chat   ChatConfig   `mapstructure:"chat"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	URL string `mapstructure:"url"` // HTTP API 地址
}

// AuthConfig 登录凭证
type AuthConfig struct {
	AccessToken  string `mapstructure:"access_token"`  // 用户访问 Token
	RefreshToken string `mapstructure:"refresh_token"` // 刷新 Token
	Username     string `mapstructure:"username"`      // 登录的用户名
}

// ChatConfig 对话状态
type ChatConfig struct {
	CurrentID string `mapstructure:"current_id"` // 继续对话时使用的会话ID
}

var (
	cfg        *Config
	configPath string
)

// Init 初始化配置
// 配置目录不存在时创建，配置文件不存在时写入默认值
func Init() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("获取用户目录失败: %w", err)
	}
	return InitAt(filepath.Join(home, ".aditi"))
}

// InitAt 使用指定目录初始化配置
func InitAt(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	configPath = filepath.Join(dir, "config.yaml")

	viper.Reset()
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// ADITI_SERVER_URL 等环境变量覆盖配置文件
	viper.SetEnvPrefix("aditi")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.url", DefaultServerURL)
	viper.SetDefault("auth.access_token", "")
	viper.SetDefault("auth.refresh_token", "")
	viper.SetDefault("auth.username", "")
	viper.SetDefault("chat.current_id", "")

	if err := viper.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("读取配置失败: %w", err)
			}
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("写入默认配置失败: %w", err)
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	return nil
}

// Get 获取配置
func Get() *Config {
	return cfg
}

// Path 配置文件路径
func Path() string {
	return configPath
}

// save 写回配置文件，Token 只对当前用户可读
func save() error {
	if err := viper.WriteConfigAs(configPath); err != nil {
		return err
	}
	return os.Chmod(configPath, 0600)
}

// SaveAuth 保存登录凭证
func SaveAuth(accessToken, refreshToken, username string) error {
	viper.Set("auth.access_token", accessToken)
	viper.Set("auth.refresh_token", refreshToken)
	viper.Set("auth.username", username)
	if cfg != nil {
		cfg.Auth = AuthConfig{AccessToken: accessToken, RefreshToken: refreshToken, Username: username}
	}
	return save()
}

// ClearAuth 清除本地凭证和当前会话
func ClearAuth() error {
	viper.Set("auth.access_token", "")
	viper.Set("auth.refresh_token", "")
	viper.Set("auth.username", "")
	viper.Set("chat.current_id", "")
	if cfg != nil {
		cfg.Auth = AuthConfig{}
		cfg.Chat = ChatConfig{}
	}
	return save()
}

// SaveCurrentChat 记录当前会话，下一条消息继续这个会话
func SaveCurrentChat(chatID string) error {
	viper.Set("chat.current_id", chatID)
	if cfg != nil {
		cfg.Chat.CurrentID = chatID
	}
	return save()
}

// GetCurrentChat 获取当前会话ID
func GetCurrentChat() string {
	if cfg == nil {
		return ""
	}
	return cfg.Chat.CurrentID
}

// GetAccessToken 获取访问 Token
func GetAccessToken() string {
	if cfg == nil {
		return ""
	}
	return cfg.Auth.AccessToken
}

// GetRefreshToken 获取刷新 Token
func GetRefreshToken() string {
	if cfg == nil {
		return ""
	}
	return cfg.Auth.RefreshToken
}

// GetUsername 获取登录的用户名
func GetUsername() string {
	if cfg == nil {
		return ""
	}
	return cfg.Auth.Username
}

// GetServerURL 获取服务器地址
func GetServerURL() string {
	if cfg == nil || cfg.Server.URL == "" {
		return DefaultServerURL
	}
	return strings.TrimRight(cfg.Server.URL, "/")
}

// SetServerURL 设置服务器地址，下次保存配置时一并写入
func SetServerURL(url string) {
	viper.Set("server.url", url)
	if cfg != nil {
		cfg.Server.URL = url
	}
}

// IsLoggedIn 检查是否已登录
func IsLoggedIn() bool {
	return cfg != nil && cfg.Auth.AccessToken != ""
}
