// Package middleware 提供 HTTP 请求的中间件
// 包括 JWT 认证、CORS 跨域、日志记录等
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"aditi-chat-server/pkg/jwt"
	"aditi-chat-server/pkg/response"
)

// AccessTokenCookie 浏览器端保存 Access Token 的 Cookie 名
const AccessTokenCookie = "access_token"

// TokenChecker 检查 Token 是否已被登出
type TokenChecker interface {
	IsTokenBlacklisted(ctx context.Context, tokenHash string) bool
}

// AuthMiddleware 创建 JWT 认证中间件
// 依次从 Authorization 请求头和 access_token Cookie 读取 Token，并将用户信息存入上下文
// 参数:
//   - jwtService: JWT 服务实例，用于解析和验证 Token
//   - checker: Token 黑名单，可以为 nil
//
// 返回:
//   - gin.HandlerFunc: Gin 中间件函数
func AuthMiddleware(jwtService *jwt.JWTService, checker TokenChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c)
		if !ok {
			response.Unauthorized(c, "请先登录")
			c.Abort()
			return
		}
		if tokenString == "" {
			response.Unauthorized(c, "认证格式错误")
			c.Abort()
			return
		}

		claims, err := authenticate(c.Request.Context(), jwtService, checker, tokenString)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		setClaims(c, tokenString, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware 创建可选的 JWT 认证中间件
// 与 AuthMiddleware 类似，但不强制要求认证
// 如果提供了有效 Token，会将用户信息存入上下文
// 如果没有提供或 Token 无效，仍然继续处理请求
func OptionalAuthMiddleware(jwtService *jwt.JWTService, checker TokenChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c)
		if !ok || tokenString == "" {
			c.Next()
			return
		}

		claims, err := authenticate(c.Request.Context(), jwtService, checker, tokenString)
		if err != nil {
			c.Next()
			return
		}

		setClaims(c, tokenString, claims)
		c.Next()
	}
}

type authError string

func (e authError) Error() string { return string(e) }

// authenticate 验证 Token 的签名、类型和黑名单
func authenticate(ctx context.Context, jwtService *jwt.JWTService, checker TokenChecker, tokenString string) (*jwt.UserClaims, error) {
	claims, err := jwtService.ValidateToken(tokenString)
	if err != nil {
		return nil, authError("Token 无效或已过期")
	}
	// Refresh Token 只能用于刷新
	if claims.Subject != "access" {
		return nil, authError("Token 类型错误")
	}

	// 用户登出后，Token 会被加入黑名单
	if checker != nil && checker.IsTokenBlacklisted(ctx, HashToken(tokenString)) {
		return nil, authError("Token 已失效，请重新登录")
	}
	return claims, nil
}

// extractToken 读取请求携带的 Token
// 返回:
//   - string: Token，格式错误时为空
//   - bool: 请求是否携带了认证信息
func extractToken(c *gin.Context) (string, bool) {
	// 格式: "Bearer <token>"
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", true
		}
		return parts[1], true
	}

	if cookie, err := c.Cookie(AccessTokenCookie); err == nil && cookie != "" {
		return cookie, true
	}
	return "", false
}

func setClaims(c *gin.Context, tokenString string, claims *jwt.UserClaims) {
	// 后续的 Handler 可以通过 GetUserID / GetUsername 获取
	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)
	c.Set("token", tokenString) // 原始 Token，用于登出时计算哈希
	if claims.ExpiresAt != nil {
		c.Set("token_exp", claims.ExpiresAt.Time) // 用于登出时设置黑名单 TTL
	}
}

// HashToken 计算 Token 的 SHA256 哈希值
// 用于黑名单存储，避免存储原始 Token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GetUserID 从上下文获取用户 ID 的辅助函数
// 参数:
//   - c: Gin 上下文
//
// 返回:
//   - int64: 用户 ID，如果未认证返回 0
func GetUserID(c *gin.Context) int64 {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0
	}
	return userID.(int64)
}

// GetUsername 从上下文获取用户名的辅助函数
// 用户名同时是会话归属的用户标识
func GetUsername(c *gin.Context) string {
	username, exists := c.Get("username")
	if !exists {
		return ""
	}
	return username.(string)
}

// GetToken 从上下文获取原始 Token 和过期时间
func GetToken(c *gin.Context) (string, time.Time, bool) {
	token, ok := c.Get("token")
	if !ok {
		return "", time.Time{}, false
	}
	exp, ok := c.Get("token_exp")
	if !ok {
		return "", time.Time{}, false
	}
	return token.(string), exp.(time.Time), true
}
