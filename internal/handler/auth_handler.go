// Package handler 提供 HTTP 请求处理器
// 对应 Java 中的 Controller 层
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aditi-chat-server/internal/middleware"
	"aditi-chat-server/internal/service"
	"aditi-chat-server/pkg/response"
)

// AuthHandler 认证请求处理器
// 处理用户注册、登录、登出以及 GitHub 登录
type AuthHandler struct {
	authService   *service.AuthService
	githubService *service.GitHubService
	secureCookie  bool
	logger        *zap.Logger
}

// NewAuthHandler 创建 AuthHandler 实例
// githubService 为 nil 时 GitHub 登录接口返回 404
func NewAuthHandler(authService *service.AuthService, githubService *service.GitHubService, secureCookie bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService:   authService,
		githubService: githubService,
		secureCookie:  secureCookie,
		logger:        logger,
	}
}

// Register 用户注册
// @Summary 用户注册
// @Description 注册新用户
// @Tags 认证
// @Accept json
// @Produce json
// @Param body body service.RegisterRequest true "注册信息"
// @Success 200 {object} response.Response{data=service.RegisterResponse}
// @Router /api/v1/auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	// 1. 解析请求参数
	var req service.RegisterRequest
	// ShouldBindJSON 会自动验证 binding 标签中的规则
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	// 2. 调用服务层处理注册
	result, err := h.authService.Register(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserExists):
			response.UserExists(c)
		case errors.Is(err, service.ErrEmailExists):
			response.ErrorWithCode(c, http.StatusBadRequest, response.CodeBadRequest, "邮箱已被注册")
		default:
			h.logger.Error("register failed", zap.Error(err))
			response.InternalError(c, "注册失败")
		}
		return
	}

	response.SuccessWithMessage(c, "注册成功", result)
}

// Login 用户登录
// 成功后同时写入 access_token Cookie，浏览器端的对话请求依赖它识别用户
// @Summary 用户登录
// @Tags 认证
// @Accept json
// @Produce json
// @Param body body service.LoginRequest true "登录信息"
// @Success 200 {object} response.Response{data=service.LoginResponse}
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req service.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	result, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserNotFound):
			response.UserNotFound(c)
		case errors.Is(err, service.ErrPasswordWrong):
			response.PasswordWrong(c)
		case errors.Is(err, service.ErrUserDisabled):
			response.Forbidden(c, err.Error())
		default:
			h.logger.Error("login failed", zap.Error(err))
			response.InternalError(c, "登录失败")
		}
		return
	}

	h.setTokenCookie(c, result)
	response.SuccessWithMessage(c, "登录成功", result)
}

// Logout 用户登出
// @Summary 用户登出
// @Description 登出当前用户，将 Token 加入黑名单
// @Tags 认证
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	// Token 信息由认证中间件设置
	token, expireAt, ok := middleware.GetToken(c)
	if !ok {
		response.BadRequest(c, "无法获取 Token 信息")
		return
	}

	if err := h.authService.Logout(c.Request.Context(), middleware.HashToken(token), expireAt); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		response.InternalError(c, "登出失败")
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.AccessTokenCookie, "", -1, "/", "", h.secureCookie, true)
	response.SuccessWithMessage(c, "登出成功", nil)
}

// RefreshToken 刷新 Token
// @Summary 刷新 Token
// @Description 使用 Refresh Token 获取新的 Access Token
// @Tags 认证
// @Accept json
// @Produce json
// @Param body body RefreshTokenRequest true "Refresh Token"
// @Success 200 {object} response.Response{data=service.RefreshTokenResponse}
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误")
		return
	}

	result, err := h.authService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		response.Unauthorized(c, "Refresh Token 无效或已过期")
		return
	}

	response.Success(c, result)
}

// RefreshTokenRequest 刷新 Token 请求
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// GitHubLogin 跳转到 GitHub 授权页
// @Router /api/v1/auth/github [get]
func (h *AuthHandler) GitHubLogin(c *gin.Context) {
	if h.githubService == nil || !h.githubService.Enabled() {
		response.NotFound(c, "未启用 GitHub 登录")
		return
	}

	url, err := h.githubService.AuthURL(c.Request.Context())
	if err != nil {
		h.logger.Error("github auth url failed", zap.Error(err))
		response.InternalError(c, "无法发起 GitHub 登录")
		return
	}
	c.Redirect(http.StatusFound, url)
}

// GitHubCallback GitHub 授权回调
// 成功后写入 Cookie 并跳转到前端
// @Router /api/v1/auth/github/callback [get]
func (h *AuthHandler) GitHubCallback(c *gin.Context) {
	if h.githubService == nil || !h.githubService.Enabled() {
		response.NotFound(c, "未启用 GitHub 登录")
		return
	}

	result, err := h.githubService.Callback(c.Request.Context(), c.Query("state"), c.Query("code"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOAuthStateInvalid), errors.Is(err, service.ErrOAuthExchange):
			h.logger.Warn("github callback rejected", zap.Error(err))
			response.ErrorWithCode(c, http.StatusUnauthorized, response.CodeOAuthFailed, "GitHub 登录失败")
		case errors.Is(err, service.ErrUserDisabled):
			response.Forbidden(c, err.Error())
		default:
			h.logger.Error("github callback failed", zap.Error(err))
			response.InternalError(c, "GitHub 登录失败")
		}
		return
	}

	h.setTokenCookie(c, result)
	c.Redirect(http.StatusFound, h.githubService.SuccessURL())
}

func (h *AuthHandler) setTokenCookie(c *gin.Context, result *service.LoginResponse) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.AccessTokenCookie, result.AccessToken, int(result.ExpiresIn), "/", "", h.secureCookie, true)
}
