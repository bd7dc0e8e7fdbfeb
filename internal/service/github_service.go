package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"aditi-chat-server/internal/config"
	"aditi-chat-server/internal/model"
	"aditi-chat-server/internal/repository"
	"aditi-chat-server/pkg/util"
)

// GitHub 登录相关错误
var (
	ErrOAuthDisabled     = errors.New("未配置 GitHub 登录")
	ErrOAuthStateInvalid = errors.New("登录状态无效或已过期")
	ErrOAuthExchange     = errors.New("GitHub 授权失败")
)

const (
	oauthStateTTL     = 5 * time.Minute
	githubUserInfoURL = "https://api.github.com/user"
)

// OAuthStateStore 保存一次性的 OAuth state
type OAuthStateStore interface {
	SaveOAuthState(ctx context.Context, state string, ttl time.Duration) error
	ConsumeOAuthState(ctx context.Context, state string) (bool, error)
}

// githubUser GitHub /user 接口返回的字段
type githubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// GitHubService GitHub 登录
// GitHub 的 login 作为用户标识，首次登录时创建用户
type GitHubService struct {
	oauth       *oauth2.Config
	states      OAuthStateStore
	userRepo    *repository.UserRepository
	auth        *AuthService
	userInfoURL string
	successURL  string
}

// NewGitHubService 创建 GitHubService 实例
func NewGitHubService(
	cfg config.GitHubOAuthConfig,
	states OAuthStateStore,
	userRepo *repository.UserRepository,
	auth *AuthService,
) *GitHubService {
	return &GitHubService{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		states:      states,
		userRepo:    userRepo,
		auth:        auth,
		userInfoURL: githubUserInfoURL,
		successURL:  cfg.SuccessURL,
	}
}

// Enabled 是否配置了 client id 和 secret
func (s *GitHubService) Enabled() bool {
	return s.oauth.ClientID != "" && s.oauth.ClientSecret != ""
}

// SuccessURL 登录成功后跳转的地址
func (s *GitHubService) SuccessURL() string {
	return s.successURL
}

// AuthURL 生成 GitHub 授权地址
// state 保存 5 分钟，回调时校验
func (s *GitHubService) AuthURL(ctx context.Context) (string, error) {
	if !s.Enabled() {
		return "", ErrOAuthDisabled
	}

	state := util.GenerateRandomString(32)
	if err := s.states.SaveOAuthState(ctx, state, oauthStateTTL); err != nil {
		return "", err
	}
	return s.oauth.AuthCodeURL(state), nil
}

// Callback 处理 GitHub 回调
// 参数:
//   - ctx: 上下文
//   - state: 授权时生成的 state
//   - code: GitHub 返回的授权码
//
// 返回:
//   - *LoginResponse: 登录成功返回 Token 和用户信息
//   - error: state 无效、授权失败或数据库错误
func (s *GitHubService) Callback(ctx context.Context, state, code string) (*LoginResponse, error) {
	if !s.Enabled() {
		return nil, ErrOAuthDisabled
	}
	if state == "" || code == "" {
		return nil, ErrOAuthStateInvalid
	}

	ok, err := s.states.ConsumeOAuthState(ctx, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOAuthStateInvalid
	}

	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthExchange, err)
	}

	profile, err := s.fetchUser(ctx, token)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username: profile.Login,
		Name:     profile.Name,
		Provider: model.UserProviderGitHub,
		Status:   1,
	}
	if user.Name == "" {
		user.Name = profile.Login
	}
	if profile.Email != "" {
		user.Email = util.StringPtr(profile.Email)
	}
	if profile.AvatarURL != "" {
		user.Avatar = util.StringPtr(profile.AvatarURL)
	}

	if err := s.userRepo.UpsertExternal(ctx, user); err != nil {
		return nil, err
	}
	if user.Status != 1 {
		return nil, ErrUserDisabled
	}

	return s.auth.IssueTokens(user)
}

func (s *GitHubService) fetchUser(ctx context.Context, token *oauth2.Token) (*githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: user info status %d: %s", ErrOAuthExchange, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var profile githubUser
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("%w: decode user info: %v", ErrOAuthExchange, err)
	}
	if profile.Login == "" {
		return nil, fmt.Errorf("%w: empty login", ErrOAuthExchange)
	}
	return &profile, nil
}
