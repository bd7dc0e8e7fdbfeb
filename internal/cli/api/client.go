// Package api 封装与服务器的 HTTP API 交互
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// chatIDHeader 服务器回传会话ID的响应头
const chatIDHeader = "X-Chat-Id"

// ErrIncompleteReply 回复流在中途断开，已经输出的内容不完整
var ErrIncompleteReply = errors.New("回复不完整，连接被中断")

// Client API 客户端
// baseURL: 例如 http://localhost:8080
// token: 需要鉴权的接口使用（Bearer）
type Client struct {
	baseURL string
	token   string

	// httpClient 普通接口使用，带整体超时
	httpClient *http.Client
	// streamClient 流式对话使用，回复可能持续数分钟，不设整体超时
	streamClient *http.Client
}

// NewClient 创建 API 客户端
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:      baseURL,
		token:        token,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
}

// APIResponse 通用响应
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError 服务器返回的错误
type APIError struct {
	Status  int    // HTTP 状态码
	Code    int    // 业务状态码
	Message string // 错误信息
	ChatID  string // 已经确定的会话，可以用来重试
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API 错误: HTTP %d", e.Status)
	}
	return fmt.Sprintf("API 错误: %s", e.Message)
}

// --- 认证 ---

// LoginResponse 登录响应
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login 使用用户名密码登录
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var result LoginResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/login", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Logout 使服务器上的 Token 失效
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil)
}

// --- 用户 ---

// Profile 当前用户资料
type Profile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Me 获取当前用户资料
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.call(ctx, http.MethodGet, "/api/v1/users/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- 会话 ---

// Chat 会话列表项
type Chat struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Message 历史消息
type Message struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// History 会话及其消息
type History struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}

// ListChats 分页获取会话列表
func (c *Client) ListChats(ctx context.Context, page, pageSize int) ([]Chat, int64, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var result struct {
		Chats []Chat `json:"chats"`
		Total int64  `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/chats?"+q.Encode(), nil, &result); err != nil {
		return nil, 0, err
	}
	return result.Chats, result.Total, nil
}

// GetHistory 获取会话的全部消息
func (c *Client) GetHistory(ctx context.Context, chatID string) (*History, error) {
	var h History
	if err := c.call(ctx, http.MethodGet, "/api/v1/chats/"+url.PathEscape(chatID)+"/messages", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteChat 删除会话
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/chats/"+url.PathEscape(chatID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return decodeError(resp)
}

// --- 对话 ---

// ChatRequest 对话请求
type ChatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`

	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// SendMessage 发送一条消息，把回复逐块写入 w
// 返回:
//   - string: 会话ID，失败时也尽量返回，便于重试
//   - error: 请求失败返回 *APIError，回复中途断开返回 ErrIncompleteReply
func (c *Client) SendMessage(ctx context.Context, req *ChatRequest, w io.Writer) (string, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat", req)
	if err != nil {
		return "", err
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	chatID := resp.Header.Get(chatIDHeader)
	if resp.StatusCode != http.StatusOK {
		return chatID, decodeError(resp)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		if ctx.Err() != nil {
			return chatID, ctx.Err()
		}
		return chatID, fmt.Errorf("%w: %v", ErrIncompleteReply, err)
	}
	return chatID, nil
}

// --- 通用请求封装 ---

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// call 发起普通 JSON 请求，out 为 nil 时忽略 data
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if apiResp.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: apiResp.Code, Message: apiResp.Message}
	}
	if out == nil || len(apiResp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(apiResp.Data, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// decodeError 把非 2xx 响应转换为 APIError
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, ChatID: resp.Header.Get(chatIDHeader)}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		var apiResp APIResponse
		if json.Unmarshal(body, &apiResp) == nil {
			apiErr.Code = apiResp.Code
			apiErr.Message = apiResp.Message
		}
	}
	return apiErr
}
