package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"aditi-chat-server/internal/config"
)

// generateRequest 推理服务请求体
type generateRequest struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	TopK         int     `json:"top_k"`
}

// HTTPClient 调用自建推理服务
// 服务以原始文本流返回生成结果，连接关闭表示结束
type HTTPClient struct {
	endpoint   string
	apiKey     string
	keyHeader  string
	httpClient *http.Client
}

// NewHTTPClient 创建 HTTPClient 实例
func NewHTTPClient(cfg config.BackendConfig) *HTTPClient {
	keyHeader := cfg.KeyHeader
	if keyHeader == "" {
		keyHeader = "x-internal-key"
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	return &HTTPClient{
		endpoint:  cfg.URL,
		apiKey:    cfg.APIKey,
		keyHeader: keyHeader,
		httpClient: &http.Client{
			Transport: transport,
			// 整次调用（包括读取完整的流）的上限
			Timeout: cfg.Timeout,
		},
	}
}

// Generate 发起生成调用并返回文本流
// 参数:
//   - ctx: 上下文，取消后流会以 ErrStreamInterrupted 结束
//   - prompt: 组装好的提示词
//   - params: 生成参数
//
// 返回:
//   - Stream: 文本块流，调用方负责 Close
//   - error: 连接失败或非 2xx 时返回包装了 ErrBackendUnavailable 的错误
func (c *HTTPClient) Generate(ctx context.Context, prompt string, params Params) (Stream, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:       prompt,
		MaxNewTokens: params.MaxNewTokens,
		Temperature:  params.Temperature,
		TopP:         params.TopP,
		TopK:         params.TopK,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	return newReaderStream(resp.Body, nil), nil
}
