package inference

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"aditi-chat-server/internal/config"
)

// LangChainClient 通过 langchaingo 调用 ollama / openai / anthropic
// 流式回调写入管道，读取端与 HTTPClient 返回的流行为一致
type LangChainClient struct {
	model llms.Model
}

// NewLangChainClient 根据配置创建 LangChainClient
func NewLangChainClient(cfg config.BackendConfig) (*LangChainClient, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.URL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.URL))
		}
		model, err = ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai api key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.URL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.URL))
		}
		model, err = openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic api key required")
		}
		model, err = anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model))
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported langchain provider: %s", cfg.Provider)
	}

	return &LangChainClient{model: model}, nil
}

// NewLangChainClientWithModel 使用已有的 llms.Model 创建客户端
func NewLangChainClientWithModel(model llms.Model) *LangChainClient {
	return &LangChainClient{model: model}
}

// Generate 在后台协程中发起流式生成
// 没有产生任何文本就失败时，读取端得到 ErrBackendUnavailable
func (c *LangChainClient) Generate(ctx context.Context, prompt string, params Params) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	go func() {
		var wrote atomic.Bool
		_, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
			llms.WithMaxTokens(params.MaxNewTokens),
			llms.WithTemperature(params.Temperature),
			llms.WithTopP(params.TopP),
			llms.WithTopK(params.TopK),
			llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				wrote.Store(true)
				_, werr := pw.Write(chunk)
				return werr
			}),
		)
		switch {
		case err == nil:
			pw.Close()
		case !wrote.Load():
			pw.CloseWithError(fmt.Errorf("%w: %v", ErrBackendUnavailable, err))
		default:
			pw.CloseWithError(fmt.Errorf("%w: %v", ErrStreamInterrupted, err))
		}
	}()

	return newReaderStream(pr, cancel), nil
}
