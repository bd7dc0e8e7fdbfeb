// Package inference 调用远端文本生成后端并以文本块流的形式返回结果
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"aditi-chat-server/internal/config"
)

// 定义推理错误
var (
	// ErrBackendUnavailable 后端不可达、返回非 2xx 或等待响应头超时，没有产生任何文本块
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	// ErrStreamInterrupted 流在中途断开，之前已经返回的文本块仍然有效
	ErrStreamInterrupted = errors.New("inference stream interrupted")
)

// 生成参数默认值
const (
	DefaultMaxNewTokens = 512
	DefaultTemperature  = 0.7
	DefaultTopP         = 0.9
	DefaultTopK         = 50
)

// Params 生成参数
type Params struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	TopK         int     `json:"top_k"`
}

// DefaultParams 返回默认生成参数
func DefaultParams() Params {
	return Params{
		MaxNewTokens: DefaultMaxNewTokens,
		Temperature:  DefaultTemperature,
		TopP:         DefaultTopP,
		TopK:         DefaultTopK,
	}
}

// Overrides 调用方可选覆盖的生成参数，nil 表示使用默认值
type Overrides struct {
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
}

// Resolve 用默认值补齐未指定的参数
func (o Overrides) Resolve() Params {
	p := DefaultParams()
	if o.MaxNewTokens != nil {
		p.MaxNewTokens = *o.MaxNewTokens
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		p.TopP = *o.TopP
	}
	if o.TopK != nil {
		p.TopK = *o.TopK
	}
	return p
}

// Stream 一次性、只能向前读取的文本块序列
type Stream interface {
	// Next 返回下一个文本块
	// 正常结束返回 io.EOF，中途断开返回包装了 ErrStreamInterrupted 的错误
	Next() (string, error)
	// Close 停止读取并释放后端连接，可以重复调用
	Close() error
}

// Client 推理后端客户端
type Client interface {
	// Generate 发起一次生成调用
	// 建立连接失败时返回 ErrBackendUnavailable，此时没有 Stream
	Generate(ctx context.Context, prompt string, params Params) (Stream, error)
}

// NewClient 根据配置创建推理客户端
func NewClient(cfg config.BackendConfig) (Client, error) {
	switch cfg.Provider {
	case "", "http":
		return NewHTTPClient(cfg), nil
	case "ollama", "openai", "anthropic":
		c, err := NewLangChainClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
}

// readerStream 把字节流切成文本块
// 块边界总是落在完整的 UTF-8 字符之后，未完成的字节留到下一次
type readerStream struct {
	r       io.ReadCloser
	buf     []byte
	pending []byte
	err     error
	closed  bool
	onClose func()
}

const readBufferSize = 4096

func newReaderStream(r io.ReadCloser, onClose func()) *readerStream {
	return &readerStream{
		r:       r,
		buf:     make([]byte, readBufferSize),
		onClose: onClose,
	}
}

func (s *readerStream) Next() (string, error) {
	for {
		if s.err != nil {
			if len(s.pending) > 0 {
				rest := string(s.pending)
				s.pending = nil
				return rest, nil
			}
			return "", s.err
		}

		n, err := s.r.Read(s.buf)
		data := append(s.pending, s.buf[:n]...)
		cut := completePrefix(data)
		s.pending = append([]byte(nil), data[cut:]...)

		if err != nil {
			s.err = classifyReadError(err)
		}
		if cut > 0 {
			return string(data[:cut]), nil
		}
	}
}

func (s *readerStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.r.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// classifyReadError 把读取错误归类为正常结束或中断
func classifyReadError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrStreamInterrupted):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
	}
}

// completePrefix 返回 b 中以完整 UTF-8 字符结尾的最长前缀长度
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
