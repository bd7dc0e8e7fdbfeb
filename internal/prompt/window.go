package prompt

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"aditi-chat-server/internal/config"
)

// Windower 决定哪些历史发言进入提示词
// 实现必须保留最后一轮发言，并保持原有顺序
type Windower interface {
	Window(history []Turn) []Turn
}

// NewWindower 根据配置创建窗口策略
func NewWindower(cfg config.WindowConfig) (Windower, error) {
	switch cfg.Strategy {
	case "", "unbounded":
		return Unbounded{}, nil
	case "last_n":
		return LastN{N: cfg.MaxMessages}, nil
	case "chars":
		return CharBudget{Max: cfg.MaxChars}, nil
	case "tokens":
		tb, err := NewTokenBudget(cfg.MaxTokens, cfg.Encoding)
		if err != nil {
			return nil, err
		}
		return tb, nil
	default:
		return nil, fmt.Errorf("unknown window strategy %q", cfg.Strategy)
	}
}

// Unbounded 不裁剪历史
type Unbounded struct{}

// Window 原样返回
func (Unbounded) Window(history []Turn) []Turn {
	return history
}

// LastN 只保留最近的 N 轮发言
type LastN struct {
	N int
}

// Window 返回最后 N 项
func (w LastN) Window(history []Turn) []Turn {
	n := w.N
	if n < 1 {
		n = 1
	}
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// CharBudget 按字符数裁剪
// 从最新的发言往前累计，超出预算的更早发言被丢弃
type CharBudget struct {
	Max int
}

// Window 保留字符总数不超过 Max 的最近发言
func (w CharBudget) Window(history []Turn) []Turn {
	return budgetWindow(history, w.Max, func(t Turn) int {
		return utf8.RuneCountInString(t.Content)
	})
}

// TokenBudget 按 tiktoken 计算的 token 数裁剪
type TokenBudget struct {
	Max   int
	count func(string) int
}

// NewTokenBudget 使用指定的 tiktoken 编码创建 TokenBudget
// 编码表首次使用时需要下载，失败时返回错误
func NewTokenBudget(max int, encoding string) (*TokenBudget, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TokenBudget{
		Max: max,
		count: func(s string) int {
			return len(enc.Encode(s, nil, nil))
		},
	}, nil
}

// Window 保留 token 总数不超过 Max 的最近发言
func (w *TokenBudget) Window(history []Turn) []Turn {
	return budgetWindow(history, w.Max, func(t Turn) int {
		return w.count(t.Content)
	})
}

// budgetWindow 从尾部开始累计成本，最后一项无论成本多少都保留
func budgetWindow(history []Turn, max int, cost func(Turn) int) []Turn {
	if len(history) == 0 {
		return history
	}

	start := len(history) - 1
	used := cost(history[start])
	for i := start - 1; i >= 0; i-- {
		c := cost(history[i])
		if used+c > max {
			break
		}
		used += c
		start = i
	}
	return history[start:]
}
