// Package prompt 把人设和对话历史组装成推理后端使用的提示词
//
// 格式:
//
//	<|system|>
//	{persona}
//	<|user|>
//	...
//	<|assistant|>
//	...
//	<|assistant|>
//
// 最后的 <|assistant|> 标记没有内容，后端从这里开始生成。
package prompt

import (
	"strings"
)

// 角色标记
const (
	TagSystem    = "<|system|>"
	TagUser      = "<|user|>"
	TagAssistant = "<|assistant|>"
)

// 角色名称，与 model.MessageRole* 一致
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn 对话中的一轮发言
type Turn struct {
	Role    string
	Content string
}

// Assembler 提示词组装器
// 无状态，可以被多个请求并发使用
type Assembler struct {
	persona string
	window  Windower
}

// NewAssembler 创建 Assembler
// persona 为空属于调用方的编程错误
// window 为 nil 时不裁剪历史
func NewAssembler(persona string, window Windower) *Assembler {
	if persona == "" {
		panic("prompt: empty persona")
	}
	if window == nil {
		window = Unbounded{}
	}
	return &Assembler{persona: persona, window: window}
}

// Persona 返回系统人设
func (a *Assembler) Persona() string {
	return a.persona
}

// Assemble 组装提示词
// history 按时间正序，最后一项通常是刚写入的用户消息
func (a *Assembler) Assemble(history []Turn) string {
	turns := a.window.Window(history)

	segments := make([]string, len(turns))
	for i, t := range turns {
		segments[i] = segment(t)
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(TagSystem)
	b.WriteString("\n")
	b.WriteString(a.persona)
	b.WriteString("\n")
	b.WriteString(strings.Join(segments, "\n"))
	b.WriteString("\n")
	b.WriteString(TagAssistant)
	b.WriteString("\n")
	return b.String()
}

// AssembleWith 在历史之后追加一条尚未保存的用户消息再组装
func (a *Assembler) AssembleWith(prior []Turn, userText string) string {
	turns := make([]Turn, 0, len(prior)+1)
	turns = append(turns, prior...)
	turns = append(turns, Turn{Role: RoleUser, Content: userText})
	return a.Assemble(turns)
}

// segment 把一轮发言渲染成带角色标记的片段
// 未知角色渲染为空片段
func segment(t Turn) string {
	switch t.Role {
	case RoleUser:
		return TagUser + "\n" + t.Content
	case RoleAssistant:
		return TagAssistant + "\n" + t.Content
	default:
		return ""
	}
}
