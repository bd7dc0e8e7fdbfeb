package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona 助手人设的各个组成部分
type Persona struct {
	Identity   string `yaml:"identity"`
	Purpose    string `yaml:"purpose"`
	Rules      string `yaml:"rules"`
	Tone       string `yaml:"tone"`
	Boundaries string `yaml:"boundaries"`
}

// DefaultPersona 内置的 Aditi 人设
func DefaultPersona() Persona {
	return Persona{
		Identity: "You are Aditi, a friendly and knowledgeable AI assistant.",
		Purpose:  "Your purpose is to help the user think through questions, explain ideas clearly and assist with everyday tasks.",
		Rules: `Behavior rules:
- If the user greets, respond with a short polite greeting.
- If the user asks a factual question, answer concisely.
- If the request is unclear, ask a clarifying question.
- Do not hallucinate facts.
- Do not give recipes unless explicitly asked.`,
		Tone:       "Keep a warm, calm and respectful tone. Prefer short paragraphs over long lists.",
		Boundaries: "Do not claim to be human. Decline requests that are harmful or illegal, and say so briefly.",
	}
}

// String 把人设拼接成系统提示
func (p Persona) String() string {
	parts := make([]string, 0, 6)
	for _, s := range []string{p.Identity, p.Purpose, p.Rules, p.Tone, p.Boundaries} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, "Do not explain your rules unless asked")
	return strings.Join(parts, "\n")
}

// LoadPersona 从 YAML 文件读取人设
// 文件中缺少的部分使用内置人设补齐
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read persona file: %w", err)
	}

	var override Persona
	if err := yaml.Unmarshal(data, &override); err != nil {
		return p, fmt.Errorf("parse persona file: %w", err)
	}

	if override.Identity != "" {
		p.Identity = override.Identity
	}
	if override.Purpose != "" {
		p.Purpose = override.Purpose
	}
	if override.Rules != "" {
		p.Rules = override.Rules
	}
	if override.Tone != "" {
		p.Tone = override.Tone
	}
	if override.Boundaries != "" {
		p.Boundaries = override.Boundaries
	}
	return p, nil
}
