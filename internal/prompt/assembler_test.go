package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aditi-chat-server/internal/config"
)

func TestAssemble_Format(t *testing.T) {
	a := NewAssembler("You are Aditi.", nil)

	got := a.Assemble([]Turn{
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "Hello!"},
		{Role: RoleUser, Content: "How are you?"},
	})

	want := "\n<|system|>\nYou are Aditi.\n" +
		"<|user|>\nHi\n" +
		"<|assistant|>\nHello!\n" +
		"<|user|>\nHow are you?\n" +
		"<|assistant|>\n"
	assert.Equal(t, want, got)
}

func TestAssemble_UnknownRoleIsEmptySegment(t *testing.T) {
	a := NewAssembler("P", nil)

	got := a.Assemble([]Turn{
		{Role: RoleUser, Content: "a"},
		{Role: "tool", Content: "ignored"},
		{Role: RoleUser, Content: "b"},
	})

	assert.Equal(t, "\n<|system|>\nP\n<|user|>\na\n\n<|user|>\nb\n<|assistant|>\n", got)
	assert.NotContains(t, got, "ignored")
}

func TestAssemble_NoStrictAlternation(t *testing.T) {
	a := NewAssembler("P", nil)

	got := a.Assemble([]Turn{
		{Role: RoleUser, Content: "one"},
		{Role: RoleUser, Content: "two"},
	})

	assert.Equal(t, "\n<|system|>\nP\n<|user|>\none\n<|user|>\ntwo\n<|assistant|>\n", got)
}

func TestAssembleWith_AppendsUserText(t *testing.T) {
	a := NewAssembler("P", nil)
	prior := []Turn{{Role: RoleUser, Content: "Hi"}, {Role: RoleAssistant, Content: "Yo"}}

	got := a.AssembleWith(prior, "next")

	assert.True(t, strings.HasSuffix(got, "<|user|>\nnext\n<|assistant|>\n"))
	assert.Len(t, prior, 2)
}

func TestNewAssembler_PanicsOnEmptyPersona(t *testing.T) {
	assert.Panics(t, func() { NewAssembler("", nil) })
}

func TestAssemble_UsesWindow(t *testing.T) {
	a := NewAssembler("P", LastN{N: 1})

	got := a.Assemble([]Turn{
		{Role: RoleUser, Content: "old"},
		{Role: RoleAssistant, Content: "older answer"},
		{Role: RoleUser, Content: "new"},
	})

	assert.Equal(t, "\n<|system|>\nP\n<|user|>\nnew\n<|assistant|>\n", got)
}

func TestWindows(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Content: "aaaa"},
		{Role: RoleAssistant, Content: "bbbb"},
		{Role: RoleUser, Content: "cc"},
	}

	tests := []struct {
		name   string
		window Windower
		want   int
	}{
		{"unbounded keeps all", Unbounded{}, 3},
		{"last two", LastN{N: 2}, 2},
		{"last n larger than history", LastN{N: 10}, 3},
		{"last n below one keeps newest", LastN{N: 0}, 1},
		{"char budget fits two", CharBudget{Max: 6}, 2},
		{"char budget fits all", CharBudget{Max: 10}, 3},
		{"char budget smaller than newest keeps newest", CharBudget{Max: 1}, 1},
		{"token budget with counter", &TokenBudget{Max: 2, count: func(string) int { return 1 }}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.window.Window(history)
			require.Len(t, got, tt.want)
			assert.Equal(t, "cc", got[len(got)-1].Content)
		})
	}
}

func TestCharBudget_CountsRunes(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Content: "你好"},
		{Role: RoleUser, Content: "世界"},
	}

	got := CharBudget{Max: 4}.Window(history)
	assert.Len(t, got, 2)
}

func TestNewWindower(t *testing.T) {
	w, err := NewWindower(config.WindowConfig{Strategy: "last_n", MaxMessages: 3})
	require.NoError(t, err)
	assert.Equal(t, LastN{N: 3}, w)

	w, err = NewWindower(config.WindowConfig{Strategy: "chars", MaxChars: 100})
	require.NoError(t, err)
	assert.Equal(t, CharBudget{Max: 100}, w)

	w, err = NewWindower(config.WindowConfig{})
	require.NoError(t, err)
	assert.Equal(t, Unbounded{}, w)

	_, err = NewWindower(config.WindowConfig{Strategy: "bogus"})
	assert.Error(t, err)
}

func TestPersona(t *testing.T) {
	s := DefaultPersona().String()
	assert.True(t, strings.HasPrefix(s, "You are Aditi"))
	assert.True(t, strings.HasSuffix(s, "Do not explain your rules unless asked"))
	assert.Contains(t, s, "Do not hallucinate facts.")
}

func TestLoadPersona_OverridesParts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity: You are Tara.\ntone: Be brief.\n"), 0o600))

	p, err := LoadPersona(path)
	require.NoError(t, err)

	assert.Equal(t, "You are Tara.", p.Identity)
	assert.Equal(t, "Be brief.", p.Tone)
	assert.Equal(t, DefaultPersona().Rules, p.Rules)
}

func TestLoadPersona_MissingFile(t *testing.T) {
	_, err := LoadPersona(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
