package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aditi-chat-server/internal/cli/api"
)

func TestWSSenderPayloadCarriesGenerationFlags(t *testing.T) {
	temperature := 0.3
	maxTokens := 128
	s := &wsSender{params: api.ChatRequest{Temperature: &temperature, MaxNewTokens: &maxTokens}}

	data, err := json.Marshal(s.payload("c1", "hello"))
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "c1", got["chat_id"])
	assert.Equal(t, "hello", got["message"])
	assert.Equal(t, 0.3, got["temperature"])
	assert.EqualValues(t, 128, got["max_new_tokens"])
}

func TestWSSenderPayloadOmitsUnsetFlags(t *testing.T) {
	s := &wsSender{}

	data, err := json.Marshal(s.payload("", "hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hello"}`, string(data))
}
