package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountRequestEmpty(t *testing.T) {
	counter := New("gpt-4o")
	count, err := counter.CountRequest([]byte(`{"messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCountRequestMessages(t *testing.T) {
	counter := New("gpt-4o")
	count, err := counter.CountRequest([]byte(`{
		"system": "You are concise.",
		"messages": [
			{"role":"user","content":"What is the capital of France?"},
			{"role":"assistant","content":[{"type":"text","text":"Paris."}]}
		]
	}`))
	require.NoError(t, err)
	assert.Greater(t, count, 5)
}

func TestCountRequestIncludesTools(t *testing.T) {
	counter := New("gpt-4o")
	base := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	withTools := []byte(`{
		"messages":[{"role":"user","content":"hi"}],
		"tools":[{"name":"read_file","description":"Reads a file from disk","input_schema":{"type":"object","properties":{"path":{"type":"string"}}}}]
	}`)

	baseCount, err := counter.CountRequest(base)
	require.NoError(t, err)
	toolCount, err := counter.CountRequest(withTools)
	require.NoError(t, err)
	assert.Greater(t, toolCount, baseCount)
}

func TestCountRequestToolBlocks(t *testing.T) {
	counter := New("gpt-4o")
	count, err := counter.CountRequest([]byte(`{
		"messages":[
			{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"main.go"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"package main"}]}
		]
	}`))
	require.NoError(t, err)
	assert.Greater(t, count, 4)
}

func TestCounterUnknownModelFallsBack(t *testing.T) {
	counter := New("claude-sonnet-4-5")
	count, err := counter.CountRequest([]byte(`{"messages":[{"role":"user","content":"hello world"}]}`))
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}
