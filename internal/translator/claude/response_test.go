package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestStopReason(t *testing.T) {
	assert.Equal(t, "end_turn", StopReason("STOP", false))
	assert.Equal(t, "end_turn", StopReason("", false))
	assert.Equal(t, "max_tokens", StopReason("MAX_TOKENS", false))
	assert.Equal(t, "stop_sequence", StopReason("SAFETY", false))
	assert.Equal(t, "error", StopReason("MALFORMED_FUNCTION_CALL", false))
	assert.Equal(t, "tool_use", StopReason("STOP", true))
}

func TestUnwrapResponse(t *testing.T) {
	wrapped := []byte(`{"response":{"candidates":[{"content":{}}]},"traceId":"t1"}`)
	assert.True(t, UnwrapResponse(wrapped).Get("candidates").Exists())

	bare := []byte(`{"candidates":[{"content":{}}]}`)
	assert.True(t, UnwrapResponse(bare).Get("candidates").Exists())
}

func TestConvertAntigravityResponseText(t *testing.T) {
	body := []byte(`{"response":{
		"candidates":[{"content":{"parts":[
			{"text":"Hello "},
			{"text":"world"}
		]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":5}
	}}`)

	message, err := ConvertAntigravityResponse(body, ResponseOptions{ClientModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	root := gjson.ParseBytes(message)
	assert.Equal(t, "message", root.Get("type").String())
	assert.Equal(t, "assistant", root.Get("role").String())
	assert.Equal(t, "claude-sonnet-4-5", root.Get("model").String())
	require.Equal(t, 1, len(root.Get("content").Array()))
	assert.Equal(t, "Hello world", root.Get("content.0.text").String())
	assert.Equal(t, "end_turn", root.Get("stop_reason").String())
	assert.Equal(t, int64(12), root.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(5), root.Get("usage.output_tokens").Int())
}

func TestConvertAntigravityResponseThinkingAndTool(t *testing.T) {
	body := []byte(`{"response":{
		"candidates":[{"content":{"parts":[
			{"thought":true,"text":"planning"},
			{"text":"using the tool"},
			{"functionCall":{"name":"read_file","args":{"path":"a.txt"}}}
		]},"finishReason":"STOP"}]
	}}`)

	message, err := ConvertAntigravityResponse(body, ResponseOptions{ClientModel: "m"})
	require.NoError(t, err)

	content := gjson.GetBytes(message, "content")
	require.Equal(t, 3, len(content.Array()))
	assert.Equal(t, "thinking", content.Get("0.type").String())
	assert.Equal(t, "planning", content.Get("0.thinking").String())
	assert.Equal(t, "text", content.Get("1.type").String())
	assert.Equal(t, "tool_use", content.Get("2.type").String())
	assert.Equal(t, "read_file", content.Get("2.name").String())
	assert.Equal(t, "a.txt", content.Get("2.input.path").String())
	assert.Contains(t, content.Get("2.id").String(), "toolu_")
	assert.Equal(t, "tool_use", gjson.GetBytes(message, "stop_reason").String())
}

func TestConvertAntigravityResponseEmpty(t *testing.T) {
	message, err := ConvertAntigravityResponse([]byte(`{"response":{"candidates":[{"finishReason":"STOP"}]}}`), ResponseOptions{})
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(message, "content").IsArray())
	assert.Equal(t, 0, len(gjson.GetBytes(message, "content").Array()))
}

func TestConvertAntigravityResponseEstimatesTokens(t *testing.T) {
	body := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"abcdefgh"}]},"finishReason":"STOP"}]}}`)
	message, err := ConvertAntigravityResponse(body, ResponseOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(message, "usage.output_tokens").Int())
}

func TestConvertAntigravityResponseRepairsToolArgs(t *testing.T) {
	body := []byte(`{"response":{
		"candidates":[{"content":{"parts":[
			{"functionCall":{"name":"read_file","args":{}}}
		]},"finishReason":"STOP"}]
	}}`)
	opts := ResponseOptions{
		ClientModel:   "m",
		Schemas:       map[string][]byte{"read_file": []byte(`{"type":"object","required":["file_path"],"properties":{"file_path":{"type":"string"}}}`)},
		LastUserText:  "read README.md",
		RepairEnabled: true,
	}
	message, err := ConvertAntigravityResponse(body, opts)
	require.NoError(t, err)
	assert.Equal(t, "README.md", gjson.GetBytes(message, "content.0.input.file_path").String())
}
