package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestIsThinkingModel(t *testing.T) {
	assert.True(t, IsThinkingModel("claude-sonnet-4-5-thinking"))
	assert.False(t, IsThinkingModel("claude-sonnet-4-5"))
	assert.True(t, IsThinkingModel("gemini-3-flash"))
	assert.False(t, IsThinkingModel("gemini-2.5-pro"))
	assert.True(t, IsThinkingModel("gemini-2.0-flash-thinking"))
	assert.False(t, IsThinkingModel("gpt-4o"))
}

func TestIsClaudeThinkingModel(t *testing.T) {
	assert.True(t, IsClaudeThinkingModel("claude-opus-4-5-thinking"))
	assert.False(t, IsClaudeThinkingModel("claude-opus-4-5"))
	assert.False(t, IsClaudeThinkingModel("gemini-3-pro"))
}

func TestLastUserText(t *testing.T) {
	rawJSON := []byte(`{"messages":[
		{"role":"user","content":"first"},
		{"role":"assistant","content":"reply"},
		{"role":"user","content":[{"type":"text","text":"read"},{"type":"text","text":"README.md"}]}
	]}`)
	assert.Equal(t, "read\nREADME.md", LastUserText(rawJSON))
	assert.Equal(t, "", LastUserText([]byte(`{"messages":[]}`)))
}

func TestConvertClaudeRequestEnvelope(t *testing.T) {
	rawJSON := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 1024,
		"temperature": 0.5,
		"system": "be terse",
		"messages": [{"role":"user","content":"ping"}]
	}`)

	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{
		ProjectID:     "rising-fact-p41fc",
		UpstreamModel: "claude-sonnet-4-5",
		SessionID:     "session-abc",
	})
	require.NoError(t, err)

	root := gjson.ParseBytes(body)
	assert.Equal(t, "rising-fact-p41fc", root.Get("project").String())
	assert.Equal(t, "claude-sonnet-4-5", root.Get("model").String())
	assert.Equal(t, "agent", root.Get("requestType").String())
	assert.Equal(t, "antigravity", root.Get("userAgent").String())
	assert.True(t, gjson.Get(root.Raw, "requestId").String() != "")
	assert.Equal(t, "session-abc", root.Get("request.sessionId").String())

	contents := root.Get("request.contents")
	require.Equal(t, int64(1), int64(len(contents.Array())))
	assert.Equal(t, "user", contents.Get("0.role").String())
	assert.Equal(t, "ping", contents.Get("0.parts.0.text").String())

	system := root.Get("request.systemInstruction")
	assert.Equal(t, "user", system.Get("role").String())
	assert.Contains(t, system.Get("parts.0.text").String(), "Antigravity")
	assert.Equal(t, "be terse", system.Get("parts.1.text").String())

	config := root.Get("request.generationConfig")
	assert.Equal(t, int64(1024), config.Get("maxOutputTokens").Int())
	assert.Equal(t, 0.5, config.Get("temperature").Float())
	assert.False(t, config.Get("thinkingConfig").Exists())
}

func TestConvertClaudeRequestRoles(t *testing.T) {
	rawJSON := []byte(`{"messages":[
		{"role":"user","content":"q"},
		{"role":"assistant","content":[{"type":"text","text":"a"}]}
	]}`)
	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{UpstreamModel: "gemini-3-flash"})
	require.NoError(t, err)

	contents := gjson.GetBytes(body, "request.contents")
	assert.Equal(t, "user", contents.Get("0.role").String())
	assert.Equal(t, "model", contents.Get("1.role").String())
}

func TestConvertClaudeRequestToolRoundTrip(t *testing.T) {
	rawJSON := []byte(`{"messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"a.txt"}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"file body"}]}
	]}`)
	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{UpstreamModel: "gemini-3-flash"})
	require.NoError(t, err)

	call := gjson.GetBytes(body, "request.contents.0.parts.0")
	assert.Equal(t, "read_file", call.Get("functionCall.name").String())
	assert.Equal(t, "a.txt", call.Get("functionCall.args.path").String())
	assert.Equal(t, thoughtSignatureSkip, call.Get("thoughtSignature").String())

	result := gjson.GetBytes(body, "request.contents.1.parts.0.functionResponse")
	assert.Equal(t, "toolu_1", result.Get("id").String())
	assert.Equal(t, "read_file", result.Get("name").String())
	assert.Equal(t, "file body", result.Get("response.result").String())
}

func TestConvertClaudeRequestDropsThinkingHistory(t *testing.T) {
	rawJSON := []byte(`{"messages":[
		{"role":"assistant","content":[
			{"type":"thinking","thinking":"private"},
			{"type":"text","text":"answer"}
		]}
	]}`)
	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{UpstreamModel: "gemini-3-flash"})
	require.NoError(t, err)

	parts := gjson.GetBytes(body, "request.contents.0.parts")
	require.Equal(t, 1, len(parts.Array()))
	assert.Equal(t, "answer", parts.Get("0.text").String())
}

func TestConvertClaudeRequestImage(t *testing.T) {
	rawJSON := []byte(`{"messages":[
		{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}]}
	]}`)
	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{UpstreamModel: "gemini-3-flash"})
	require.NoError(t, err)

	inline := gjson.GetBytes(body, "request.contents.0.parts.0.inlineData")
	assert.Equal(t, "image/png", inline.Get("mimeType").String())
	assert.Equal(t, "AAAA", inline.Get("data").String())
}

func TestConvertClaudeRequestRejectsURLImage(t *testing.T) {
	rawJSON := []byte(`{"messages":[
		{"role":"user","content":[{"type":"image","source":{"type":"url","url":"https://x/y.png"}}]}
	]}`)
	_, err := ConvertClaudeRequest(rawJSON, RequestOptions{UpstreamModel: "gemini-3-flash"})
	assert.Error(t, err)
}

func TestConvertToolChoice(t *testing.T) {
	rawJSON := []byte(`{
		"messages":[{"role":"user","content":"x"}],
		"tool_choice": {"type":"tool","name":"read_file"},
		"tools":[{"name":"read_file","input_schema":{"type":"object","properties":{}}}]
	}`)
	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{UpstreamModel: "gemini-3-flash"})
	require.NoError(t, err)

	config := gjson.GetBytes(body, "request.toolConfig.functionCallingConfig")
	assert.Equal(t, "ANY", config.Get("mode").String())
	assert.Equal(t, "read_file", config.Get("allowedFunctionNames.0").String())

	declaration := gjson.GetBytes(body, "request.tools.0.functionDeclarations.0")
	assert.Equal(t, "read_file", declaration.Get("name").String())
}

func TestBuildGenerationConfigThinkingClamp(t *testing.T) {
	rawJSON := []byte(`{"max_tokens": 2000, "messages":[{"role":"user","content":"x"}]}`)
	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{
		UpstreamModel:  "claude-sonnet-4-5-thinking",
		ThinkingBudget: 8000,
	})
	require.NoError(t, err)

	config := gjson.GetBytes(body, "request.generationConfig")
	assert.Equal(t, int64(claudeThinkingMaxOutputTokens), config.Get("maxOutputTokens").Int())
	assert.Equal(t, int64(8000), config.Get("thinkingConfig.thinkingBudget").Int())
	assert.True(t, config.Get("thinkingConfig.includeThoughts").Bool())
}

func TestBuildGenerationConfigBudgetBelowMax(t *testing.T) {
	rawJSON := []byte(`{"max_tokens": 4096, "messages":[{"role":"user","content":"x"}]}`)
	body, err := ConvertClaudeRequest(rawJSON, RequestOptions{
		UpstreamModel:  "gemini-3-pro",
		ThinkingBudget: 10000,
	})
	require.NoError(t, err)

	config := gjson.GetBytes(body, "request.generationConfig")
	assert.Equal(t, int64(4096), config.Get("maxOutputTokens").Int())
	assert.Equal(t, int64(4095), config.Get("thinkingConfig.thinkingBudget").Int())
}

func TestToolSchemasSurfacesBadTool(t *testing.T) {
	rawJSON := []byte(`{"tools":[
		{"name":"good","input_schema":{"type":"object"}},
		{"name":"bad","input_schema":{"type":"array"}}
	]}`)
	_, err := ToolSchemas(rawJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}
