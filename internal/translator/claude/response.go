package claude

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ResponseOptions parameterizes response translation back to the
// client.
type ResponseOptions struct {
	// ClientModel is echoed verbatim; the client must see the alias it
	// asked for, not the upstream id.
	ClientModel   string
	Schemas       map[string][]byte
	LastUserText  string
	RepairEnabled bool
}

// StopReason maps an upstream finishReason to the Anthropic stop
// reason. sawToolCall forces tool_use regardless of finishReason.
func StopReason(finishReason string, sawToolCall bool) string {
	if sawToolCall {
		return "tool_use"
	}
	switch finishReason {
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY":
		return "stop_sequence"
	default:
		return "error"
	}
}

// UnwrapResponse strips the {"response":{...},"traceId":...} envelope
// the v1internal endpoints wrap around GenerateContentResponse.
func UnwrapResponse(body []byte) gjson.Result {
	root := gjson.ParseBytes(body)
	if inner := root.Get("response"); inner.Exists() && inner.IsObject() {
		return inner
	}
	return root
}

// ConvertAntigravityResponse translates a buffered generateContent
// response into a complete Anthropic message.
func ConvertAntigravityResponse(body []byte, opts ResponseOptions) ([]byte, error) {
	response := UnwrapResponse(body)
	candidate := response.Get("candidates.0")

	var blocks []any
	sawToolCall := false

	flushText := func(kind, text string) {
		if text == "" {
			return
		}
		if kind == "thinking" {
			blocks = append(blocks, map[string]any{"type": "thinking", "thinking": text})
			return
		}
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}

	pendingKind := ""
	pendingText := ""
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			flushText(pendingKind, pendingText)
			pendingKind, pendingText = "", ""
			blocks = append(blocks, toolUseBlock(part.Get("functionCall"), opts))
			sawToolCall = true
		case part.Get("thought").Bool():
			if pendingKind != "thinking" {
				flushText(pendingKind, pendingText)
				pendingText = ""
			}
			pendingKind = "thinking"
			pendingText += part.Get("text").String()
		case part.Get("text").Exists():
			if pendingKind != "text" {
				flushText(pendingKind, pendingText)
				pendingText = ""
			}
			pendingKind = "text"
			pendingText += part.Get("text").String()
		}
		return true
	})
	flushText(pendingKind, pendingText)

	finishReason := candidate.Get("finishReason").String()

	inputTokens := int(response.Get("usageMetadata.promptTokenCount").Int())
	outputTokens := int(response.Get("usageMetadata.candidatesTokenCount").Int())
	if outputTokens == 0 {
		outputTokens = estimateBlockTokens(blocks)
	}

	if blocks == nil {
		blocks = []any{}
	}
	message := map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         opts.ClientModel,
		"content":       blocks,
		"stop_reason":   StopReason(finishReason, sawToolCall),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}
	return json.Marshal(message)
}

func toolUseBlock(call gjson.Result, opts ResponseOptions) map[string]any {
	name := call.Get("name").String()
	id := call.Get("id").String()
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}

	var part map[string]any
	_ = json.Unmarshal([]byte(call.Raw), &part)
	args := ParseFunctionArgs(part)
	args = RepairArgs(args, opts.Schemas[name], opts.LastUserText, opts.RepairEnabled)

	return map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": args,
	}
}

// estimateBlockTokens approximates output tokens as chars/4 when the
// upstream omits usage metadata.
func estimateBlockTokens(blocks []any) int {
	total := 0
	for _, blockAny := range blocks {
		block, ok := blockAny.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := block["text"].(string); ok {
			total += len(text)
		}
		if text, ok := block["thinking"].(string); ok {
			total += len(text)
		}
	}
	if total == 0 {
		return 0
	}
	tokens := total / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
