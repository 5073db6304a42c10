package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Antigravity agent preamble injected ahead of the client's system
// prompt. Upstream expects it as the first systemInstruction part.
const systemInstructionPreamble = "You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding." +
	"You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question." +
	"**Absolute paths only**" +
	"**Proactiveness**"

// thoughtSignatureSkip satisfies the upstream signature validator for
// replayed functionCall parts whose original signature is unknown.
const thoughtSignatureSkip = "skip_thought_signature_validator"

// Claude thinking models cap output at this ceiling; the budget clamp
// raises maxOutputTokens up to it when a thinking budget is forced.
const claudeThinkingMaxOutputTokens = 64000

// RequestOptions parameterizes a single translation.
type RequestOptions struct {
	ProjectID      string
	UpstreamModel  string
	SessionID      string
	ThinkingBudget int
}

// IsThinkingModel reports whether the upstream model surfaces thoughts:
// Claude models with a -thinking suffix, and Gemini generation 3 or
// later.
func IsThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "claude") {
		return strings.Contains(lower, "thinking")
	}
	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		var gen int
		if _, err := fmt.Sscanf(lower[strings.Index(lower, "gemini-"):], "gemini-%d", &gen); err == nil {
			return gen >= 3
		}
	}
	return false
}

// IsClaudeThinkingModel reports whether the upstream model needs the
// interleaved-thinking beta header.
func IsClaudeThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "claude") && strings.Contains(lower, "thinking")
}

// LastUserText returns the text of the most recent user message in an
// Anthropic request, used by the argument repair heuristics.
func LastUserText(rawJSON []byte) string {
	messages := gjson.GetBytes(rawJSON, "messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		message := messages[i]
		if message.Get("role").String() != "user" {
			continue
		}
		content := message.Get("content")
		if content.Type == gjson.String {
			return content.String()
		}
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

// ToolSchemas returns the cleaned input schema per declared tool name.
// A tool whose schema cannot be coerced yields an error; the facade
// turns it into a 400 before anything is sent upstream.
func ToolSchemas(rawJSON []byte) (map[string][]byte, error) {
	schemas := make(map[string][]byte)
	var firstErr error
	gjson.GetBytes(rawJSON, "tools").ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		cleaned, err := CleanToolSchema([]byte(tool.Get("input_schema").Raw))
		if err != nil {
			firstErr = fmt.Errorf("tool %q: %w", name, err)
			return false
		}
		schemas[name] = cleaned
		return true
	})
	return schemas, firstErr
}

// ConvertClaudeRequest rewrites an Anthropic Messages request into the
// Antigravity generateContent envelope.
func ConvertClaudeRequest(rawJSON []byte, opts RequestOptions) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)

	contents, err := convertMessages(root.Get("messages"))
	if err != nil {
		return nil, err
	}

	request := map[string]any{
		"contents":  contents,
		"sessionId": opts.SessionID,
	}

	if system := buildSystemInstruction(root.Get("system")); system != nil {
		request["systemInstruction"] = system
	}

	if tools, errTools := convertTools(root.Get("tools")); errTools != nil {
		return nil, errTools
	} else if tools != nil {
		request["tools"] = tools
	}

	if toolConfig := convertToolChoice(root.Get("tool_choice")); toolConfig != nil {
		request["toolConfig"] = toolConfig
	}

	request["generationConfig"] = buildGenerationConfig(root, opts)

	envelope := map[string]any{
		"project":     opts.ProjectID,
		"model":       opts.UpstreamModel,
		"request":     request,
		"requestType": "agent",
		"requestId":   "agent-" + uuid.NewString(),
		"userAgent":   "antigravity",
	}
	return json.Marshal(envelope)
}

// buildSystemInstruction folds the agent preamble and the client's
// system prompt into one user-role instruction. Upstream rejects the
// "system" role here.
func buildSystemInstruction(system gjson.Result) map[string]any {
	parts := []any{map[string]any{"text": systemInstructionPreamble}}
	switch system.Type {
	case gjson.String:
		if system.String() != "" {
			parts = append(parts, map[string]any{"text": system.String()})
		}
	case gjson.JSON:
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				if text := block.Get("text").String(); text != "" {
					parts = append(parts, map[string]any{"text": text})
				}
			}
			return true
		})
	}
	return map[string]any{"role": "user", "parts": parts}
}

func convertMessages(messages gjson.Result) ([]any, error) {
	// Map tool_use ids to names so functionResponse parts can carry the
	// name upstream expects.
	toolNames := make(map[string]string)
	messages.ForEach(func(_, message gjson.Result) bool {
		message.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_use" {
				toolNames[block.Get("id").String()] = block.Get("name").String()
			}
			return true
		})
		return true
	})

	var contents []any
	var convErr error
	messages.ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		upstreamRole := "user"
		if role == "assistant" {
			upstreamRole = "model"
		}

		parts, err := convertContent(message.Get("content"), toolNames)
		if err != nil {
			convErr = err
			return false
		}
		if len(parts) == 0 {
			return true
		}
		contents = append(contents, map[string]any{"role": upstreamRole, "parts": parts})
		return true
	})
	if convErr != nil {
		return nil, convErr
	}
	return contents, nil
}

func convertContent(content gjson.Result, toolNames map[string]string) ([]any, error) {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil, nil
		}
		return []any{map[string]any{"text": content.String()}}, nil
	}

	var parts []any
	var convErr error
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"text": block.Get("text").String()})
		case "image":
			source := block.Get("source")
			if source.Get("type").String() != "base64" {
				convErr = fmt.Errorf("image source type %q not supported", source.Get("type").String())
				return false
			}
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{
					"mimeType": source.Get("media_type").String(),
					"data":     source.Get("data").String(),
				},
			})
		case "tool_use":
			var input any = map[string]any{}
			if raw := block.Get("input").Raw; raw != "" {
				_ = json.Unmarshal([]byte(raw), &input)
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"id":   block.Get("id").String(),
					"name": block.Get("name").String(),
					"args": input,
				},
				"thoughtSignature": thoughtSignatureSkip,
			})
		case "tool_result":
			id := block.Get("tool_use_id").String()
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"id":   id,
					"name": toolNames[id],
					"response": map[string]any{
						"result": toolResultText(block),
					},
				},
			})
		case "thinking", "redacted_thinking":
			// History thinking blocks are never replayed upstream.
		}
		return true
	})
	return parts, convErr
}

func toolResultText(block gjson.Result) string {
	content := block.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var texts []string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			texts = append(texts, item.Get("text").String())
		}
		return true
	})
	return strings.Join(texts, "\n")
}

func convertTools(tools gjson.Result) (any, error) {
	if !tools.Exists() || !tools.IsArray() {
		return nil, nil
	}
	var declarations []any
	var convErr error
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		cleaned, err := CleanToolSchema([]byte(tool.Get("input_schema").Raw))
		if err != nil {
			convErr = fmt.Errorf("tool %q: %w", name, err)
			return false
		}
		var parameters any
		_ = json.Unmarshal(cleaned, &parameters)
		declaration := map[string]any{
			"name":       name,
			"parameters": parameters,
		}
		if description := tool.Get("description").String(); description != "" {
			declaration["description"] = description
		}
		declarations = append(declarations, declaration)
		return true
	})
	if convErr != nil {
		return nil, convErr
	}
	if len(declarations) == 0 {
		return nil, nil
	}
	return []any{map[string]any{"functionDeclarations": declarations}}, nil
}

func convertToolChoice(choice gjson.Result) map[string]any {
	if !choice.Exists() {
		return nil
	}
	config := map[string]any{}
	switch choice.Get("type").String() {
	case "auto":
		config["mode"] = "AUTO"
	case "any":
		config["mode"] = "ANY"
	case "tool":
		config["mode"] = "ANY"
		if name := choice.Get("name").String(); name != "" {
			config["allowedFunctionNames"] = []any{name}
		}
	case "none":
		config["mode"] = "NONE"
	default:
		return nil
	}
	return map[string]any{"functionCallingConfig": config}
}

func buildGenerationConfig(root gjson.Result, opts RequestOptions) map[string]any {
	config := map[string]any{}
	maxTokens := int(root.Get("max_tokens").Int())
	if maxTokens > 0 {
		config["maxOutputTokens"] = maxTokens
	}
	if temperature := root.Get("temperature"); temperature.Exists() {
		config["temperature"] = temperature.Float()
	}
	if topP := root.Get("top_p"); topP.Exists() {
		config["topP"] = topP.Float()
	}
	if topK := root.Get("top_k"); topK.Exists() {
		config["topK"] = topK.Int()
	}
	if stops := root.Get("stop_sequences"); stops.IsArray() && len(stops.Array()) > 0 {
		var sequences []any
		stops.ForEach(func(_, s gjson.Result) bool {
			sequences = append(sequences, s.String())
			return true
		})
		config["stopSequences"] = sequences
	}

	if IsThinkingModel(opts.UpstreamModel) {
		thinking := map[string]any{"includeThoughts": true}
		if opts.ThinkingBudget > 0 {
			budget := opts.ThinkingBudget
			if IsClaudeThinkingModel(opts.UpstreamModel) && maxTokens <= budget {
				maxTokens = claudeThinkingMaxOutputTokens
				config["maxOutputTokens"] = maxTokens
			}
			if maxTokens > 0 && budget >= maxTokens {
				budget = maxTokens - 1
			}
			thinking["thinkingBudget"] = budget
		}
		config["thinkingConfig"] = thinking
	}
	return config
}
