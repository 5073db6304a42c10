package claude

import (
	"encoding/json"
	"regexp"
	"strings"
)

// rawArgKey carries unparseable argument text until repair can place it
// under a real parameter name.
const rawArgKey = "_raw"

// Candidate keys for promoting _raw text when the schema declares more
// than one required string.
var rawPromotionCandidates = []string{
	"command", "cmd", "query", "path", "file_path", "filepath", "file", "url", "pattern", "text",
}

// Alias pairs healed when the target key is required by the declared
// schema and the source key is present in the arguments.
var argAliases = [][2]string{
	{"url", "link"},
	{"link", "url"},
	{"query", "prompt"},
	{"prompt", "query"},
	{"path", "file_path"},
	{"file_path", "path"},
}

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
	pathPattern   = regexp.MustCompile(`(?:~?/)?[\w.-]+(?:/[\w.-]+)*\.\w+|(?:~?/)[\w./-]+`)
	quotedPattern = regexp.MustCompile("\"([^\"]+)\"|'([^']+)'|`([^`]+)`")
)

// DecodeProtoArgs unwraps a protobuf Struct envelope
// ({"fields":{k:{"stringValue":...}}}) into plain JSON values. Values
// that are not proto-shaped pass through unchanged.
func DecodeProtoArgs(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		if list, ok := value.([]any); ok {
			out := make([]any, len(list))
			for i, item := range list {
				out[i] = DecodeProtoArgs(item)
			}
			return out
		}
		return value
	}

	if fields, ok := m["fields"].(map[string]any); ok && len(m) == 1 {
		out := make(map[string]any, len(fields))
		for key, wrapped := range fields {
			out[key] = decodeProtoValue(wrapped)
		}
		return out
	}

	out := make(map[string]any, len(m))
	for key, item := range m {
		out[key] = DecodeProtoArgs(item)
	}
	return out
}

func decodeProtoValue(value any) any {
	wrapper, ok := value.(map[string]any)
	if !ok {
		return value
	}
	if v, ok := wrapper["stringValue"]; ok {
		return v
	}
	if v, ok := wrapper["numberValue"]; ok {
		return v
	}
	if v, ok := wrapper["boolValue"]; ok {
		return v
	}
	if _, ok := wrapper["nullValue"]; ok {
		return nil
	}
	if v, ok := wrapper["structValue"]; ok {
		return DecodeProtoArgs(v)
	}
	if v, ok := wrapper["listValue"]; ok {
		if lv, ok := v.(map[string]any); ok {
			if values, ok := lv["values"].([]any); ok {
				out := make([]any, len(values))
				for i, item := range values {
					out[i] = decodeProtoValue(item)
				}
				return out
			}
		}
		return DecodeProtoArgs(v)
	}
	return DecodeProtoArgs(wrapper)
}

// ParseFunctionArgs extracts an argument object from the variants
// upstream emits: an object under args/arguments, JSON text under
// argsJson, a [{key,value}] list, or a bare string. Unparseable text
// lands under _raw for the repair pass.
func ParseFunctionArgs(part map[string]any) map[string]any {
	var raw any
	for _, key := range []string{"args", "arguments", "argsJson"} {
		if v, ok := part[key]; ok && v != nil {
			raw = v
			break
		}
	}
	if raw == nil {
		return map[string]any{}
	}

	switch v := raw.(type) {
	case map[string]any:
		decoded := DecodeProtoArgs(v)
		if m, ok := decoded.(map[string]any); ok {
			return m
		}
		return map[string]any{rawArgKey: decoded}
	case []any:
		out := make(map[string]any, len(v))
		for _, item := range v {
			pair, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := pair["key"].(string)
			if key == "" {
				continue
			}
			out[key] = DecodeProtoArgs(pair["value"])
		}
		if len(out) > 0 {
			return out
		}
		return map[string]any{}
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return map[string]any{}
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			decoded := DecodeProtoArgs(parsed)
			if m, ok := decoded.(map[string]any); ok {
				return m
			}
		}
		return map[string]any{rawArgKey: trimmed}
	default:
		return map[string]any{rawArgKey: v}
	}
}

// RepairArgs heals common argument mismatches before the tool call is
// surfaced to the client: alias keys, _raw promotion onto a required
// parameter, and best-effort filling of required string parameters from
// the most recent user text. All heuristics are feature-flagged; with
// repair disabled only proto decoding applies.
func RepairArgs(args map[string]any, schema []byte, lastUserText string, enabled bool) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	if !enabled {
		delete(args, rawArgKey)
		return args
	}

	required := RequiredStrings(schema)
	missing := func() []string {
		var out []string
		for _, name := range required {
			if _, ok := args[name]; !ok {
				out = append(out, name)
			}
		}
		return out
	}

	for _, alias := range argAliases {
		target, source := alias[0], alias[1]
		if !contains(required, target) {
			continue
		}
		if _, ok := args[target]; ok {
			continue
		}
		if v, ok := args[source]; ok {
			args[target] = v
			delete(args, source)
		}
	}

	if raw, ok := args[rawArgKey]; ok {
		delete(args, rawArgKey)
		if open := missing(); len(open) == 1 {
			args[open[0]] = raw
		} else {
			for _, candidate := range rawPromotionCandidates {
				if contains(required, candidate) {
					if _, taken := args[candidate]; !taken {
						args[candidate] = raw
						break
					}
				}
			}
		}
	}

	for _, name := range missing() {
		if value := fillFromUserText(name, lastUserText); value != "" {
			args[name] = value
		}
	}
	return args
}

// fillFromUserText recovers a missing required string from the last
// user message when the parameter name hints at a URL, path or query.
func fillFromUserText(name, text string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "url") || strings.Contains(lower, "link"):
		return urlPattern.FindString(text)
	case strings.Contains(lower, "path") || strings.Contains(lower, "file"):
		if quoted := firstQuoted(text); quoted != "" && looksLikePath(quoted) {
			return quoted
		}
		match := pathPattern.FindString(text)
		if match != "" && looksLikePath(match) {
			return match
		}
		return ""
	case strings.Contains(lower, "query") || strings.Contains(lower, "prompt"):
		if quoted := firstQuoted(text); quoted != "" {
			return quoted
		}
		return strings.TrimSpace(text)
	}
	return ""
}

func firstQuoted(text string) string {
	match := quotedPattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	for _, group := range match[1:] {
		if group != "" {
			return group
		}
	}
	return ""
}

func looksLikePath(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	if strings.Contains(s, "/") {
		return true
	}
	dot := strings.LastIndexByte(s, '.')
	return dot > 0 && dot < len(s)-1
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
