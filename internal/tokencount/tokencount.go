// Package tokencount approximates Anthropic token counts locally with a
// tiktoken encoder. Antigravity has no count endpoint, so the proxy
// answers count_tokens itself.
package tokencount

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// Counter wraps a tokenizer codec selected for a configured model id.
type Counter struct {
	once  sync.Once
	model string
	codec tokenizer.Codec
	err   error
}

// New builds a lazy counter; the encoding is resolved on first use.
func New(model string) *Counter {
	return &Counter{model: model}
}

func (c *Counter) encoder() (tokenizer.Codec, error) {
	c.once.Do(func() {
		c.codec, c.err = codecForModel(c.model)
	})
	return c.codec, c.err
}

// codecForModel maps an OpenAI-style model id to a codec. Unknown ids
// fall back to o200k_base, which tracks current Anthropic and Gemini
// vocabularies closely enough for estimates.
func codecForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case sanitized == "":
		return tokenizer.Get(tokenizer.O200kBase)
	case strings.HasPrefix(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(sanitized, "gpt-3.5"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	case strings.HasPrefix(sanitized, "o1"):
		return tokenizer.ForModel(tokenizer.O1)
	case strings.HasPrefix(sanitized, "o3"):
		return tokenizer.ForModel(tokenizer.O3)
	default:
		return tokenizer.Get(tokenizer.O200kBase)
	}
}

// CountRequest estimates input tokens for an Anthropic Messages
// request: system prompt, message content and tool declarations all
// count toward the total.
func (c *Counter) CountRequest(rawJSON []byte) (int, error) {
	enc, err := c.encoder()
	if err != nil {
		return 0, fmt.Errorf("load tokenizer for %q: %w", c.model, err)
	}

	root := gjson.ParseBytes(rawJSON)
	segments := make([]string, 0, 32)

	collectSystem(root.Get("system"), &segments)
	collectMessages(root.Get("messages"), &segments)
	collectTools(root.Get("tools"), &segments)

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0, nil
	}
	count, err := enc.Count(joined)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func collectSystem(system gjson.Result, segments *[]string) {
	if system.Type == gjson.String {
		addIfNotEmpty(segments, system.String())
		return
	}
	system.ForEach(func(_, block gjson.Result) bool {
		addIfNotEmpty(segments, block.Get("text").String())
		return true
	})
}

func collectMessages(messages gjson.Result, segments *[]string) {
	messages.ForEach(func(_, message gjson.Result) bool {
		addIfNotEmpty(segments, message.Get("role").String())
		content := message.Get("content")
		if content.Type == gjson.String {
			addIfNotEmpty(segments, content.String())
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text", "thinking":
				addIfNotEmpty(segments, block.Get("text").String())
				addIfNotEmpty(segments, block.Get("thinking").String())
			case "tool_use":
				addIfNotEmpty(segments, block.Get("name").String())
				addIfNotEmpty(segments, block.Get("input").Raw)
			case "tool_result":
				inner := block.Get("content")
				if inner.Type == gjson.String {
					addIfNotEmpty(segments, inner.String())
				} else {
					inner.ForEach(func(_, item gjson.Result) bool {
						addIfNotEmpty(segments, item.Get("text").String())
						return true
					})
				}
			}
			return true
		})
		return true
	})
}

func collectTools(tools gjson.Result, segments *[]string) {
	tools.ForEach(func(_, tool gjson.Result) bool {
		addIfNotEmpty(segments, tool.Get("name").String())
		addIfNotEmpty(segments, tool.Get("description").String())
		addIfNotEmpty(segments, tool.Get("input_schema").Raw)
		return true
	})
}

func addIfNotEmpty(segments *[]string, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	*segments = append(*segments, value)
}
