package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeProtoArgs(t *testing.T) {
	wrapped := map[string]any{
		"fields": map[string]any{
			"command": map[string]any{"stringValue": "ls -la"},
			"count":   map[string]any{"numberValue": float64(3)},
			"deep":    map[string]any{"boolValue": true},
			"nothing": map[string]any{"nullValue": nil},
			"nested": map[string]any{"structValue": map[string]any{
				"fields": map[string]any{"inner": map[string]any{"stringValue": "x"}},
			}},
			"list": map[string]any{"listValue": map[string]any{
				"values": []any{map[string]any{"stringValue": "a"}, map[string]any{"numberValue": float64(2)}},
			}},
		},
	}

	decoded, ok := DecodeProtoArgs(wrapped).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ls -la", decoded["command"])
	assert.Equal(t, float64(3), decoded["count"])
	assert.Equal(t, true, decoded["deep"])
	assert.Nil(t, decoded["nothing"])
	assert.Equal(t, map[string]any{"inner": "x"}, decoded["nested"])
	assert.Equal(t, []any{"a", float64(2)}, decoded["list"])
}

func TestDecodeProtoArgsPassthrough(t *testing.T) {
	plain := map[string]any{"path": "main.go", "fields": "not-a-struct", "extra": 1}
	decoded, ok := DecodeProtoArgs(plain).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "main.go", decoded["path"])
	assert.Equal(t, "not-a-struct", decoded["fields"])
}

func TestParseFunctionArgs(t *testing.T) {
	t.Run("object args", func(t *testing.T) {
		args := ParseFunctionArgs(map[string]any{"args": map[string]any{"path": "a.txt"}})
		assert.Equal(t, map[string]any{"path": "a.txt"}, args)
	})

	t.Run("json text under argsJson", func(t *testing.T) {
		args := ParseFunctionArgs(map[string]any{"argsJson": `{"query":"go generics"}`})
		assert.Equal(t, map[string]any{"query": "go generics"}, args)
	})

	t.Run("key value pairs", func(t *testing.T) {
		args := ParseFunctionArgs(map[string]any{"arguments": []any{
			map[string]any{"key": "url", "value": "https://go.dev"},
			map[string]any{"key": "", "value": "dropped"},
		}})
		assert.Equal(t, map[string]any{"url": "https://go.dev"}, args)
	})

	t.Run("unparseable text lands in raw", func(t *testing.T) {
		args := ParseFunctionArgs(map[string]any{"args": "grep -r TODO ."})
		assert.Equal(t, map[string]any{rawArgKey: "grep -r TODO ."}, args)
	})

	t.Run("missing args", func(t *testing.T) {
		assert.Empty(t, ParseFunctionArgs(map[string]any{"name": "tool"}))
	})
}

func TestRepairArgsAliases(t *testing.T) {
	schema := []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`)
	args := RepairArgs(map[string]any{"link": "https://go.dev"}, schema, "", true)
	assert.Equal(t, "https://go.dev", args["url"])
	assert.NotContains(t, args, "link")
}

func TestRepairArgsRawPromotion(t *testing.T) {
	schema := []byte(`{"type":"object","required":["command"],"properties":{"command":{"type":"string"}}}`)
	args := RepairArgs(map[string]any{rawArgKey: "ls -la"}, schema, "", true)
	assert.Equal(t, "ls -la", args["command"])
	assert.NotContains(t, args, rawArgKey)
}

func TestRepairArgsFillFromUserText(t *testing.T) {
	schema := []byte(`{"type":"object","required":["file_path"],"properties":{"file_path":{"type":"string"}}}`)
	args := RepairArgs(map[string]any{}, schema, "read README.md and summarize it", true)
	assert.Equal(t, "README.md", args["file_path"])
}

func TestRepairArgsFillURL(t *testing.T) {
	schema := []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`)
	args := RepairArgs(map[string]any{}, schema, "fetch https://pkg.go.dev/net/http please", true)
	assert.Equal(t, "https://pkg.go.dev/net/http", args["url"])
}

func TestRepairArgsDisabled(t *testing.T) {
	schema := []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`)
	args := RepairArgs(map[string]any{"link": "https://go.dev", rawArgKey: "junk"}, schema, "", false)
	assert.Equal(t, "https://go.dev", args["link"])
	assert.NotContains(t, args, "url")
	assert.NotContains(t, args, rawArgKey)
}

func TestLooksLikePath(t *testing.T) {
	assert.True(t, looksLikePath("cmd/server/main.go"))
	assert.True(t, looksLikePath("README.md"))
	assert.False(t, looksLikePath("just some words"))
}
