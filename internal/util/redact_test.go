package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSensitiveQuery(t *testing.T) {
	assert.Equal(t, "", MaskSensitiveQuery(""))
	assert.Equal(t, "alt=sse", MaskSensitiveQuery("alt=sse"))

	masked := MaskSensitiveQuery("alt=sse&access_token=ya29.secret")
	assert.Contains(t, masked, "alt=sse")
	assert.Contains(t, masked, "%5BREDACTED%5D")
	assert.NotContains(t, masked, "ya29.secret")

	masked = MaskSensitiveQuery("api_key=sk-123&x=1")
	assert.NotContains(t, masked, "sk-123")
}

func TestMaskSensitiveQueryUnparseable(t *testing.T) {
	assert.Equal(t, "[REDACTED]", MaskSensitiveQuery("a=%zz;b"))
}

func TestIsSensitiveKey(t *testing.T) {
	for _, key := range []string{"Authorization", "api_key", "apikey", "client_secret", "id_token", "PASSWORD"} {
		assert.True(t, isSensitiveKey(key), key)
	}
	for _, key := range []string{"alt", "model", "project"} {
		assert.False(t, isSensitiveKey(key), key)
	}
}
