package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polyrelay/polyrelay/pkg/wire"
)

func TestClientKey(t *testing.T) {
	t.Run("openai bearer", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set("Authorization", "Bearer sk-custom-1")
		assert.Equal(t, "sk-custom-1", clientKey(r, wire.FamilyOpenAI))
	})

	t.Run("openai missing", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		assert.Empty(t, clientKey(r, wire.FamilyOpenAI))
	})

	t.Run("openai wrong scheme", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.Empty(t, clientKey(r, wire.FamilyOpenAI))
	})

	t.Run("anthropic header", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/messages", nil)
		r.Header.Set("x-api-key", "sk-custom-1")
		assert.Equal(t, "sk-custom-1", clientKey(r, wire.FamilyAnthropic))
	})

	t.Run("gemini query param wins", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1beta/models/gemini-pro:generateContent?key=from-query", nil)
		r.Header.Set("x-goog-api-key", "from-header")
		r.Header.Set("Authorization", "Bearer from-bearer")
		assert.Equal(t, "from-query", clientKey(r, wire.FamilyGemini))
	})

	t.Run("gemini header fallback", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1beta/models/gemini-pro:generateContent", nil)
		r.Header.Set("x-goog-api-key", "from-header")
		r.Header.Set("Authorization", "Bearer from-bearer")
		assert.Equal(t, "from-header", clientKey(r, wire.FamilyGemini))
	})

	t.Run("gemini bearer fallback", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1beta/models/gemini-pro:generateContent", nil)
		r.Header.Set("Authorization", "Bearer from-bearer")
		assert.Equal(t, "from-bearer", clientKey(r, wire.FamilyGemini))
	})
}

func TestModelAction(t *testing.T) {
	model, action := modelAction("gemini-2.0-flash:streamGenerateContent")
	assert.Equal(t, "gemini-2.0-flash", model)
	assert.Equal(t, "streamGenerateContent", action)

	model, action = modelAction("gemini-2.0-flash")
	assert.Equal(t, "gemini-2.0-flash", model)
	assert.Empty(t, action)
}
