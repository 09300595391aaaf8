package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

func TestErrorBodyEnvelopes(t *testing.T) {
	ae := apierr.AuthUnknown()

	t.Run("openai", func(t *testing.T) {
		var out struct {
			Error struct {
				Message string      `json:"message"`
				Type    string      `json:"type"`
				Code    interface{} `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(errorBody(wire.FamilyOpenAI, ae), &out))
		assert.Equal(t, "invalid API key", out.Error.Message)
		assert.Equal(t, "authentication_error", out.Error.Type)
		assert.Nil(t, out.Error.Code)
	})

	t.Run("anthropic", func(t *testing.T) {
		var out struct {
			Type  string `json:"type"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(errorBody(wire.FamilyAnthropic, ae), &out))
		assert.Equal(t, "error", out.Type)
		assert.Equal(t, "authentication_error", out.Error.Type)
		assert.Equal(t, "invalid API key", out.Error.Message)
	})

	t.Run("gemini", func(t *testing.T) {
		var out struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(errorBody(wire.FamilyGemini, ae), &out))
		assert.Equal(t, http.StatusUnauthorized, out.Error.Code)
		assert.Equal(t, "UNAUTHENTICATED", out.Error.Status)
	})
}

// Upstream errors surface the upstream's own message, re-shaped into the
// client envelope rather than forwarded verbatim.
func TestErrorBodyUpstreamMessage(t *testing.T) {
	ae := apierr.Upstream(http.StatusTooManyRequests,
		[]byte(`{"error":{"message":"quota exceeded for project"}}`))

	body := errorBody(wire.FamilyAnthropic, ae)
	assert.Contains(t, string(body), "quota exceeded for project")
	assert.Contains(t, string(body), "rate_limit_error")
}

func TestErrorBodyInvalidRequestField(t *testing.T) {
	ae := apierr.InvalidRequest("max_tokens", "max_tokens is required")

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(errorBody(wire.FamilyOpenAI, ae), &out))
	assert.Equal(t, "max_tokens", out.Error.Code)
}

func TestGoogleStatus(t *testing.T) {
	tests := map[int]string{
		http.StatusBadRequest:          "INVALID_ARGUMENT",
		http.StatusUnprocessableEntity: "INVALID_ARGUMENT",
		http.StatusUnauthorized:        "UNAUTHENTICATED",
		http.StatusForbidden:           "PERMISSION_DENIED",
		http.StatusNotFound:            "NOT_FOUND",
		http.StatusTooManyRequests:     "RESOURCE_EXHAUSTED",
		http.StatusInternalServerError: "INTERNAL",
		http.StatusBadGateway:          "UNAVAILABLE",
		http.StatusServiceUnavailable:  "UNAVAILABLE",
		http.StatusGatewayTimeout:      "DEADLINE_EXCEEDED",
		http.StatusTeapot:              "UNKNOWN",
	}
	for status, want := range tests {
		assert.Equal(t, want, googleStatus(status), "status %d", status)
	}
}

func TestWriteStreamError(t *testing.T) {
	ae := apierr.UpstreamNetwork(nil)

	t.Run("anthropic uses error event", func(t *testing.T) {
		var buf strings.Builder
		writeStreamError(&buf, wire.FamilyAnthropic, ae)
		assert.True(t, strings.HasPrefix(buf.String(), "event: error\n"))
	})

	t.Run("openai terminates with done", func(t *testing.T) {
		var buf strings.Builder
		writeStreamError(&buf, wire.FamilyOpenAI, ae)
		assert.Contains(t, buf.String(), "upstream request failed")
		assert.True(t, strings.HasSuffix(buf.String(), "data: [DONE]\n\n"))
	})
}
