package server

import (
	"net/http"
	"strings"

	"github.com/polyrelay/polyrelay/pkg/wire"
)

// clientKey extracts the custom key from the location each dialect puts
// its credential in. Gemini clients vary, so that family falls through a
// chain: ?key= query, then x-goog-api-key, then a bearer token.
func clientKey(r *http.Request, family wire.Family) string {
	switch family {
	case wire.FamilyOpenAI:
		return bearerToken(r)
	case wire.FamilyAnthropic:
		return r.Header.Get("x-api-key")
	case wire.FamilyGemini:
		if key := r.URL.Query().Get("key"); key != "" {
			return key
		}
		if key := r.Header.Get("x-goog-api-key"); key != "" {
			return key
		}
		return bearerToken(r)
	default:
		return ""
	}
}

func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(value, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// modelAction splits the tail of a /v1beta/models/ path into the model
// name and the RPC verb, e.g. "gemini-pro:streamGenerateContent".
func modelAction(rest string) (model, action string) {
	model, action, _ = strings.Cut(rest, ":")
	return model, action
}
