package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/sse"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

// writeError renders a typed error in the client dialect's envelope.
// Upstream bodies are re-shaped into that envelope, never forwarded
// verbatim.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, family wire.Family, err error) {
	ae := apierr.From(err)

	s.metrics.RecordError(r.Context(), string(family), ae.Code)
	if ae.Status >= 500 {
		s.logger.Warn("request failed", "path", r.URL.Path, "status", ae.Status, "code", ae.Code, "error", ae.Err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", ae.Status, "code", ae.Code)
	}

	if ae.RetryAfter != "" {
		w.Header().Set("Retry-After", ae.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	w.Write(errorBody(family, ae))
}

func errorBody(family wire.Family, ae *apierr.Error) []byte {
	message := errorMessage(ae)

	var payload interface{}
	switch family {
	case wire.FamilyAnthropic:
		payload = map[string]interface{}{
			"type": "error",
			"error": map[string]interface{}{
				"type":    anthropicErrType(ae),
				"message": message,
			},
		}
	case wire.FamilyGemini:
		payload = map[string]interface{}{
			"error": map[string]interface{}{
				"code":    ae.Status,
				"message": message,
				"status":  googleStatus(ae.Status),
			},
		}
	default:
		inner := map[string]interface{}{
			"message": message,
			"type":    ae.Code,
		}
		if ae.Field != "" {
			inner["code"] = ae.Field
		} else {
			inner["code"] = nil
		}
		payload = map[string]interface{}{"error": inner}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"error":{"message":"internal server error"}}`)
	}
	return body
}

// errorMessage prefers the upstream error's own message on passthrough.
// All three dialects nest it under error.message.
func errorMessage(ae *apierr.Error) string {
	if ae.Kind != apierr.KindUpstreamError || len(ae.UpstreamBody) == 0 {
		return ae.Message
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ae.UpstreamBody, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return ae.Message
}

func anthropicErrType(ae *apierr.Error) string {
	switch ae.Kind {
	case apierr.KindAuthMissing, apierr.KindAuthUnknown:
		return "authentication_error"
	case apierr.KindChannelDisabled:
		return "permission_error"
	case apierr.KindInvalidRequest, apierr.KindUnsupported:
		return "invalid_request_error"
	case apierr.KindUpstreamError:
		if ae.Status == http.StatusTooManyRequests {
			return "rate_limit_error"
		}
		return "api_error"
	default:
		return "api_error"
	}
}

func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusInternalServerError:
		return "INTERNAL"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "UNKNOWN"
	}
}

// writeStreamError emits a terminal error event after the stream has
// already started, when status and headers are long gone.
func writeStreamError(w io.Writer, family wire.Family, ae *apierr.Error) {
	sw := sse.NewWriter(w)
	data := string(errorBody(family, ae))
	switch family {
	case wire.FamilyAnthropic:
		sw.WriteEvent("error", data)
	case wire.FamilyOpenAI:
		sw.WriteData(data)
		sw.WriteDone()
	default:
		sw.WriteData(data)
	}
}
