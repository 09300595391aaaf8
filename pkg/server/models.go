package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

// handleModelList serves GET /v1/models. The credential location picks
// the response shape: a bearer token gets the OpenAI list, x-api-key the
// Anthropic one.
func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	switch {
	case bearerToken(r) != "":
		s.serveModelList(w, r, wire.FamilyOpenAI)
	case r.Header.Get("x-api-key") != "":
		s.serveModelList(w, r, wire.FamilyAnthropic)
	default:
		s.writeError(w, r, wire.FamilyOpenAI, apierr.AuthMissing())
	}
}

func (s *Server) handleGeminiModelList(w http.ResponseWriter, r *http.Request) {
	s.serveModelList(w, r, wire.FamilyGemini)
}

// serveModelList fetches the channel's upstream model listing and
// reshapes it into the client dialect.
func (s *Server) serveModelList(w http.ResponseWriter, r *http.Request, ingress wire.Family) {
	ctx := r.Context()

	ch, err := s.resolver.Resolve(ctx, clientKey(r, ingress))
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}

	models, err := s.dispatcher.ListModels(ctx, ch)
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}

	codec, ok := s.registry.Codec(ingress)
	if !ok {
		s.writeError(w, r, ingress, apierr.Internal(nil))
		return
	}
	out, err := codec.EncodeModelList(models)
	if err != nil {
		s.writeError(w, r, ingress, apierr.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// handleGeminiModelRPC dispatches the :verb suffix under
// /v1beta/models/: generateContent, streamGenerateContent and
// countTokens.
func (s *Server) handleGeminiModelRPC(w http.ResponseWriter, r *http.Request) {
	model, action := modelAction(chi.URLParam(r, "*"))
	switch action {
	case "generateContent":
		s.serveChat(w, r, wire.FamilyGemini, model, false)
	case "streamGenerateContent":
		s.serveChat(w, r, wire.FamilyGemini, model, true)
	case "countTokens":
		s.serveCountTokens(w, r, model)
	default:
		s.writeError(w, r, wire.FamilyGemini, apierr.InvalidRequest("action", "unknown model action: "+action))
	}
}

// serveCountTokens forwards token counting verbatim. Only a Gemini
// channel has this RPC; other families cannot express it.
func (s *Server) serveCountTokens(w http.ResponseWriter, r *http.Request, model string) {
	ctx := r.Context()

	ch, err := s.resolver.Resolve(ctx, clientKey(r, wire.FamilyGemini))
	if err != nil {
		s.writeError(w, r, wire.FamilyGemini, err)
		return
	}
	if ch.Provider != wire.FamilyGemini {
		s.writeError(w, r, wire.FamilyGemini, apierr.Unsupported("countTokens"))
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, wire.FamilyGemini, apierr.InvalidRequest("body", "failed to read request body"))
		return
	}

	path := "/v1beta/models/" + ch.MapModel(model) + ":countTokens"
	status, respBody, err := s.dispatcher.Passthrough(ctx, ch, path, body)
	if err != nil {
		s.writeError(w, r, wire.FamilyGemini, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}
