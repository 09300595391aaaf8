package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/channels"
	"github.com/polyrelay/polyrelay/pkg/sse"
	"github.com/polyrelay/polyrelay/pkg/translate"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

const maxRequestBody = 32 << 20

func (s *Server) handleChat(ingress wire.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveChat(w, r, ingress, "", false)
	}
}

// serveChat is the main relay path: resolve the channel from the custom
// key, decode into the neutral request, remap the model once, then
// either translate or pass through depending on the channel family.
func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, ingress wire.Family, pathModel string, forceStream bool) {
	ctx := r.Context()

	ch, err := s.resolver.Resolve(ctx, clientKey(r, ingress))
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, ingress, apierr.InvalidRequest("body", "failed to read request body"))
		return
	}

	codec, ok := s.registry.Codec(ingress)
	if !ok {
		s.writeError(w, r, ingress, apierr.Internal(nil))
		return
	}

	req, err := codec.DecodeRequest(body)
	if err != nil {
		if _, typed := err.(*apierr.Error); !typed {
			err = apierr.InvalidRequest("body", "malformed request body")
		}
		s.writeError(w, r, ingress, err)
		return
	}
	if pathModel != "" {
		req.Model = pathModel
	}
	if forceStream {
		req.Stream = true
	}
	requested := req.Model
	req.Model = ch.MapModel(req.Model)

	// Same-dialect requests skip translation entirely. Anthropic bodies
	// with images still round-trip through the neutral model so image
	// parts come out ordered before text.
	passthrough := ingress == ch.Provider &&
		!(ingress == wire.FamilyAnthropic && hasImageParts(req))

	start := time.Now()
	if req.Stream {
		if passthrough {
			s.servePassthroughStream(w, r, ingress, ch, codec, req, body, requested)
		} else {
			s.serveChatStream(w, r, ingress, ch, codec, req)
		}
		s.metrics.RecordStream(ctx, string(ingress), string(ch.Provider))
	} else {
		if passthrough {
			s.servePassthroughUnary(w, r, ingress, ch, codec, req, body, requested)
		} else {
			s.serveChatUnary(w, r, ingress, ch, codec, req)
		}
	}
	s.metrics.RecordRequest(ctx, string(ingress), string(ch.Provider), time.Since(start))
}

func (s *Server) serveChatUnary(w http.ResponseWriter, r *http.Request, ingress wire.Family, ch *channels.Channel, codec translate.Codec, req *wire.Request) {
	resp, err := s.dispatcher.Chat(r.Context(), ch, req)
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}

	out, err := codec.EncodeResponse(resp)
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *Server) serveChatStream(w http.ResponseWriter, r *http.Request, ingress wire.Family, ch *channels.Channel, codec translate.Codec, req *wire.Request) {
	stream, err := s.dispatcher.ChatStream(r.Context(), ch, req)
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}
	defer stream.Close()

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	enc := &countingEncoder{inner: codec.NewStreamEncoder(w)}
	if err := translate.Relay(stream.Decoder, enc); err != nil {
		// The status line is gone; if nothing was relayed yet the client
		// still gets a terminal error event in its own dialect.
		if !enc.wrote {
			writeStreamError(w, ingress, apierr.From(err))
		}
		s.logger.Warn("stream relay aborted", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) servePassthroughUnary(w http.ResponseWriter, r *http.Request, ingress wire.Family, ch *channels.Channel, codec translate.Codec, req *wire.Request, body []byte, requested string) {
	out, err := passthroughBody(ingress, body, requested, req.Model)
	if err != nil {
		s.writeError(w, r, ingress, apierr.Internal(err))
		return
	}

	status, respBody, err := s.dispatcher.Passthrough(r.Context(), ch, codec.ChatPath(req.Model, false), out)
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

func (s *Server) servePassthroughStream(w http.ResponseWriter, r *http.Request, ingress wire.Family, ch *channels.Channel, codec translate.Codec, req *wire.Request, body []byte, requested string) {
	out, err := passthroughBody(ingress, body, requested, req.Model)
	if err != nil {
		s.writeError(w, r, ingress, apierr.Internal(err))
		return
	}

	stream, err := s.dispatcher.PassthroughStream(r.Context(), ch, codec.ChatPath(req.Model, true), out)
	if err != nil {
		s.writeError(w, r, ingress, err)
		return
	}
	defer stream.Close()

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if err := flushCopy(w, stream.Body); err != nil {
		s.logger.Warn("stream copy aborted", "path", r.URL.Path, "error", err)
	}
}

// passthroughBody forwards the raw body, rewriting only the model field
// when the channel remaps it. Gemini carries the model in the URL, so
// its body always goes through untouched.
func passthroughBody(ingress wire.Family, body []byte, requested, mapped string) ([]byte, error) {
	if ingress == wire.FamilyGemini || requested == mapped {
		return body, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	model, err := json.Marshal(mapped)
	if err != nil {
		return nil, err
	}
	fields["model"] = model
	return json.Marshal(fields)
}

func hasImageParts(req *wire.Request) bool {
	for _, turn := range req.Messages {
		for _, part := range turn.Content {
			if part.Kind == wire.PartImage {
				return true
			}
		}
	}
	return false
}

// countingEncoder records whether any event reached the client, so the
// relay knows if a terminal error event is still meaningful.
type countingEncoder struct {
	inner translate.StreamEncoder
	wrote bool
}

func (e *countingEncoder) Write(ev wire.StreamEvent) error {
	e.wrote = true
	return e.inner.Write(ev)
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

func flushCopy(w http.ResponseWriter, r io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
