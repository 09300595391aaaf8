// Package translate implements the format codecs between the three chat
// API dialects and the neutral wire model. Each codec owns the full
// capability set for its family: request and response bodies, streaming
// event sequences, model listings, upstream paths and auth injection.
package translate

import (
	"io"
	"net/http"

	"github.com/polyrelay/polyrelay/pkg/httpclient"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

// StreamDecoder pulls neutral events out of an upstream SSE body. It
// returns io.EOF after the final event; it is finite and not restartable.
type StreamDecoder interface {
	Next() (wire.StreamEvent, error)
}

// StreamEncoder writes neutral events as the client family's SSE frames.
// Events must be written in decoder order.
type StreamEncoder interface {
	Write(ev wire.StreamEvent) error
}

// Codec is the per-family capability set. Families differ in wire shape
// only, so the router holds a table of codecs keyed by family instead of
// any shared base type.
type Codec interface {
	Family() wire.Family

	// DecodeRequest parses an inbound chat body into the neutral
	// request. Failures carry the failed field path.
	DecodeRequest(body []byte) (*wire.Request, error)
	// EncodeRequest renders the neutral request as this family's body.
	EncodeRequest(req *wire.Request) ([]byte, error)

	DecodeResponse(body []byte) (*wire.Response, error)
	EncodeResponse(resp *wire.Response) ([]byte, error)

	NewStreamDecoder(r io.Reader) StreamDecoder
	NewStreamEncoder(w io.Writer) StreamEncoder

	DecodeModelList(body []byte) ([]wire.Model, error)
	EncodeModelList(models []wire.Model) ([]byte, error)

	// ChatPath is the request path under the channel base URL.
	ChatPath(model string, stream bool) string
	ModelListPath() string
	// Authorize injects the upstream credential into the request.
	Authorize(req *http.Request, credential string)
	// RateLimitParser reads this family's rate-limit response headers.
	RateLimitParser() httpclient.RateLimitHeaderParser
}

// Registry is the codec table keyed by family.
type Registry struct {
	codecs map[wire.Family]Codec
}

func NewRegistry(budget *BudgetMapper) *Registry {
	return &Registry{
		codecs: map[wire.Family]Codec{
			wire.FamilyOpenAI:    NewOpenAICodec(budget),
			wire.FamilyAnthropic: NewAnthropicCodec(budget),
			wire.FamilyGemini:    NewGeminiCodec(budget),
		},
	}
}

func (r *Registry) Codec(family wire.Family) (Codec, bool) {
	c, ok := r.codecs[family]
	return c, ok
}
