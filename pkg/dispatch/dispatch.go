// Package dispatch sends translated requests to upstream providers. It
// owns credential injection, per-channel proxies and timeouts, and the
// retry policy around the HTTP exchange.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/channels"
	"github.com/polyrelay/polyrelay/pkg/httpclient"
	"github.com/polyrelay/polyrelay/pkg/observability"
	"github.com/polyrelay/polyrelay/pkg/translate"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 1 << 20
)

// Dispatcher performs upstream calls for resolved channels. Transports
// are pooled per proxy address so channels sharing a proxy share
// connections.
type Dispatcher struct {
	registry *translate.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func New(registry *translate.Registry, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		clients:  make(map[string]*http.Client),
	}
}

// Chat performs a unary chat completion. The channel timeout bounds the
// whole exchange including retries.
func (d *Dispatcher) Chat(ctx context.Context, ch *channels.Channel, req *wire.Request) (*wire.Response, error) {
	codec, ok := d.registry.Codec(ch.Provider)
	if !ok {
		return nil, apierr.Internal(fmt.Errorf("no codec for provider %q", ch.Provider))
	}

	body, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, apierr.From(err)
	}

	ctx, cancel := context.WithTimeout(ctx, channelTimeout(ch))
	defer cancel()

	httpReq, err := d.newUpstreamRequest(ctx, ch, codec, codec.ChatPath(req.Model, false), body)
	if err != nil {
		return nil, err
	}

	client, err := d.retryingClient(ch, codec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	d.metrics.RecordUpstream(ctx, string(ch.Provider), time.Since(start))
	if err != nil && resp == nil {
		return nil, classifyUpstreamErr(ctx, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resp, raw)
	}
	if readErr != nil {
		return nil, apierr.UpstreamNetwork(readErr)
	}

	out, err := codec.DecodeResponse(raw)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("failed to decode upstream response: %w", err))
	}
	return out, nil
}

// Stream is an open upstream streaming response. The caller must Close
// it to release the connection and the first-byte timer context.
type Stream struct {
	Decoder translate.StreamDecoder

	resp   *http.Response
	cancel context.CancelFunc
}

func (s *Stream) Close() error {
	err := s.resp.Body.Close()
	s.cancel()
	return err
}

// ChatStream opens a streaming chat completion. The channel timeout
// bounds time to first byte only; once the upstream starts responding
// the stream runs until the body ends or the caller's context cancels.
// Error statuses are retried like unary calls since they arrive before
// any streamed byte; after a success status no retry ever happens.
func (d *Dispatcher) ChatStream(ctx context.Context, ch *channels.Channel, req *wire.Request) (*Stream, error) {
	codec, ok := d.registry.Codec(ch.Provider)
	if !ok {
		return nil, apierr.Internal(fmt.Errorf("no codec for provider %q", ch.Provider))
	}

	body, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, apierr.From(err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(channelTimeout(ch), func() {
		timedOut.Store(true)
		cancel()
	})

	httpReq, err := d.newUpstreamRequest(streamCtx, ch, codec, codec.ChatPath(req.Model, true), body)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	client, err := d.retryingClient(ch, codec)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}

	resp, err := client.Do(httpReq)
	timer.Stop()
	if err != nil && resp == nil {
		cancel()
		if timedOut.Load() {
			return nil, apierr.UpstreamTimeout(err)
		}
		return nil, classifyUpstreamErr(streamCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, upstreamError(resp, raw)
	}

	return &Stream{
		Decoder: codec.NewStreamDecoder(resp.Body),
		resp:    resp,
		cancel:  cancel,
	}, nil
}

// Passthrough forwards a raw body to an upstream path unchanged and
// returns the upstream status and body verbatim. Used when the client
// and channel speak the same dialect, so no translation is needed.
func (d *Dispatcher) Passthrough(ctx context.Context, ch *channels.Channel, path string, body []byte) (int, []byte, error) {
	codec, ok := d.registry.Codec(ch.Provider)
	if !ok {
		return 0, nil, apierr.Internal(fmt.Errorf("no codec for provider %q", ch.Provider))
	}

	ctx, cancel := context.WithTimeout(ctx, channelTimeout(ch))
	defer cancel()

	httpReq, err := d.newUpstreamRequest(ctx, ch, codec, path, body)
	if err != nil {
		return 0, nil, err
	}

	client, err := d.retryingClient(ch, codec)
	if err != nil {
		return 0, nil, err
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	d.metrics.RecordUpstream(ctx, string(ch.Provider), time.Since(start))
	if err != nil && resp == nil {
		return 0, nil, classifyUpstreamErr(ctx, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil, apierr.UpstreamNetwork(readErr)
	}
	return resp.StatusCode, raw, nil
}

// RawStream is an open upstream streaming response with no decoding
// applied. The caller must Close it.
type RawStream struct {
	Body io.ReadCloser

	cancel context.CancelFunc
}

func (s *RawStream) Close() error {
	err := s.Body.Close()
	s.cancel()
	return err
}

// PassthroughStream opens a streaming exchange without translation,
// with the same first-byte timeout and retry rules as ChatStream.
func (d *Dispatcher) PassthroughStream(ctx context.Context, ch *channels.Channel, path string, body []byte) (*RawStream, error) {
	codec, ok := d.registry.Codec(ch.Provider)
	if !ok {
		return nil, apierr.Internal(fmt.Errorf("no codec for provider %q", ch.Provider))
	}

	streamCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(channelTimeout(ch), func() {
		timedOut.Store(true)
		cancel()
	})

	httpReq, err := d.newUpstreamRequest(streamCtx, ch, codec, path, body)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	client, err := d.retryingClient(ch, codec)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}

	resp, err := client.Do(httpReq)
	timer.Stop()
	if err != nil && resp == nil {
		cancel()
		if timedOut.Load() {
			return nil, apierr.UpstreamTimeout(err)
		}
		return nil, classifyUpstreamErr(streamCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, upstreamError(resp, raw)
	}

	return &RawStream{Body: resp.Body, cancel: cancel}, nil
}

// ListModels fetches the channel's upstream model listing in neutral
// form.
func (d *Dispatcher) ListModels(ctx context.Context, ch *channels.Channel) ([]wire.Model, error) {
	codec, ok := d.registry.Codec(ch.Provider)
	if !ok {
		return nil, apierr.Internal(fmt.Errorf("no codec for provider %q", ch.Provider))
	}

	ctx, cancel := context.WithTimeout(ctx, channelTimeout(ch))
	defer cancel()

	httpReq, err := d.newUpstreamRequest(ctx, ch, codec, codec.ModelListPath(), nil)
	if err != nil {
		return nil, err
	}

	client, err := d.retryingClient(ch, codec)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(httpReq)
	if err != nil && resp == nil {
		return nil, classifyUpstreamErr(ctx, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resp, raw)
	}
	if readErr != nil {
		return nil, apierr.UpstreamNetwork(readErr)
	}

	models, err := codec.DecodeModelList(raw)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("failed to decode upstream model list: %w", err))
	}
	return models, nil
}

func (d *Dispatcher) newUpstreamRequest(ctx context.Context, ch *channels.Channel, codec translate.Codec, path string, body []byte) (*http.Request, error) {
	target := strings.TrimRight(ch.BaseURL, "/") + path

	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("failed to build upstream request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	codec.Authorize(httpReq, ch.APIKey)
	return httpReq, nil
}

func (d *Dispatcher) retryingClient(ch *channels.Channel, codec translate.Codec) (*httpclient.Client, error) {
	pooled, err := d.pooledClient(ch)
	if err != nil {
		return nil, err
	}
	return httpclient.New(
		httpclient.WithHTTPClient(pooled),
		httpclient.WithMaxRetries(ch.MaxRetries),
		httpclient.WithHeaderParser(codec.RateLimitParser()),
		httpclient.WithRetryStrategy(d.countingStrategy(string(ch.Provider))),
		httpclient.WithLogger(d.logger),
	), nil
}

// pooledClient returns the shared http.Client for the channel's proxy
// address. No client-level timeout is set; every call bounds itself
// through its request context.
func (d *Dispatcher) pooledClient(ch *channels.Channel) (*http.Client, error) {
	key := ""
	var proxyURL *url.URL
	if ch.Proxy != nil {
		u, err := ch.Proxy.URL()
		if err != nil {
			return nil, apierr.Internal(fmt.Errorf("invalid channel proxy: %w", err))
		}
		proxyURL = u
		key = u.String()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c := &http.Client{Transport: transport}
	d.clients[key] = c
	return c, nil
}

// countingStrategy wraps the default retry strategy to count retryable
// upstream failures per provider.
func (d *Dispatcher) countingStrategy(egress string) httpclient.RetryStrategyFunc {
	return func(statusCode int) httpclient.RetryStrategy {
		strategy := httpclient.DefaultRetryStrategy(statusCode)
		if strategy != httpclient.NoRetry {
			d.metrics.RecordRetry(context.Background(), egress)
		}
		return strategy
	}
}

// upstreamError shapes a non-2xx upstream response, carrying the
// Retry-After header through on 429s so clients can back off.
func upstreamError(resp *http.Response, body []byte) *apierr.Error {
	ae := apierr.Upstream(resp.StatusCode, body)
	if resp.StatusCode == http.StatusTooManyRequests {
		ae.RetryAfter = resp.Header.Get("Retry-After")
	}
	return ae
}

func channelTimeout(ch *channels.Channel) time.Duration {
	if ch.Timeout > 0 {
		return time.Duration(ch.Timeout) * time.Second
	}
	return defaultTimeout
}

func classifyUpstreamErr(ctx context.Context, err error) error {
	var retryable *httpclient.RetryableError
	if errors.As(err, &retryable) && retryable.Err != nil {
		err = retryable.Err
	}

	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return apierr.UpstreamTimeout(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return apierr.UpstreamTimeout(err)
	}
	return apierr.UpstreamNetwork(err)
}
