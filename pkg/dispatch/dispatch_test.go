package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/channels"
	"github.com/polyrelay/polyrelay/pkg/config"
	"github.com/polyrelay/polyrelay/pkg/observability"
	"github.com/polyrelay/polyrelay/pkg/translate"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	budget := config.BudgetConfig{}
	budget.SetDefaults()
	registry := translate.NewRegistry(translate.NewBudgetMapper(budget))
	metrics, err := observability.InitMetrics(context.Background(), observability.MetricsConfig{})
	require.NoError(t, err)
	return New(registry, metrics, nil)
}

func testChannel(baseURL string) *channels.Channel {
	return &channels.Channel{
		ID:         "ch-1",
		Name:       "test",
		Provider:   wire.FamilyAnthropic,
		BaseURL:    baseURL,
		APIKey:     "sk-ant-secret",
		CustomKey:  "sk-custom-1",
		Timeout:    30,
		MaxRetries: 2,
		Enabled:    true,
	}
}

func chatRequest() *wire.Request {
	return &wire.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []wire.Turn{
			{Role: wire.RoleUser, Content: []wire.Part{wire.TextPart("2+2?")}},
		},
	}
}

// Transient upstream failures are absorbed by the retry loop: the caller
// sees one successful response, never the intermediate errors.
func TestChatRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-secret", r.Header.Get("x-api-key"))

		if attempts.Add(1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "four"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	d := testDispatcher(t)
	resp, err := d.Chat(context.Background(), testChannel(srv.URL), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, wire.FinishStop, resp.FinishReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "four", resp.Content[0].Text)
}

func TestChatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	ch := testChannel(srv.URL)
	ch.MaxRetries = 0

	d := testDispatcher(t)
	_, err := d.Chat(context.Background(), ch, chatRequest())
	require.Error(t, err)

	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUpstreamError, ae.Kind)
	assert.Equal(t, http.StatusTooManyRequests, ae.Status)
	assert.Equal(t, http.StatusTooManyRequests, ae.UpstreamStatus)
	assert.Equal(t, "7", ae.RetryAfter)
	assert.Contains(t, string(ae.UpstreamBody), "slow down")
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ch := testChannel(srv.URL)
	ch.Timeout = 1
	ch.MaxRetries = 0

	d := testDispatcher(t)
	_, err := d.Chat(context.Background(), ch, chatRequest())
	require.Error(t, err)

	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUpstreamTimeout, ae.Kind)
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n" +
			`data: {"type":"message_start","message":{"id":"msg_1"}}` + "\n\n" +
			"event: message_stop\n" +
			`data: {"type":"message_stop"}` + "\n\n"))
	}))
	defer srv.Close()

	d := testDispatcher(t)
	stream, err := d.ChatStream(context.Background(), testChannel(srv.URL), chatRequest())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.EventMessageStart, ev.Type)
	assert.Equal(t, "msg_1", ev.MessageID)

	ev, err = stream.Decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.EventMessageStop, ev.Type)
}

// Cancelling the caller's context mid-stream must tear down the
// upstream request: the upstream handler sees its request context done
// and the decoder stops yielding events.
func TestChatStreamClientDisconnect(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n" +
			`data: {"type":"message_start","message":{"id":"msg_1"}}` + "\n\n"))
		w.(http.Flusher).Flush()

		// Hold the stream open until the client side goes away.
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := testDispatcher(t)
	stream, err := d.ChatStream(ctx, testChannel(srv.URL), chatRequest())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.EventMessageStart, ev.Type)

	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request context was not cancelled")
	}

	_, err = stream.Decoder.Next()
	assert.Error(t, err)
}

// Streaming error statuses arrive before any streamed byte, so they are
// shaped like unary upstream failures rather than broken streams.
func TestChatStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer srv.Close()

	ch := testChannel(srv.URL)
	ch.MaxRetries = 0

	d := testDispatcher(t)
	_, err := d.ChatStream(context.Background(), ch, chatRequest())
	require.Error(t, err)

	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUpstreamError, ae.Kind)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
}

// Passthrough forwards status and body verbatim, including upstream
// errors, since the client already speaks the upstream dialect.
func TestPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"nope"}}`))
	}))
	defer srv.Close()

	d := testDispatcher(t)
	status, body, err := d.Passthrough(context.Background(), testChannel(srv.URL), "/v1/messages", []byte(`{"model":"claude-3-5-sonnet-20241022"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "invalid_request_error")
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"type":"model","id":"claude-3-5-sonnet-20241022"}],"has_more":false}`))
	}))
	defer srv.Close()

	d := testDispatcher(t)
	models, err := d.ListModels(context.Background(), testChannel(srv.URL))
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "claude-3-5-sonnet-20241022", models[0].ID)
}
