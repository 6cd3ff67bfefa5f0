package aggregator

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/internal/testing/mock"
)

// sseTestClient opens an event stream and collects its events.
type sseTestClient struct {
	endpoint string
	events   chan sse.Event
	cancel   context.CancelFunc
}

func dialSSE(t *testing.T, baseURL string) *sseTestClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c := &sseTestClient{events: make(chan sse.Event, 64), cancel: cancel}
	go func() {
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			c.events <- ev
		}
	}()
	t.Cleanup(cancel)

	select {
	case ev := <-c.events:
		require.Equal(t, "endpoint", ev.Type)
		c.endpoint = baseURL + ev.Data
	case <-time.After(2 * time.Second):
		t.Fatal("no endpoint event")
	}
	return c
}

func (c *sseTestClient) post(t *testing.T, msg *jsonrpc.Message) int {
	t.Helper()
	data, err := jsonrpc.Encode(msg)
	require.NoError(t, err)
	resp, err := http.Post(c.endpoint, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

// next returns the next JSON-RPC message from the stream.
func (c *sseTestClient) next(t *testing.T) *jsonrpc.Message {
	t.Helper()
	for {
		select {
		case ev := <-c.events:
			if ev.Type != "message" {
				continue
			}
			msg, err := jsonrpc.Decode([]byte(ev.Data))
			require.NoError(t, err)
			return msg
		case <-time.After(5 * time.Second):
			t.Fatal("no message event")
			return nil
		}
	}
}

func TestServer_SSETransport(t *testing.T) {
	f := newAggregatorFixture(t, mock.NewServer("geo"))
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	c := dialSSE(t, ts.URL)
	assert.True(t, strings.HasPrefix(c.endpoint, ts.URL+"/message?sessionId="), c.endpoint)
	require.Eventually(t, func() bool { return len(f.server.Clients()) == 1 }, 2*time.Second, 10*time.Millisecond)

	req := request(api.MethodToolsCall, map[string]any{"name": "geo.echo", "arguments": map[string]any{"message": "over sse"}})
	assert.Equal(t, http.StatusAccepted, c.post(t, req))

	resp := c.next(t)
	require.True(t, resp.IsResponse())
	assert.Equal(t, req.ID.String(), resp.ID.String())
	assert.Contains(t, string(resp.Result), "over sse")

	// Malformed bodies are rejected on the POST itself.
	httpResp, err := http.Post(c.endpoint, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)

	// Hanging up removes the session.
	c.cancel()
	require.Eventually(t, func() bool { return len(f.server.Clients()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusNotFound, c.post(t, request(api.MethodPing, nil)))
}

func TestServer_MessageEndpointValidation(t *testing.T) {
	f := newAggregatorFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	tests := []struct {
		name string
		url  string
		want int
	}{
		{name: "missing session", url: ts.URL + "/message", want: http.StatusBadRequest},
		{name: "unknown session", url: ts.URL + "/message?sessionId=nope", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(tt.url, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_SSERejectedWhileShuttingDown(t *testing.T) {
	f := newAggregatorFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	require.NoError(t, f.server.Shutdown(context.Background()))

	resp, err := http.Get(ts.URL + "/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
