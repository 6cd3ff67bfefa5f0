package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/internal/testing/mock"
)

// pipeDialer connects sessions to an in-memory mock server and remembers
// the last pipe so tests can break it.
type pipeDialer struct {
	srv *mock.Server

	mu   sync.Mutex
	last *mock.Pipe
}

func (d *pipeDialer) dial(ctx context.Context, desc config.BackendDescriptor, _ DialOptions) (Conn, error) {
	p := d.srv.Connect(context.Background())
	d.mu.Lock()
	d.last = p
	d.mu.Unlock()
	return NewStreamConn(p.Reader, p.Writer, p), nil
}

func (d *pipeDialer) pipe() *mock.Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func connectMock(t *testing.T, name string) (*Session, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{srv: mock.NewServer(name)}
	s, err := Connect(context.Background(), config.BackendDescriptor{Name: name, Kind: api.ConnectionSubprocess}, SessionOptions{Dial: d.dial})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, d
}

func toolText(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.NotEmpty(t, result.Content)
	return result.Content[0].Text
}

func capabilityNames(caps []api.Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.Name)
	}
	return out
}

func TestConnect_EnumeratesCapabilities(t *testing.T) {
	s, _ := connectMock(t, "geo")

	assert.Equal(t, api.StateReady, s.State())
	assert.Equal(t, "geo", s.ServerInfo().Name)
	assert.NoError(t, s.Err())

	caps := s.Capabilities()
	assert.ElementsMatch(t, []string{"echo", "sleep", "fail", "progress"}, capabilityNames(caps.Tools))
	assert.Equal(t, []string{"location://current"}, capabilityNames(caps.Resources))
	assert.Equal(t, []string{"location://{type}"}, capabilityNames(caps.ResourceTemplates))
	assert.Equal(t, []string{"greet"}, capabilityNames(caps.Prompts))
	assert.True(t, caps.SupportsSubscribe)
	assert.True(t, caps.SupportsLogging)

	for _, tool := range caps.Tools {
		assert.Equal(t, api.CapabilityTool, tool.Kind)
		assert.NotEmpty(t, tool.Raw)
	}
}

func TestSession_ConcurrentCallsAreCorrelated(t *testing.T) {
	s, _ := connectMock(t, "geo")

	const calls = 25
	var wg sync.WaitGroup
	results := make([]string, calls)
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := s.CallTool(context.Background(), "echo", map[string]any{"message": fmt.Sprintf("payload-%d", i)})
			errs[i] = err
			if err == nil {
				results[i] = toolText(t, raw)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("payload-%d", i), results[i])
	}
}

func TestSession_ResourcesAndPrompts(t *testing.T) {
	s, _ := connectMock(t, "geo")
	ctx := context.Background()

	raw, err := s.ReadResource(ctx, "location://city")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "location city from geo")

	raw, err = s.GetPrompt(ctx, "greet", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Hello, Ada!")
}

func TestSession_BackendError(t *testing.T) {
	s, _ := connectMock(t, "geo")

	_, err := s.CallTool(context.Background(), "fail", nil)
	require.Error(t, err)

	var backendErr *api.BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, "geo", backendErr.Backend)
	assert.NotZero(t, backendErr.Code)
	assert.Equal(t, api.StateReady, s.State(), "an error response must not end the session")
}

func TestSession_TimeoutKeepsSessionAlive(t *testing.T) {
	s, _ := connectMock(t, "geo")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.CallTool(ctx, "sleep", map[string]any{"ms": 5000})
	require.Error(t, err)
	assert.True(t, api.IsTimeout(err), "got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	raw, err := s.CallTool(context.Background(), "echo", map[string]any{"message": "still here"})
	require.NoError(t, err)
	assert.Equal(t, "still here", toolText(t, raw))
}

func TestSession_ShutdownCause(t *testing.T) {
	s, _ := connectMock(t, "geo")

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel(api.ErrShuttingDown)
	}()
	_, err := s.CallTool(ctx, "sleep", map[string]any{"ms": 5000})
	assert.True(t, api.IsShuttingDown(err), "got %v", err)
}

func TestSession_DisconnectFailsPendingCalls(t *testing.T) {
	s, d := connectMock(t, "geo")

	const calls = 5
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := s.CallTool(context.Background(), "sleep", map[string]any{"ms": 10000})
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, d.pipe().Close())

	for i := 0; i < calls; i++ {
		select {
		case err := <-errs:
			assert.True(t, api.IsDisconnected(err), "got %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not failed after disconnect")
		}
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not terminate")
	}
	assert.Equal(t, api.StateClosed, s.State())
	assert.Error(t, s.Err())

	_, err := s.CallTool(context.Background(), "echo", map[string]any{"message": "x"})
	assert.True(t, api.IsDisconnected(err))

	_, open := <-s.Notifications()
	assert.False(t, open, "notifications must end with the session")
}

func TestSession_CloseWithShuttingDown(t *testing.T) {
	s, _ := connectMock(t, "geo")

	errc := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "sleep", map[string]any{"ms": 10000})
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.CloseWithError(api.ErrShuttingDown))

	select {
	case err := <-errc:
		assert.True(t, api.IsShuttingDown(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on close")
	}
}

func TestSession_ListChangedNotification(t *testing.T) {
	s, d := connectMock(t, "geo")

	d.srv.AddEchoTool("shout")

	select {
	case msg := <-s.Notifications():
		require.NotNil(t, msg)
		assert.Equal(t, api.NotificationToolsListChanged, msg.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("no list_changed notification")
	}

	caps, err := s.RefreshCapabilities(context.Background())
	require.NoError(t, err)
	assert.Contains(t, capabilityNames(caps.Tools), "shout")
	assert.Contains(t, capabilityNames(s.Capabilities().Tools), "shout")
}

func TestConnect_DialFailure(t *testing.T) {
	dial := func(ctx context.Context, desc config.BackendDescriptor, _ DialOptions) (Conn, error) {
		return nil, errors.New("connection refused")
	}
	_, err := Connect(context.Background(), config.BackendDescriptor{Name: "geo"}, SessionOptions{Dial: dial})
	require.Error(t, err)
	assert.True(t, api.IsConnectError(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	fake := newFakeBackend(t, func(req *jsonrpc.Message) *jsonrpc.Message { return nil })

	start := time.Now()
	_, err := Connect(context.Background(), config.BackendDescriptor{Name: "mute"}, SessionOptions{
		Dial:             fake.dial,
		HandshakeTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, api.IsConnectError(err))
	assert.True(t, api.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnect_FollowsPagination(t *testing.T) {
	fake := newFakeBackend(t, func(req *jsonrpc.Message) *jsonrpc.Message {
		switch req.Method {
		case api.MethodInitialize:
			return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{"tools":{}},"serverInfo":{"name":"paged","version":"0"}}`))
		case api.MethodToolsList:
			var params struct {
				Cursor string `json:"cursor"`
			}
			_ = json.Unmarshal(req.Params, &params)
			switch params.Cursor {
			case "":
				return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"tools":[{"name":"a"}],"nextCursor":"p2"}`))
			case "p2":
				return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"tools":[{"name":"b"}],"nextCursor":"p3"}`))
			default:
				return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"tools":[{"name":"c","description":"last"}]}`))
			}
		}
		return jsonrpc.NewErrorResponse(*req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "no"))
	})

	s, err := Connect(context.Background(), config.BackendDescriptor{Name: "paged"}, SessionOptions{Dial: fake.dial})
	require.NoError(t, err)
	defer s.Close()

	caps := s.Capabilities()
	assert.Equal(t, []string{"a", "b", "c"}, capabilityNames(caps.Tools))
	assert.Equal(t, "last", caps.Tools[2].Description)
	assert.Empty(t, caps.Resources, "undeclared families are not listed")
	assert.Empty(t, caps.Prompts)
}

func TestSession_OutOfOrderResponses(t *testing.T) {
	var (
		mu   sync.Mutex
		held *jsonrpc.Message
		fake *fakeBackend
	)
	fake = newFakeBackend(t, func(req *jsonrpc.Message) *jsonrpc.Message {
		switch req.Method {
		case api.MethodInitialize:
			return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"rev","version":"0"}}`))
		case api.MethodToolsCall:
			mu.Lock()
			defer mu.Unlock()
			if held == nil {
				held = req
				return nil
			}
			// Answer the second call, then the first.
			first := held
			held = nil
			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = fake.backend.Write(echoParams(first))
			}()
			return echoParams(req)
		}
		return nil
	})

	s, err := Connect(context.Background(), config.BackendDescriptor{Name: "rev"}, SessionOptions{Dial: fake.dial})
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	got := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := s.CallTool(context.Background(), "echo", map[string]any{"message": fmt.Sprintf("m%d", i)})
			if assert.NoError(t, err) {
				got[i] = string(raw)
			}
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	assert.Contains(t, got[0], `"m0"`)
	assert.Contains(t, got[1], `"m1"`)
}

func TestSession_AnswersBackendRequests(t *testing.T) {
	fake := newFakeBackend(t, func(req *jsonrpc.Message) *jsonrpc.Message {
		if req.Method == api.MethodInitialize {
			return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"pinger","version":"0"}}`))
		}
		return nil
	})

	s, err := Connect(context.Background(), config.BackendDescriptor{Name: "pinger"}, SessionOptions{Dial: fake.dial})
	require.NoError(t, err)
	defer s.Close()

	ping, err := jsonrpc.NewRequest(jsonrpc.StringID("srv-1"), api.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, fake.backend.Write(ping))

	sampling, err := jsonrpc.NewRequest(jsonrpc.StringID("srv-2"), "sampling/createMessage", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, fake.backend.Write(sampling))

	replies := map[string]*jsonrpc.Message{}
	for len(replies) < 2 {
		select {
		case resp := <-fake.responses:
			replies[resp.ID.String()] = resp
		case <-time.After(2 * time.Second):
			t.Fatal("backend request not answered")
		}
	}

	pong := replies[`"srv-1"`]
	require.NotNil(t, pong)
	assert.Nil(t, pong.Error)
	assert.JSONEq(t, `{}`, string(pong.Result))

	refused := replies[`"srv-2"`]
	require.NotNil(t, refused)
	require.NotNil(t, refused.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, refused.Error.Code)
}

func TestSession_SkipsMalformedMessages(t *testing.T) {
	fake := newFakeBackend(t, func(req *jsonrpc.Message) *jsonrpc.Message {
		switch req.Method {
		case api.MethodInitialize:
			return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"noisy","version":"0"}}`))
		case api.MethodToolsCall:
			return echoParams(req)
		}
		return nil
	})

	s, err := Connect(context.Background(), config.BackendDescriptor{Name: "noisy"}, SessionOptions{Dial: fake.dial})
	require.NoError(t, err)
	defer s.Close()

	_, err = io.WriteString(fake.rawOut, "this is not json\n")
	require.NoError(t, err)

	_, err = s.CallTool(context.Background(), "echo", map[string]any{"message": "ok"})
	require.NoError(t, err)
	assert.Equal(t, api.StateReady, s.State())
}

func TestSession_BackendThatStopsReading(t *testing.T) {
	var fake *fakeBackend
	fake = newFakeBackend(t, func(req *jsonrpc.Message) *jsonrpc.Message {
		switch req.Method {
		case api.MethodInitialize:
			return jsonrpc.NewResult(*req.ID, json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"stuck","version":"0"}}`))
		case api.MethodToolsCall:
			fake.stopReading()
		}
		return nil
	})

	s, err := Connect(context.Background(), config.BackendDescriptor{Name: "stuck"}, SessionOptions{
		Dial:         fake.dial,
		WriteTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	callWithin := func(d time.Duration) (time.Duration, error) {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		start := time.Now()
		_, err := s.CallTool(ctx, "echo", nil)
		return time.Since(start), err
	}

	// The first call reaches the backend, which stops reading afterwards.
	_, err = callWithin(200 * time.Millisecond)
	assert.True(t, api.IsTimeout(err), "got %v", err)

	// The next one cannot be written at all and still ends on time.
	took, err := callWithin(200 * time.Millisecond)
	assert.True(t, api.IsTimeout(err), "got %v", err)
	assert.Less(t, took, time.Second)

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session survived a write that never completed")
	}
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "blocked")

	_, err = s.CallTool(context.Background(), "echo", nil)
	assert.True(t, api.IsDisconnected(err), "got %v", err)
}

// echoParams answers a request with its own params as the result.
func echoParams(req *jsonrpc.Message) *jsonrpc.Message {
	return jsonrpc.NewResult(*req.ID, req.Params)
}

// fakeBackend is a scripted backend on the far side of an in-memory pipe.
type fakeBackend struct {
	backend   *jsonrpc.Stream
	rawOut    *io.PipeWriter
	responses chan *jsonrpc.Message
	conn      Conn

	deaf    atomic.Bool
	release chan struct{}
}

func newFakeBackend(t *testing.T, handle func(req *jsonrpc.Message) *jsonrpc.Message) *fakeBackend {
	t.Helper()
	backendIn, clientOut := io.Pipe()
	clientIn, backendOut := io.Pipe()

	f := &fakeBackend{
		backend:   jsonrpc.NewStream(backendIn, backendOut, backendOut),
		rawOut:    backendOut,
		responses: make(chan *jsonrpc.Message, 16),
		conn: NewStreamConn(clientIn, clientOut, closerFunc(func() error {
			clientOut.Close()
			return clientIn.Close()
		})),
		release: make(chan struct{}),
	}

	go func() {
		for {
			if f.deaf.Load() {
				<-f.release
				return
			}
			msg, err := f.backend.Read()
			if err != nil {
				if jsonrpc.IsDecodeError(err) {
					continue
				}
				backendOut.Close()
				return
			}
			switch {
			case msg.IsResponse():
				f.responses <- msg
			case msg.IsRequest():
				if resp := handle(msg); resp != nil {
					_ = f.backend.Write(resp)
				}
			}
		}
	}()

	t.Cleanup(func() {
		close(f.release)
		backendIn.Close()
		backendOut.Close()
	})
	return f
}

// stopReading makes the backend ignore everything after the message it is
// handling, so writes to it block.
func (f *fakeBackend) stopReading() { f.deaf.Store(true) }

func (f *fakeBackend) dial(ctx context.Context, desc config.BackendDescriptor, _ DialOptions) (Conn, error) {
	return f.conn, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
