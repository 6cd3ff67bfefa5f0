package mcpserver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/testing/mock"
)

func helperDescriptor(name string) config.BackendDescriptor {
	return config.BackendDescriptor{
		Name:    name,
		Kind:    api.ConnectionSubprocess,
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{mock.HelperEnv: name},
	}
}

func TestDial_Validation(t *testing.T) {
	tests := []struct {
		name string
		desc config.BackendDescriptor
	}{
		{name: "subprocess without command", desc: config.BackendDescriptor{Name: "a", Kind: api.ConnectionSubprocess}},
		{name: "network without url", desc: config.BackendDescriptor{Name: "b", Kind: api.ConnectionNetwork}},
		{name: "unknown kind", desc: config.BackendDescriptor{Name: "c", Kind: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(context.Background(), tt.desc, DialOptions{})
			assert.Error(t, err)
		})
	}
}

func TestConnect_Subprocess(t *testing.T) {
	desc := helperDescriptor("geo")
	s, err := Connect(context.Background(), desc, SessionOptions{
		DialOptions: DialOptions{ShutdownGrace: time.Second},
	})
	require.NoError(t, err)

	assert.Equal(t, "geo", s.ServerInfo().Name)
	assert.Contains(t, capabilityNames(s.Capabilities().Tools), "crash")

	raw, err := s.CallTool(context.Background(), "echo", map[string]any{"message": "over stdio"})
	require.NoError(t, err)
	assert.Equal(t, "over stdio", toolText(t, raw))

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, api.StateClosed, s.State())
}

func TestConnect_SubprocessSpawnFailure(t *testing.T) {
	desc := config.BackendDescriptor{
		Name:    "missing",
		Kind:    api.ConnectionSubprocess,
		Command: "/nonexistent/multimcp-backend",
	}
	_, err := Connect(context.Background(), desc, SessionOptions{})
	require.Error(t, err)
	assert.True(t, api.IsConnectError(err))
}

func TestSession_SubprocessCrashFailsPendingCalls(t *testing.T) {
	s, err := Connect(context.Background(), helperDescriptor("geo"), SessionOptions{
		DialOptions: DialOptions{ShutdownGrace: time.Second},
	})
	require.NoError(t, err)
	defer s.Close()

	pending := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "sleep", map[string]any{"ms": 10000})
		pending <- err
	}()
	time.Sleep(100 * time.Millisecond)

	_, err = s.CallTool(context.Background(), "crash", nil)
	assert.True(t, api.IsDisconnected(err), "got %v", err)

	select {
	case err := <-pending:
		assert.True(t, api.IsDisconnected(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived the crash")
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not notice the crash")
	}
}

func TestConnect_NetworkTransports(t *testing.T) {
	tests := []struct {
		name      string
		transport mock.HTTPTransportType
		want      config.NetworkTransport
	}{
		{name: "sse", transport: mock.HTTPTransportSSE, want: config.TransportSSE},
		{name: "streamable http", transport: mock.HTTPTransportStreamableHTTP, want: config.TransportStreamableHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mock.ServeHTTP(mock.NewServer("weather"), tt.transport)
			defer srv.Close()

			desc := config.BackendDescriptor{
				Name:      "weather",
				Kind:      api.ConnectionNetwork,
				URL:       srv.Endpoint(),
				Transport: tt.want,
				Headers:   map[string]string{"X-Test": "1"},
			}
			s, err := Connect(context.Background(), desc, SessionOptions{HandshakeTimeout: 5 * time.Second})
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, "weather", s.ServerInfo().Name)
			assert.Len(t, s.Capabilities().Tools, 4)

			raw, err := s.CallTool(context.Background(), "echo", map[string]any{"message": "over http"})
			require.NoError(t, err)
			assert.Equal(t, "over http", toolText(t, raw))

			_, err = s.CallTool(context.Background(), "fail", nil)
			assert.True(t, api.IsBackendError(err), "got %v", err)
		})
	}
}

func TestSession_NetworkBackendGoesAway(t *testing.T) {
	tests := []struct {
		name      string
		transport mock.HTTPTransportType
		want      config.NetworkTransport
	}{
		{name: "sse", transport: mock.HTTPTransportSSE, want: config.TransportSSE},
		{name: "streamable http", transport: mock.HTTPTransportStreamableHTTP, want: config.TransportStreamableHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mock.ServeHTTP(mock.NewServer("weather"), tt.transport)

			desc := config.BackendDescriptor{
				Name:      "weather",
				Kind:      api.ConnectionNetwork,
				URL:       srv.Endpoint(),
				Transport: tt.want,
			}
			s, err := Connect(context.Background(), desc, SessionOptions{
				HandshakeTimeout: 5 * time.Second,
				DialOptions:      DialOptions{PingInterval: 100 * time.Millisecond},
			})
			require.NoError(t, err)
			defer s.Close()

			srv.Close()

			select {
			case <-s.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("session did not notice the server going away")
			}
			assert.Error(t, s.Err())

			_, err = s.CallTool(context.Background(), "echo", map[string]any{"message": "anyone?"})
			assert.True(t, api.IsDisconnected(err), "got %v", err)
		})
	}
}

func TestConnect_NetworkRefused(t *testing.T) {
	desc := config.BackendDescriptor{
		Name:      "gone",
		Kind:      api.ConnectionNetwork,
		URL:       "http://127.0.0.1:1/sse",
		Transport: config.TransportSSE,
	}
	_, err := Connect(context.Background(), desc, SessionOptions{HandshakeTimeout: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, api.IsConnectError(err))
}

func TestStderrLogger_SplitsLines(t *testing.T) {
	l := &stderrLogger{subsystem: "Backend/test"}

	n, err := l.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, "second ", string(l.buf))

	_, err = l.Write([]byte("half\r\n"))
	require.NoError(t, err)
	assert.Empty(t, l.buf)
}

func TestEnvList_Sorted(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, envList(map[string]string{"C": "3", "A": "1", "B": "2"}))
	assert.Empty(t, envList(nil))
}
