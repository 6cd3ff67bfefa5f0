package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/multimcp/internal/jsonrpc"
)

func decodeData(t *testing.T, e *jsonrpc.Error) ErrorData {
	t.Helper()
	var d ErrorData
	require.NoError(t, json.Unmarshal(e.Data, &d))
	return d
}

func TestToRPCError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      int
		wantKind      ErrorKind
		wantRetryable bool
		wantBackend   string
	}{
		{
			name:     "not found",
			err:      NewNotFoundError("tool", "geo.nope"),
			wantCode: jsonrpc.CodeMethodNotFound,
			wantKind: KindNotFound,
		},
		{
			name:          "capability gone",
			err:           fmt.Errorf("route: %w", &CapabilityGoneError{Key: "geo.lookup", Backend: "geo"}),
			wantCode:      CodeCapabilityGone,
			wantKind:      KindCapabilityGone,
			wantRetryable: true,
			wantBackend:   "geo",
		},
		{
			name:          "timeout",
			err:           &TimeoutError{Backend: "geo", Method: "tools/call", After: time.Second},
			wantCode:      CodeTimeout,
			wantKind:      KindTimeout,
			wantRetryable: true,
			wantBackend:   "geo",
		},
		{
			name:        "backend error",
			err:         &BackendError{Backend: "geo", Code: -32602, Message: "bad ip"},
			wantCode:    CodeBackendError,
			wantKind:    KindBackendError,
			wantBackend: "geo",
		},
		{
			name:          "disconnected",
			err:           &DisconnectedError{Backend: "geo", Err: errors.New("EOF")},
			wantCode:      CodeDisconnected,
			wantKind:      KindDisconnected,
			wantRetryable: true,
			wantBackend:   "geo",
		},
		{
			name:     "shutting down",
			err:      fmt.Errorf("call: %w", ErrShuttingDown),
			wantCode: CodeShuttingDown,
			wantKind: KindShuttingDown,
		},
		{
			name:     "invalid params",
			err:      jsonrpc.NewError(jsonrpc.CodeInvalidParams, "missing name"),
			wantCode: jsonrpc.CodeInvalidParams,
			wantKind: KindInvalidRequest,
		},
		{
			name:     "anything else",
			err:      errors.New("boom"),
			wantCode: jsonrpc.CodeInternalError,
			wantKind: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := ToRPCError(tt.err, "geo.lookup")
			assert.Equal(t, tt.wantCode, rpcErr.Code)
			data := decodeData(t, rpcErr)
			assert.Equal(t, tt.wantKind, data.Kind)
			assert.Equal(t, tt.wantRetryable, data.Retryable)
			assert.Equal(t, tt.wantBackend, data.Backend)
			assert.Equal(t, "geo.lookup", data.Capability)
		})
	}
}

func TestToRPCError_BackendErrorKeepsOriginal(t *testing.T) {
	err := &BackendError{Backend: "geo", Code: -32602, Message: "bad ip", Data: json.RawMessage(`{"field":"ip"}`)}
	data := decodeData(t, ToRPCError(err, ""))

	require.NotNil(t, data.BackendCode)
	assert.Equal(t, -32602, *data.BackendCode)
	assert.Equal(t, "bad ip", data.BackendMessage)
	assert.JSONEq(t, `{"field":"ip"}`, string(data.BackendData))
}

func TestErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", &ConnectError{Backend: "geo", Err: errors.New("refused")})
	assert.True(t, IsConnectError(wrapped))
	assert.False(t, IsNotFound(wrapped))

	timeout := &TimeoutError{Backend: "geo", Method: "tools/call"}
	assert.True(t, IsTimeout(timeout))
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	assert.True(t, IsCapabilityGone(&CapabilityGoneError{Key: "x"}))
	assert.True(t, IsDisconnected(&DisconnectedError{Backend: "geo"}))
	assert.True(t, IsBackendError(&BackendError{Backend: "geo"}))
	assert.True(t, IsShuttingDown(fmt.Errorf("x: %w", ErrShuttingDown)))
}

func TestNotFoundError_Message(t *testing.T) {
	assert.Equal(t, "tool geo.nope not found", NewNotFoundError("tool", "geo.nope").Error())
	assert.Equal(t, "custom", (&NotFoundError{Message: "custom"}).Error())
	assert.Equal(t, "backend geo not found", NewBackendNotFoundError("geo").Error())
}
