package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/multimcp/internal/jsonrpc"
)

// Client-visible error codes in the JSON-RPC implementation-defined range.
const (
	CodeTimeout        = -32001
	CodeBackendError   = -32003
	CodeCapabilityGone = -32004
	CodeDisconnected   = -32005
	CodeShuttingDown   = -32006
)

// ErrorKind is the machine-readable kind placed in the error data member.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindTimeout        ErrorKind = "timeout"
	KindBackendError   ErrorKind = "backend_error"
	KindCapabilityGone ErrorKind = "capability_gone"
	KindDisconnected   ErrorKind = "disconnected"
	KindShuttingDown   ErrorKind = "shutting_down"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindInternal       ErrorKind = "internal"
)

// ErrorData is the data member of every error produced by the aggregator.
type ErrorData struct {
	Kind       ErrorKind `json:"kind"`
	Retryable  bool      `json:"retryable"`
	Backend    string    `json:"backend,omitempty"`
	Capability string    `json:"capability,omitempty"`

	// Set for backend_error only: the error exactly as the backend sent it.
	BackendCode    *int            `json:"backendCode,omitempty"`
	BackendMessage string          `json:"backendMessage,omitempty"`
	BackendData    json.RawMessage `json:"backendData,omitempty"`
}

// ErrShuttingDown is returned to every call still pending during graceful
// shutdown and to requests arriving after shutdown started.
var ErrShuttingDown = errors.New("aggregator is shutting down")

// IsShuttingDown checks whether err is or wraps ErrShuttingDown.
func IsShuttingDown(err error) bool {
	return errors.Is(err, ErrShuttingDown)
}

// NotFoundError represents a capability that the registry has never known.
//
// It is distinct from CapabilityGoneError: a NotFoundError means retrying the
// same key cannot succeed until the configuration changes.
type NotFoundError struct {
	// ResourceType is "tool", "prompt", "resource" or "backend"
	ResourceType string

	// ResourceName is the key the client asked for
	ResourceName string

	// Message overrides the default message when set
	Message string
}

// Error implements the error interface for NotFoundError.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError using error unwrapping.
//
// Example:
//
//	entry, err := registry.Resolve(api.CapabilityTool, "geo.lookup")
//	if api.IsNotFound(err) {
//	    // unknown capability
//	}
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError with the specified resource type and name.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{
		ResourceType: resourceType,
		ResourceName: resourceName,
	}
}

// NewBackendNotFoundError creates a not found error for a backend name.
func NewBackendNotFoundError(name string) *NotFoundError {
	return NewNotFoundError("backend", name)
}

// CapabilityGoneError is returned for a key that resolved earlier but whose
// backend is no longer ready. The client may retry once the backend recovers.
type CapabilityGoneError struct {
	Key     string
	Backend string
}

func (e *CapabilityGoneError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("capability %s is no longer available (backend %s is not ready)", e.Key, e.Backend)
	}
	return fmt.Sprintf("capability %s is no longer available", e.Key)
}

// IsCapabilityGone checks if an error is a CapabilityGoneError.
func IsCapabilityGone(err error) bool {
	var goneErr *CapabilityGoneError
	return errors.As(err, &goneErr)
}

// ConnectError wraps a failure to establish a backend session: spawn
// failure, refused connection or a failed handshake.
type ConnectError struct {
	Backend string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to backend %s: %v", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError checks if an error is a ConnectError.
func IsConnectError(err error) bool {
	var connErr *ConnectError
	return errors.As(err, &connErr)
}

// TimeoutError is returned when one call exceeds its deadline. The backend
// session stays up.
type TimeoutError struct {
	Backend string
	Method  string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("backend %s did not answer %s within %s", e.Backend, e.Method, e.After)
	}
	return fmt.Sprintf("backend %s did not answer %s before the deadline", e.Backend, e.Method)
}

// Is lets errors.Is(err, context.DeadlineExceeded) keep working.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// IsTimeout checks if an error is a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// BackendError carries a JSON-RPC error returned by a backend.
type BackendError struct {
	Backend string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s returned error %d: %s", e.Backend, e.Code, e.Message)
}

// IsBackendError checks if an error is a BackendError.
func IsBackendError(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr)
}

// DisconnectedError fails a pending call whose backend connection dropped.
type DisconnectedError struct {
	Backend string
	Err     error
}

func (e *DisconnectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s disconnected: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("backend %s disconnected", e.Backend)
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

// IsDisconnected checks if an error is a DisconnectedError.
func IsDisconnected(err error) bool {
	var discErr *DisconnectedError
	return errors.As(err, &discErr)
}

// ToRPCError maps any error to the JSON-RPC error sent to a client.
//
// Args:
//   - err: the error produced while handling a request
//   - capability: the exposed key the request addressed, or "" if none
//
// Returns:
//   - *jsonrpc.Error: an error whose data member is an ErrorData
func ToRPCError(err error, capability string) *jsonrpc.Error {
	data := ErrorData{Capability: capability}

	var (
		notFound   *NotFoundError
		gone       *CapabilityGoneError
		timeout    *TimeoutError
		backendErr *BackendError
		disc       *DisconnectedError
		connErr    *ConnectError
		rpcErr     *jsonrpc.Error
	)

	switch {
	case errors.Is(err, ErrShuttingDown):
		data.Kind = KindShuttingDown
		return jsonrpc.NewError(CodeShuttingDown, "%s", err.Error()).WithData(data)
	case errors.As(err, &notFound):
		data.Kind = KindNotFound
		return jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "%s", err.Error()).WithData(data)
	case errors.As(err, &gone):
		data.Kind = KindCapabilityGone
		data.Retryable = true
		data.Backend = gone.Backend
		return jsonrpc.NewError(CodeCapabilityGone, "%s", err.Error()).WithData(data)
	case errors.As(err, &timeout):
		data.Kind = KindTimeout
		data.Retryable = true
		data.Backend = timeout.Backend
		return jsonrpc.NewError(CodeTimeout, "%s", err.Error()).WithData(data)
	case errors.As(err, &backendErr):
		data.Kind = KindBackendError
		data.Backend = backendErr.Backend
		code := backendErr.Code
		data.BackendCode = &code
		data.BackendMessage = backendErr.Message
		data.BackendData = backendErr.Data
		return jsonrpc.NewError(CodeBackendError, "%s", err.Error()).WithData(data)
	case errors.As(err, &disc):
		data.Kind = KindDisconnected
		data.Retryable = true
		data.Backend = disc.Backend
		return jsonrpc.NewError(CodeDisconnected, "%s", err.Error()).WithData(data)
	case errors.As(err, &connErr):
		data.Kind = KindDisconnected
		data.Retryable = true
		data.Backend = connErr.Backend
		return jsonrpc.NewError(CodeDisconnected, "%s", err.Error()).WithData(data)
	case errors.As(err, &rpcErr):
		if rpcErr.Data != nil {
			return rpcErr
		}
		data.Kind = KindInvalidRequest
		if rpcErr.Code == jsonrpc.CodeInternalError {
			data.Kind = KindInternal
		}
		return jsonrpc.NewError(rpcErr.Code, "%s", rpcErr.Message).WithData(data)
	default:
		data.Kind = KindInternal
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "%s", err.Error()).WithData(data)
	}
}
