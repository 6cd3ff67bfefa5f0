package aggregator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/multimcp/internal/jsonrpc"
)

// inflightCall is one client request forwarded to a backend and not yet
// answered.
type inflightCall struct {
	// ID is unique across all clients. It doubles as the progress token sent
	// to the backend.
	ID         string
	Client     Client
	RequestID  jsonrpc.ID
	Backend    string
	Method     string
	Capability string
	Started    time.Time
	Deadline   time.Time

	// progressToken is the client's original token, if it sent one.
	progressToken json.RawMessage

	cancel          context.CancelCauseFunc
	cancelledByPeer atomic.Bool
}

// InflightInfo describes an in-flight call for status output.
type InflightInfo struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"client"`
	Backend    string        `json:"backend"`
	Method     string        `json:"method"`
	Capability string        `json:"capability,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// progressGrace keeps a finished call's progress token routable for a
// while. Backend notifications are delivered asynchronously, so progress
// sent just before the response can arrive after it.
const progressGrace = 2 * time.Second

// inflightTable indexes in-flight calls by id and by client request id.
type inflightTable struct {
	mu       sync.Mutex
	byID     map[string]*inflightCall
	byClient map[string]map[string]*inflightCall
	// calls that carry a client progress token, by id
	tokens map[string]*inflightCall
}

func newInflightTable() *inflightTable {
	return &inflightTable{
		byID:     make(map[string]*inflightCall),
		byClient: make(map[string]map[string]*inflightCall),
		tokens:   make(map[string]*inflightCall),
	}
}

func (t *inflightTable) add(call *inflightCall) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID[call.ID] = call
	clientID := call.Client.ID()
	if t.byClient[clientID] == nil {
		t.byClient[clientID] = make(map[string]*inflightCall)
	}
	t.byClient[clientID][call.RequestID.String()] = call
	if call.progressToken != nil {
		t.tokens[call.ID] = call
	}
}

func (t *inflightTable) remove(call *inflightCall) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.byID, call.ID)
	clientID := call.Client.ID()
	if calls, ok := t.byClient[clientID]; ok {
		if calls[call.RequestID.String()] == call {
			delete(calls, call.RequestID.String())
		}
		if len(calls) == 0 {
			delete(t.byClient, clientID)
		}
	}
	if _, ok := t.tokens[call.ID]; ok {
		time.AfterFunc(progressGrace, func() {
			t.mu.Lock()
			delete(t.tokens, call.ID)
			t.mu.Unlock()
		})
	}
}

// progressTarget returns the call a rewritten progress token belongs to.
func (t *inflightTable) progressTarget(token string) (*inflightCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.tokens[token]
	return call, ok
}

// cancelRequest cancels one request on behalf of the client that sent it.
func (t *inflightTable) cancelRequest(clientID string, requestID jsonrpc.ID) bool {
	t.mu.Lock()
	call, ok := t.byClient[clientID][requestID.String()]
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.cancelledByPeer.Store(true)
	call.cancel(context.Canceled)
	return true
}

// cancelClient cancels everything a client has in flight.
func (t *inflightTable) cancelClient(clientID string, cause error) int {
	t.mu.Lock()
	var calls []*inflightCall
	for _, call := range t.byClient[clientID] {
		calls = append(calls, call)
	}
	t.mu.Unlock()

	for _, call := range calls {
		call.cancel(cause)
	}
	return len(calls)
}

// cancelAll cancels every in-flight call.
func (t *inflightTable) cancelAll(cause error) int {
	t.mu.Lock()
	calls := make([]*inflightCall, 0, len(t.byID))
	for _, call := range t.byID {
		calls = append(calls, call)
	}
	t.mu.Unlock()

	for _, call := range calls {
		call.cancel(cause)
	}
	return len(calls)
}

func (t *inflightTable) snapshot() []InflightInfo {
	t.mu.Lock()
	out := make([]InflightInfo, 0, len(t.byID))
	for _, call := range t.byID {
		out = append(out, InflightInfo{
			ID:         call.ID,
			ClientID:   call.Client.ID(),
			Backend:    call.Backend,
			Method:     call.Method,
			Capability: call.Capability,
			Elapsed:    time.Since(call.Started).Round(time.Millisecond),
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
