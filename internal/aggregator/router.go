package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// errCancelledByClient marks a call the client itself cancelled. No
// response is sent for it.
var errCancelledByClient = errors.New("request cancelled by client")

// backendNotifyTimeout bounds best-effort requests the router sends on its
// own behalf, such as unsubscribing after the last subscriber left.
const backendNotifyTimeout = 5 * time.Second

// maxCallTimeout caps a timeout requested through _meta.timeoutMs.
const maxCallTimeout = 24 * time.Hour

// Client is one connected client session.
type Client interface {
	ID() string
	Notify(method string, params any) error
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Registry *Registry

	// CallTimeout is the default deadline for a forwarded call.
	CallTimeout time.Duration

	// BackendTimeout returns a backend's own call timeout, or zero.
	BackendTimeout func(backend string) time.Duration

	ServerInfo   mcp.Implementation
	Instructions string
}

// Router dispatches client requests to the backend owning the addressed
// capability and routes backend notifications back to the right clients.
// Results pass through unmodified.
type Router struct {
	registry       *Registry
	callTimeout    time.Duration
	backendTimeout func(string) time.Duration
	serverInfo     mcp.Implementation
	instructions   string

	inflight *inflightTable

	mu      sync.RWMutex
	clients map[string]Client
	// (backend, backend uri) -> client id -> uri as the client knows it
	subs map[subscriptionKey]map[string]string

	stopCtx context.Context
	stop    context.CancelCauseFunc
}

type subscriptionKey struct {
	backend string
	uri     string
}

// NewRouter creates a router over a registry.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = config.DefaultCallTimeout
	}
	info := cfg.ServerInfo
	if info.Name == "" {
		info = mcp.Implementation{Name: "multimcp", Version: "dev"}
	}

	stopCtx, stop := context.WithCancelCause(context.Background())
	return &Router{
		registry:       cfg.Registry,
		callTimeout:    timeout,
		backendTimeout: cfg.BackendTimeout,
		serverInfo:     info,
		instructions:   cfg.Instructions,
		inflight:       newInflightTable(),
		clients:        make(map[string]Client),
		subs:           make(map[subscriptionKey]map[string]string),
		stopCtx:        stopCtx,
		stop:           stop,
	}
}

// Attach makes a client reachable for notifications.
func (r *Router) Attach(client Client) {
	r.mu.Lock()
	r.clients[client.ID()] = client
	r.mu.Unlock()
}

// Detach forgets a disconnected client: its in-flight calls are cancelled
// and its resource subscriptions dropped.
func (r *Router) Detach(client Client) {
	id := client.ID()
	if n := r.inflight.cancelClient(id, context.Canceled); n > 0 {
		logging.Debug("Router", "Cancelled %d in-flight calls of disconnected client %s", n, id)
	}

	r.mu.Lock()
	delete(r.clients, id)
	var orphaned []subscriptionKey
	for key, subscribers := range r.subs {
		if _, ok := subscribers[id]; !ok {
			continue
		}
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(r.subs, key)
			orphaned = append(orphaned, key)
		}
	}
	r.mu.Unlock()

	for _, key := range orphaned {
		go r.unsubscribeBackend(key)
	}
}

// Clients returns the attached clients sorted by id.
func (r *Router) Clients() []Client {
	r.mu.RLock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Inflight describes the calls currently waiting on a backend.
func (r *Router) Inflight() []InflightInfo {
	return r.inflight.snapshot()
}

// Broadcast sends a notification to every attached client.
func (r *Router) Broadcast(method string, params any) {
	for _, c := range r.Clients() {
		if err := c.Notify(method, params); err != nil {
			logging.Debug("Router", "Failed to notify client %s of %s: %v", c.ID(), method, err)
		}
	}
}

// Shutdown fails every in-flight call with api.ErrShuttingDown and makes
// new requests fail the same way. It returns the number of calls cancelled.
func (r *Router) Shutdown() int {
	n := r.inflight.cancelAll(api.ErrShuttingDown)
	r.stop(api.ErrShuttingDown)
	return n
}

// Handle processes one message from a client. It returns the response to
// send, or nil for notifications and for requests the client cancelled.
func (r *Router) Handle(ctx context.Context, client Client, msg *jsonrpc.Message) *jsonrpc.Message {
	if msg.IsNotification() {
		r.handleNotification(client, msg)
		return nil
	}
	if !msg.IsRequest() {
		logging.Debug("Router", "Ignoring response from client %s", client.ID())
		return nil
	}

	id := *msg.ID
	if r.stopCtx.Err() != nil {
		return jsonrpc.NewErrorResponse(id, api.ToRPCError(api.ErrShuttingDown, ""))
	}

	result, capability, err := r.dispatch(ctx, client, msg)
	if err != nil {
		if errors.Is(err, errCancelledByClient) {
			return nil
		}
		logging.Debug("Router", "%s %s failed: %v", msg.Method, capability, err)
		return jsonrpc.NewErrorResponse(id, api.ToRPCError(err, capability))
	}
	return jsonrpc.NewResult(id, result)
}

func (r *Router) dispatch(ctx context.Context, client Client, msg *jsonrpc.Message) (json.RawMessage, string, error) {
	params, err := decodeParams(msg.Params)
	if err != nil {
		return nil, "", err
	}

	switch msg.Method {
	case api.MethodInitialize:
		return r.initialize(params)
	case api.MethodPing:
		return json.RawMessage("{}"), "", nil
	case api.MethodToolsList:
		return r.list(api.CapabilityTool, "tools")
	case api.MethodResourcesList:
		return r.list(api.CapabilityResource, "resources")
	case api.MethodResourcesTemplatesList:
		return r.list(api.CapabilityResourceTemplate, "resourceTemplates")
	case api.MethodPromptsList:
		return r.list(api.CapabilityPrompt, "prompts")
	case api.MethodToolsCall:
		return r.callNamed(ctx, client, msg, params, api.CapabilityTool)
	case api.MethodPromptsGet:
		return r.callNamed(ctx, client, msg, params, api.CapabilityPrompt)
	case api.MethodResourcesRead:
		return r.readResource(ctx, client, msg, params)
	case api.MethodResourcesSubscribe:
		return r.subscribe(ctx, client, msg, params)
	case api.MethodResourcesUnsubscribe:
		return r.unsubscribe(ctx, client, msg, params)
	case api.MethodCompletionComplete:
		return r.complete(ctx, client, msg, params)
	case api.MethodLoggingSetLevel:
		return r.setLevel(ctx, params)
	default:
		return nil, "", jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %s is not supported", msg.Method)
	}
}

func (r *Router) initialize(params map[string]json.RawMessage) (json.RawMessage, string, error) {
	version := mcp.LATEST_PROTOCOL_VERSION
	if raw, ok := params["protocolVersion"]; ok {
		var requested string
		if err := json.Unmarshal(raw, &requested); err == nil && requested != "" {
			version = requested
		}
	}

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":       map[string]any{"listChanged": true},
			"resources":   map[string]any{"subscribe": true, "listChanged": true},
			"prompts":     map[string]any{"listChanged": true},
			"logging":     map[string]any{},
			"completions": map[string]any{},
		},
		"serverInfo": r.serverInfo,
	}
	if r.instructions != "" {
		result["instructions"] = r.instructions
	}
	raw, err := json.Marshal(result)
	return raw, "", err
}

// list answers a */list request with the whole merged catalog in one page.
func (r *Router) list(kind api.CapabilityKind, field string) (json.RawMessage, string, error) {
	raw, err := json.Marshal(map[string]any{field: r.registry.Snapshot().RawList(kind)})
	return raw, "", err
}

// callNamed forwards tools/call and prompts/get.
func (r *Router) callNamed(ctx context.Context, client Client, msg *jsonrpc.Message, params map[string]json.RawMessage, kind api.CapabilityKind) (json.RawMessage, string, error) {
	key, err := stringParam(params, "name")
	if err != nil {
		return nil, "", err
	}
	entry, err := r.registry.Resolve(kind, key)
	if err != nil {
		return nil, key, err
	}
	params["name"] = mustMarshal(entry.Name)

	raw, err := r.forward(ctx, client, msg, entry, params)
	return raw, key, err
}

func (r *Router) readResource(ctx context.Context, client Client, msg *jsonrpc.Message, params map[string]json.RawMessage) (json.RawMessage, string, error) {
	uri, err := stringParam(params, "uri")
	if err != nil {
		return nil, "", err
	}
	entry, backendURI, err := r.registry.ResolveResource(uri)
	if err != nil {
		return nil, uri, err
	}
	params["uri"] = mustMarshal(backendURI)

	raw, err := r.forward(ctx, client, msg, entry, params)
	return raw, uri, err
}

func (r *Router) subscribe(ctx context.Context, client Client, msg *jsonrpc.Message, params map[string]json.RawMessage) (json.RawMessage, string, error) {
	uri, err := stringParam(params, "uri")
	if err != nil {
		return nil, "", err
	}
	entry, backendURI, err := r.registry.ResolveResource(uri)
	if err != nil {
		return nil, uri, err
	}
	if !entry.Session().Capabilities().SupportsSubscribe {
		return nil, uri, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "backend %s does not support resource subscriptions", entry.Backend)
	}

	key := subscriptionKey{backend: entry.Backend, uri: backendURI}
	r.mu.Lock()
	first := len(r.subs[key]) == 0
	if r.subs[key] == nil {
		r.subs[key] = make(map[string]string)
	}
	r.subs[key][client.ID()] = uri
	r.mu.Unlock()

	if first {
		params["uri"] = mustMarshal(backendURI)
		if _, err := r.forward(ctx, client, msg, entry, params); err != nil {
			r.dropSubscription(key, client.ID())
			return nil, uri, err
		}
	}
	return json.RawMessage("{}"), uri, nil
}

func (r *Router) unsubscribe(ctx context.Context, client Client, msg *jsonrpc.Message, params map[string]json.RawMessage) (json.RawMessage, string, error) {
	uri, err := stringParam(params, "uri")
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	var emptied []subscriptionKey
	for key, subscribers := range r.subs {
		if exposed, ok := subscribers[client.ID()]; ok && exposed == uri {
			delete(subscribers, client.ID())
			if len(subscribers) == 0 {
				delete(r.subs, key)
				emptied = append(emptied, key)
			}
		}
	}
	r.mu.Unlock()

	for _, key := range emptied {
		b, ok := r.registry.Snapshot().Backend(key.backend)
		if !ok {
			continue
		}
		entry := &Entry{Key: uri, Kind: api.CapabilityResource, Backend: key.backend, Name: key.uri, session: b}
		params["uri"] = mustMarshal(key.uri)
		if _, err := r.forward(ctx, client, msg, entry, params); err != nil {
			return nil, uri, err
		}
	}
	return json.RawMessage("{}"), uri, nil
}

func (r *Router) dropSubscription(key subscriptionKey, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subscribers, ok := r.subs[key]; ok {
		delete(subscribers, clientID)
		if len(subscribers) == 0 {
			delete(r.subs, key)
		}
	}
}

func (r *Router) unsubscribeBackend(key subscriptionKey) {
	b, ok := r.registry.Snapshot().Backend(key.backend)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendNotifyTimeout)
	defer cancel()
	if _, err := b.Request(ctx, api.MethodResourcesUnsubscribe, map[string]string{"uri": key.uri}); err != nil {
		logging.Debug("Router", "Failed to unsubscribe %s from %s: %v", key.backend, key.uri, err)
	}
}

// Resubscribe renews every subscription held on a backend, which forgets
// them when it reconnects.
func (r *Router) Resubscribe(ctx context.Context, b Backend) {
	r.mu.RLock()
	var uris []string
	for key := range r.subs {
		if key.backend == b.Name() {
			uris = append(uris, key.uri)
		}
	}
	r.mu.RUnlock()

	for _, uri := range uris {
		if _, err := b.Request(ctx, api.MethodResourcesSubscribe, map[string]string{"uri": uri}); err != nil {
			logging.Warn("Router", "Failed to renew subscription to %s on %s: %v", uri, b.Name(), err)
		}
	}
}

// complete routes completion/complete by its prompt or resource reference.
func (r *Router) complete(ctx context.Context, client Client, msg *jsonrpc.Message, params map[string]json.RawMessage) (json.RawMessage, string, error) {
	var ref map[string]json.RawMessage
	if raw, ok := params["ref"]; !ok || json.Unmarshal(raw, &ref) != nil || ref == nil {
		return nil, "", jsonrpc.NewError(jsonrpc.CodeInvalidParams, "ref is required")
	}
	refType, err := stringParam(ref, "type")
	if err != nil {
		return nil, "", err
	}

	var entry *Entry
	var key string
	switch refType {
	case "ref/prompt":
		if key, err = stringParam(ref, "name"); err != nil {
			return nil, "", err
		}
		if entry, err = r.registry.Resolve(api.CapabilityPrompt, key); err != nil {
			return nil, key, err
		}
		ref["name"] = mustMarshal(entry.Name)
	case "ref/resource":
		if key, err = stringParam(ref, "uri"); err != nil {
			return nil, "", err
		}
		backendURI := ""
		if entry, err = r.registry.Resolve(api.CapabilityResourceTemplate, key); err == nil {
			backendURI = entry.Name
		} else if entry, backendURI, err = r.registry.ResolveResource(key); err != nil {
			return nil, key, err
		}
		ref["uri"] = mustMarshal(backendURI)
	default:
		return nil, "", jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unsupported ref type %q", refType)
	}
	params["ref"] = mustMarshal(ref)

	raw, err := r.forward(ctx, client, msg, entry, params)
	return raw, key, err
}

// setLevel fans logging/setLevel out to every backend that supports it.
func (r *Router) setLevel(ctx context.Context, params map[string]json.RawMessage) (json.RawMessage, string, error) {
	level, err := stringParam(params, "level")
	if err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	var g errgroup.Group
	for _, b := range r.registry.Snapshot().Backends() {
		if !b.Capabilities().SupportsLogging {
			continue
		}
		g.Go(func() error {
			if _, err := b.Request(ctx, api.MethodLoggingSetLevel, map[string]string{"level": level}); err != nil {
				logging.Warn("Router", "Failed to set log level on %s: %v", b.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return json.RawMessage("{}"), "", nil
}

// forward sends a request to the entry's backend as an in-flight call that
// can be cancelled by the client, by disconnect, by timeout or by shutdown.
func (r *Router) forward(ctx context.Context, client Client, msg *jsonrpc.Message, entry *Entry, params map[string]json.RawMessage) (json.RawMessage, error) {
	timeout := r.timeoutFor(entry.Backend, params)

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(r.stopCtx, func() { cancel(api.ErrShuttingDown) })
	defer stop()
	callCtx, cancelTimeout := context.WithTimeout(callCtx, timeout)
	defer cancelTimeout()

	now := time.Now()
	call := &inflightCall{
		ID:            uuid.NewString(),
		Client:        client,
		RequestID:     *msg.ID,
		Backend:       entry.Backend,
		Method:        msg.Method,
		Capability:    entry.Key,
		Started:       now,
		Deadline:      now.Add(timeout),
		progressToken: progressToken(params),
		cancel:        cancel,
	}
	if call.progressToken != nil {
		setProgressToken(params, call.ID)
	}
	r.inflight.add(call)
	defer r.inflight.remove(call)

	raw, err := entry.Session().Request(callCtx, msg.Method, params)
	if err != nil && call.cancelledByPeer.Load() {
		return nil, errCancelledByClient
	}
	return raw, err
}

// timeoutFor applies the precedence _meta.timeoutMs, then the backend's
// timeout, then the default.
func (r *Router) timeoutFor(backend string, params map[string]json.RawMessage) time.Duration {
	if meta := metaOf(params); meta != nil {
		if raw, ok := meta["timeoutMs"]; ok {
			var ms float64
			if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
				if ms >= float64(maxCallTimeout/time.Millisecond) {
					return maxCallTimeout
				}
				return time.Duration(ms * float64(time.Millisecond))
			}
		}
	}
	if r.backendTimeout != nil {
		if d := r.backendTimeout(backend); d > 0 {
			return d
		}
	}
	return r.callTimeout
}

func (r *Router) handleNotification(client Client, msg *jsonrpc.Message) {
	switch msg.Method {
	case api.NotificationCancelled:
		var params struct {
			RequestID *jsonrpc.ID `json:"requestId"`
			Reason    string      `json:"reason"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.RequestID == nil {
			logging.Debug("Router", "Ignoring malformed cancellation from client %s", client.ID())
			return
		}
		if r.inflight.cancelRequest(client.ID(), *params.RequestID) {
			logging.Debug("Router", "Client %s cancelled request %s: %s", client.ID(), params.RequestID, params.Reason)
		}
	case api.NotificationInitialized:
	default:
		logging.Debug("Router", "Ignoring client notification %s", msg.Method)
	}
}

// HandleBackendNotification routes a notification from a backend: progress
// goes to the client whose call it belongs to, resource updates go to the
// subscribed clients and log messages go to everyone.
func (r *Router) HandleBackendNotification(backend string, msg *jsonrpc.Message) {
	switch msg.Method {
	case api.NotificationProgress:
		r.routeProgress(backend, msg)
	case api.NotificationResourceUpdated:
		r.routeResourceUpdated(backend, msg)
	case api.NotificationMessage:
		r.routeLogMessage(backend, msg)
	default:
		logging.Debug("Router", "Ignoring notification %s from %s", msg.Method, backend)
	}
}

func (r *Router) routeProgress(backend string, msg *jsonrpc.Message) {
	params, err := decodeParams(msg.Params)
	if err != nil {
		return
	}
	var token string
	if raw, ok := params["progressToken"]; !ok || json.Unmarshal(raw, &token) != nil {
		logging.Debug("Router", "Dropping progress from %s without a routable token", backend)
		return
	}
	call, ok := r.inflight.progressTarget(token)
	if !ok || call.Backend != backend {
		logging.Debug("Router", "Dropping progress from %s for unknown token %s", backend, token)
		return
	}
	params["progressToken"] = call.progressToken
	if err := call.Client.Notify(api.NotificationProgress, params); err != nil {
		logging.Debug("Router", "Failed to deliver progress to client %s: %v", call.Client.ID(), err)
	}
}

func (r *Router) routeResourceUpdated(backend string, msg *jsonrpc.Message) {
	params, err := decodeParams(msg.Params)
	if err != nil {
		return
	}
	uri, err := stringParam(params, "uri")
	if err != nil {
		return
	}

	type delivery struct {
		client Client
		uri    string
	}
	r.mu.RLock()
	var targets []delivery
	for clientID, exposed := range r.subs[subscriptionKey{backend: backend, uri: uri}] {
		if c, ok := r.clients[clientID]; ok {
			targets = append(targets, delivery{client: c, uri: exposed})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		out := make(map[string]json.RawMessage, len(params))
		for k, v := range params {
			out[k] = v
		}
		out["uri"] = mustMarshal(t.uri)
		if err := t.client.Notify(api.NotificationResourceUpdated, out); err != nil {
			logging.Debug("Router", "Failed to deliver resource update to client %s: %v", t.client.ID(), err)
		}
	}
}

func (r *Router) routeLogMessage(backend string, msg *jsonrpc.Message) {
	params, err := decodeParams(msg.Params)
	if err != nil {
		return
	}
	var level, logger string
	if raw, ok := params["level"]; ok {
		_ = json.Unmarshal(raw, &level)
	}
	if raw, ok := params["logger"]; ok {
		_ = json.Unmarshal(raw, &logger)
	}

	logging.Log(mcpLogLevel(level), "Backend/"+backend, "%s", string(params["data"]))

	if logger == "" {
		logger = backend
	} else {
		logger = backend + "/" + logger
	}
	params["logger"] = mustMarshal(logger)
	r.Broadcast(api.NotificationMessage, params)
}

// mcpLogLevel maps a protocol log level to ours.
func mcpLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "info", "notice":
		return logging.LevelInfo
	case "warning":
		return logging.LevelWarn
	default:
		return logging.LevelError
	}
}

func decodeParams(raw json.RawMessage) (map[string]json.RawMessage, error) {
	params := make(map[string]json.RawMessage)
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "params must be an object")
	}
	if params == nil {
		params = make(map[string]json.RawMessage)
	}
	return params, nil
}

func stringParam(params map[string]json.RawMessage, name string) (string, error) {
	raw, ok := params[name]
	if !ok {
		return "", jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%s is required", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%s must be a non-empty string", name)
	}
	return s, nil
}

func metaOf(params map[string]json.RawMessage) map[string]json.RawMessage {
	raw, ok := params["_meta"]
	if !ok {
		return nil
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}

func progressToken(params map[string]json.RawMessage) json.RawMessage {
	meta := metaOf(params)
	if meta == nil {
		return nil
	}
	token, ok := meta["progressToken"]
	if !ok || string(token) == "null" {
		return nil
	}
	return token
}

func setProgressToken(params map[string]json.RawMessage, token string) {
	meta := metaOf(params)
	if meta == nil {
		meta = make(map[string]json.RawMessage)
	}
	meta["progressToken"] = mustMarshal(token)
	params["_meta"] = mustMarshal(meta)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return raw
}
