package pmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State describes where a Protocol is in its connection lifecycle.
type State int

// Protocol lifecycle states.
const (
	StateCreated State = iota
	StateInitializing
	StateOperational
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateOperational:
		return "operational"
	case StateShuttingDown:
		return "shutting down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Side names which end of the connection this engine drives. It determines
// which capability record of the peer gates outgoing requests.
type Side int

// Side values.
const (
	SideClient Side = iota
	SideServer
)

var (
	defaultRequestTimeout    = 60 * time.Second
	defaultInitializeTimeout = 60 * time.Second
)

// RequestHandlerFunc handles one incoming request. The returned value is
// marshaled as the result; returning an *Error sends that error to the peer,
// any other error becomes an internal error. The context is cancelled when
// the peer sends notifications/cancelled for this request, when the
// connection closes, or on shutdown; handlers should observe it and return
// promptly.
type RequestHandlerFunc func(ctx context.Context, req *IncomingRequest) (any, error)

// NotificationHandlerFunc handles one incoming notification.
type NotificationHandlerFunc func(ctx context.Context, params json.RawMessage)

// IncomingRequest carries one request received from the peer, along with the
// side-channels a handler may use while serving it.
type IncomingRequest struct {
	// Method is the JSON-RPC method name.
	Method string
	// ID is the peer's request id; replies echo it exactly.
	ID RequestID
	// Params is the raw params object.
	Params json.RawMessage

	proto *Protocol
	token ProgressToken
}

// ProgressToken returns the progress token the peer attached under
// _meta.progressToken, if any.
func (r *IncomingRequest) ProgressToken() (ProgressToken, bool) {
	return r.token, r.token.IsValid()
}

// ReportProgress emits notifications/progress correlated to this request.
// It is a no-op when the peer did not attach a progress token.
func (r *IncomingRequest) ReportProgress(ctx context.Context, progress, total float64, message string) {
	if !r.token.IsValid() {
		return
	}
	params := ProgressParams{
		ProgressToken: r.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	}
	if err := r.proto.Notify(ctx, MethodNotificationsProgress, params); err != nil {
		r.proto.logger.Warn("failed to send progress notification", slog.String("err", err.Error()))
	}
}

// Peer returns the protocol engine, allowing a handler to issue requests
// back to the other side while serving this one.
func (r *IncomingRequest) Peer() *Protocol { return r.proto }

type pendingKey struct {
	transport TransportID
	id        RequestID
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	method string
	ch     chan pendingResult
	token  ProgressToken
}

type incomingEntry struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// requestConfig collects per-request options.
type requestConfig struct {
	timeout    time.Duration
	onProgress func(ProgressParams)
}

// RequestOption tunes a single outgoing request.
type RequestOption func(*requestConfig)

// WithRequestTimeout overrides the engine's default timeout for this request.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.timeout = d
	}
}

// WithProgress attaches a progress handler to the request. The engine
// injects a progress token into _meta.progressToken and routes matching
// notifications/progress to the handler until the request resolves.
func WithProgress(fn func(ProgressParams)) RequestOption {
	return func(c *requestConfig) {
		c.onProgress = fn
	}
}

// ProtocolOption represents the options for a Protocol.
type ProtocolOption func(*Protocol)

// WithDefaultTimeout sets the default per-request timeout.
func WithDefaultTimeout(d time.Duration) ProtocolOption {
	return func(p *Protocol) {
		p.defaultTimeout = d
	}
}

// WithInitializeTimeout sets the timeout for the initialize handshake.
func WithInitializeTimeout(d time.Duration) ProtocolOption {
	return func(p *Protocol) {
		p.initializeTimeout = d
	}
}

// WithStrictCapabilities makes outgoing requests fail locally with
// ErrCapabilityNotSupported when the peer did not advertise the capability
// the method requires. No frame goes on the wire in that case.
func WithStrictCapabilities() ProtocolOption {
	return func(p *Protocol) {
		p.enforceStrictCapabilities = true
	}
}

// WithProtocolLogger sets the logger for the engine.
func WithProtocolLogger(logger *slog.Logger) ProtocolOption {
	return func(p *Protocol) {
		p.logger = logger.With(
			slog.String("package", "pmcp"),
			slog.String("component", "protocol"),
		)
	}
}

// Protocol is the bidirectional request/response/notification engine shared
// by clients and servers. It owns request id generation, the pending-request
// table, the handshake state machine, progress and cancellation routing, and
// the capability gate.
//
// A Protocol is created unbound; Connect attaches it to a Transport and
// starts the receive loop. One Protocol drives exactly one Transport at a
// time, and the pending table is keyed by transport id so a frame arriving
// on a later transport can never resolve a request issued on an earlier one.
type Protocol struct {
	side   Side
	logger *slog.Logger

	defaultTimeout            time.Duration
	initializeTimeout         time.Duration
	enforceStrictCapabilities bool

	mu                sync.Mutex
	state             State
	transport         Transport
	nextID            int64
	pending           map[pendingKey]*pendingRequest
	progress          map[ProgressToken]func(ProgressParams)
	incoming          map[RequestID]*incomingEntry
	handlers          map[string]RequestHandlerFunc
	notifications     map[string]NotificationHandlerFunc
	negotiatedVersion string
	peerClientCaps    *ClientCapabilities
	peerServerCaps    *ServerCapabilities

	baseCtx    context.Context
	baseCancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	recvDone  chan struct{}
}

// NewProtocol creates an unbound protocol engine for the given side.
func NewProtocol(side Side, options ...ProtocolOption) *Protocol {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Protocol{
		side:          side,
		logger:        slog.Default(),
		state:         StateCreated,
		pending:       make(map[pendingKey]*pendingRequest),
		progress:      make(map[ProgressToken]func(ProgressParams)),
		incoming:      make(map[RequestID]*incomingEntry),
		handlers:      make(map[string]RequestHandlerFunc),
		notifications: make(map[string]NotificationHandlerFunc),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		done:          make(chan struct{}),
		recvDone:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.defaultTimeout == 0 {
		p.defaultTimeout = defaultRequestTimeout
	}
	if p.initializeTimeout == 0 {
		p.initializeTimeout = defaultInitializeTimeout
	}
	return p
}

// SetRequestHandler registers the handler for a method. Registration must
// happen before Connect; later registrations race with dispatch.
func (p *Protocol) SetRequestHandler(method string, fn RequestHandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = fn
}

// SetNotificationHandler registers the handler for a notification method.
func (p *Protocol) SetNotificationHandler(method string, fn NotificationHandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications[method] = fn
}

// Connect binds the engine to a transport and starts the receive loop.
func (p *Protocol) Connect(t Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed || p.state == StateShuttingDown {
		return ErrConnectionClosed
	}
	if p.transport != nil {
		return errors.New("protocol already connected")
	}
	p.transport = t
	go p.receiveLoop(t)
	return nil
}

// State returns the engine's lifecycle state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// NegotiatedVersion returns the protocol version agreed during initialize,
// or the empty string before the handshake completes. Once negotiated, the
// version is immutable for the connection's lifetime.
func (p *Protocol) NegotiatedVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiatedVersion
}

// PeerServerCapabilities returns the server capabilities received during
// initialize, for client-side engines.
func (p *Protocol) PeerServerCapabilities() *ServerCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerServerCaps
}

// PeerClientCapabilities returns the client capabilities received during
// initialize, for server-side engines.
func (p *Protocol) PeerClientCapabilities() *ClientCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerClientCaps
}

func (p *Protocol) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// beginInitializing transitions Created -> Initializing. Called when the
// initialize request is sent (client) or received (server).
func (p *Protocol) beginInitializing() {
	p.mu.Lock()
	if p.state == StateCreated {
		p.state = StateInitializing
	}
	p.mu.Unlock()
}

// completeInitialize records the negotiation outcome. The server side stays
// Initializing until the client's notifications/initialized arrives; the
// client side becomes Operational immediately after sending it.
func (p *Protocol) completeInitialize(version string, serverCaps *ServerCapabilities, clientCaps *ClientCapabilities) {
	p.mu.Lock()
	p.negotiatedVersion = version
	if serverCaps != nil {
		p.peerServerCaps = serverCaps
	}
	if clientCaps != nil {
		p.peerClientCaps = clientCaps
	}
	if p.side == SideClient && p.state == StateInitializing {
		p.state = StateOperational
	}
	p.mu.Unlock()
}

// Close shuts the engine down: every pending request fails with
// ErrConnectionClosed, incoming handlers are cancelled, and the transport is
// closed. Idempotent.
func (p *Protocol) Close() error {
	p.closeOnce.Do(func() {
		p.setState(StateShuttingDown)
		close(p.done)
		p.baseCancel()

		p.mu.Lock()
		t := p.transport
		pending := p.pending
		p.pending = make(map[pendingKey]*pendingRequest)
		p.progress = make(map[ProgressToken]func(ProgressParams))
		for _, entry := range p.incoming {
			entry.cancel()
		}
		p.mu.Unlock()

		for _, pr := range pending {
			pr.ch <- pendingResult{err: ErrConnectionClosed}
		}

		if t != nil {
			if err := t.Close(); err != nil {
				p.logger.Warn("failed to close transport", slog.String("err", err.Error()))
			}
		}
		p.setState(StateClosed)
	})
	return nil
}

// Done returns a channel closed when the engine has shut down.
func (p *Protocol) Done() <-chan struct{} { return p.done }

// Request sends a request to the peer and blocks until it resolves with a
// result, a peer error, a timeout, a cancellation, or connection close.
// Exactly one of those outcomes occurs.
func (p *Protocol) Request(ctx context.Context, method string, params any, options ...RequestOption) (json.RawMessage, error) {
	cfg := requestConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	p.mu.Lock()
	t := p.transport
	state := p.state
	if t == nil {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	switch method {
	case MethodInitialize:
		if state != StateCreated && state != StateInitializing {
			p.mu.Unlock()
			return nil, fmt.Errorf("initialize not allowed in state %s", state)
		}
		p.state = StateInitializing
	case MethodPing:
		// Liveness checks are allowed in any connected state.
	default:
		if state != StateOperational {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s requires an initialized connection (state %s)", ErrNotConnected, method, state)
		}
	}
	if err := p.checkCapabilityLocked(method); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	p.nextID++
	id := NewIntRequestID(p.nextID)

	var token ProgressToken
	if cfg.onProgress != nil {
		token = id
		p.progress[token] = cfg.onProgress
	}

	pr := &pendingRequest{
		method: method,
		ch:     make(chan pendingResult, 1),
		token:  token,
	}
	key := pendingKey{transport: t.ID(), id: id}
	if _, exists := p.pending[key]; exists {
		p.mu.Unlock()
		return nil, NewError(CodeInvalidRequest, "request id already in flight")
	}
	p.pending[key] = pr
	p.mu.Unlock()

	timeout := cfg.timeout
	if timeout == 0 {
		if method == MethodInitialize {
			timeout = p.initializeTimeout
		} else {
			timeout = p.defaultTimeout
		}
	}

	rawParams, err := marshalParams(params, token)
	if err != nil {
		p.removePending(key, token)
		return nil, Errorf(CodeInvalidParams, "failed to marshal params: %s", err)
	}

	msg := Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  rawParams,
	}
	frame := NewFrame(msg)
	frame.Meta = Metadata{ID: id, Method: method, Priority: PriorityNormal}

	if err := t.Send(ctx, frame, SendOptions{Priority: PriorityNormal, Timeout: timeout}); err != nil {
		p.removePending(key, token)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		p.removePending(key, token)
		return res.result, res.err
	case <-timer.C:
		if p.removePending(key, token) {
			p.sendCancelled(id, "request timed out")
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		if p.removePending(key, token) {
			p.sendCancelled(id, "client requested cancellation")
		}
		return nil, fmt.Errorf("%w: %s", ErrRequestCancelled, ctx.Err())
	case <-p.done:
		return nil, ErrConnectionClosed
	}
}

// removePending deletes the pending entry and its progress handler,
// reporting whether the entry was still outstanding. Cancelling an
// already-resolved request is therefore a no-op.
func (p *Protocol) removePending(key pendingKey, token ProgressToken) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[key]
	delete(p.pending, key)
	if token.IsValid() {
		delete(p.progress, token)
	}
	return ok
}

// sendCancelled emits notifications/cancelled for an abandoned outgoing
// request. Best-effort: failures are ignored beyond a debug log.
func (p *Protocol) sendCancelled(id RequestID, reason string) {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return
	}
	params, _ := json.Marshal(CancelledParams{RequestID: id, Reason: reason})
	msg := Message{
		JSONRPC: JSONRPCVersion,
		Method:  MethodNotificationsCancelled,
		Params:  params,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Send(ctx, NewFrame(msg), SendOptions{Priority: PriorityHigh}); err != nil {
		p.logger.Debug("failed to send cancellation", slog.String("err", err.Error()))
	}
}

// Notify sends a notification to the peer. Notifications expect no reply and
// are never timed out beyond the transport send itself.
func (p *Protocol) Notify(ctx context.Context, method string, params any) error {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	rawParams, err := marshalParams(params, ProgressToken{})
	if err != nil {
		return Errorf(CodeInvalidParams, "failed to marshal params: %s", err)
	}
	msg := Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  rawParams,
	}
	frame := NewFrame(msg)
	frame.Meta = Metadata{Method: method, Priority: PriorityNormal}
	return t.Send(ctx, frame, SendOptions{Priority: PriorityNormal})
}

// marshalParams serializes params, injecting the progress token under
// _meta.progressToken when one is set. Unknown _meta keys already present
// pass through unchanged.
func marshalParams(params any, token ProgressToken) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := params.(type) {
	case nil:
		raw = nil
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if !token.IsValid() {
		return raw, nil
	}

	obj := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("progress token requires object params: %w", err)
		}
	}
	meta := make(map[string]json.RawMessage)
	if m, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("invalid _meta: %w", err)
		}
	}
	tokenRaw, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	meta["progressToken"] = tokenRaw
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = metaRaw
	return json.Marshal(obj)
}

// Capability gate. The table maps method families to the capability the
// peer must have advertised during initialize.
func (p *Protocol) checkCapabilityLocked(method string) error {
	if !p.enforceStrictCapabilities {
		return nil
	}
	switch method {
	case MethodInitialize, MethodPing, MethodCompletionComplete:
		return nil
	}

	sc := p.peerServerCaps
	cc := p.peerClientCaps

	missing := func(capability string) error {
		return fmt.Errorf("%w: %s requires capability %q", ErrCapabilityNotSupported, method, capability)
	}

	switch {
	case strings.HasPrefix(method, "tools/"):
		if sc == nil || sc.Tools == nil {
			return missing("tools")
		}
	case strings.HasPrefix(method, "prompts/"):
		if sc == nil || sc.Prompts == nil {
			return missing("prompts")
		}
	case method == MethodResourcesSubscribe || method == MethodResourcesUnsubscribe:
		if sc == nil || sc.Resources == nil || !sc.Resources.Subscribe {
			return missing("resources.subscribe")
		}
	case strings.HasPrefix(method, "resources/"):
		if sc == nil || sc.Resources == nil {
			return missing("resources")
		}
	case method == MethodLoggingSetLevel:
		if sc == nil || sc.Logging == nil {
			return missing("logging")
		}
	case method == MethodSamplingCreateMessage:
		if cc == nil || cc.Sampling == nil {
			return missing("sampling")
		}
	case strings.HasPrefix(method, "roots/"):
		if cc == nil || cc.Roots == nil {
			return missing("roots")
		}
	case strings.HasPrefix(method, "elicitation/"):
		if cc == nil || cc.Elicitation == nil {
			return missing("elicitation")
		}
	}
	return nil
}

func (p *Protocol) receiveLoop(t Transport) {
	defer close(p.recvDone)

	for {
		frame, err := t.Receive(p.baseCtx)
		if err != nil {
			var werr *Error
			if errors.As(err, &werr) {
				// The peer sent a malformed frame; answer with a null-id
				// error and keep the connection up.
				p.logger.Warn("received malformed frame",
					slog.Int("code", werr.Code),
					slog.String("err", werr.Message))
				p.replyRaw(t, newNullIDError(werr))
				continue
			}
			if !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error("transport receive failed", slog.String("err", err.Error()))
			}
			_ = p.Close()
			return
		}

		if frame.IsBatch() {
			go p.handleBatch(t, frame)
			continue
		}
		msg, ok := frame.Single()
		if !ok {
			continue
		}
		p.dispatch(t, msg)
	}
}

func (p *Protocol) dispatch(t Transport, msg Message) {
	switch {
	case msg.IsResponse():
		p.handleResponse(t, msg)
	case msg.IsNotification():
		p.handleNotification(msg)
	case msg.IsRequest():
		go func() {
			if resp := p.executeRequest(t, msg); resp != nil {
				p.replyRaw(t, *resp)
			}
		}()
	default:
		p.logger.Warn("dropping unclassifiable frame", slog.String("method", msg.Method))
	}
}

// handleBatch processes a batch frame, running requests in parallel, and
// replies with a response batch preserving the positional order of the
// requests that expected a reply.
func (p *Protocol) handleBatch(t Transport, frame Frame) {
	msgs := frame.Messages()
	responses := make([]*Message, len(msgs))

	var wg sync.WaitGroup
	for i, msg := range msgs {
		switch {
		case msg.IsResponse():
			p.handleResponse(t, msg)
		case msg.IsNotification():
			p.handleNotification(msg)
		case msg.IsRequest():
			wg.Add(1)
			go func(i int, msg Message) {
				defer wg.Done()
				responses[i] = p.executeRequest(t, msg)
			}(i, msg)
		}
	}
	wg.Wait()

	ordered := make([]Message, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			ordered = append(ordered, *resp)
		}
	}
	if len(ordered) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(p.baseCtx, p.defaultTimeout)
	defer cancel()
	if err := t.Send(ctx, NewBatchFrame(ordered), SendOptions{Priority: PriorityNormal}); err != nil {
		p.logger.Error("failed to send batch response", slog.String("err", err.Error()))
	}
}

// handleResponse resolves the matching pending request on this transport.
// A reply whose id matches nothing outstanding is dropped with a warning; a
// reply arriving on a different transport never matches by construction.
func (p *Protocol) handleResponse(t Transport, msg Message) {
	key := pendingKey{transport: t.ID(), id: msg.ID}

	p.mu.Lock()
	pr, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
		if pr.token.IsValid() {
			delete(p.progress, pr.token)
		}
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("dropping reply with no matching request",
			slog.String("id", msg.ID.String()))
		return
	}

	if msg.Error != nil {
		pr.ch <- pendingResult{err: msg.Error}
		return
	}
	pr.ch <- pendingResult{result: msg.Result}
}

func (p *Protocol) handleNotification(msg Message) {
	switch msg.Method {
	case MethodNotificationsCancelled:
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.logger.Warn("invalid cancellation params", slog.String("err", err.Error()))
			return
		}
		p.mu.Lock()
		entry, ok := p.incoming[params.RequestID]
		p.mu.Unlock()
		if ok {
			entry.cancelled.Store(true)
			entry.cancel()
		}
		return
	case MethodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.logger.Warn("invalid progress params", slog.String("err", err.Error()))
			return
		}
		p.mu.Lock()
		fn, ok := p.progress[params.ProgressToken]
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("dropping progress for unknown token",
				slog.String("token", params.ProgressToken.String()))
			return
		}
		fn(params)
		return
	case MethodNotificationsInitialized:
		p.mu.Lock()
		if p.state == StateInitializing {
			p.state = StateOperational
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	fn, ok := p.notifications[msg.Method]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("dropping unhandled notification", slog.String("method", msg.Method))
		return
	}
	go fn(p.baseCtx, msg.Params)
}

// executeRequest runs the handler for one incoming request and returns the
// response message, or nil when no reply must be sent (cancelled requests).
func (p *Protocol) executeRequest(t Transport, msg Message) *Message {
	p.mu.Lock()
	state := p.state
	fn, ok := p.handlers[msg.Method]
	p.mu.Unlock()

	if msg.Method == MethodPing {
		return &Message{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage("{}")}
	}

	// Servers reject operational requests until the handshake completed.
	if p.side == SideServer && msg.Method != MethodInitialize && state != StateOperational {
		return errorMessage(msg.ID, NewError(CodeInvalidRequest, "server not initialized"))
	}

	if !ok {
		return errorMessage(msg.ID, Errorf(CodeMethodNotFound, "method %q not found", msg.Method))
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	defer cancel()
	if ai := transportAuthInfo(t); ai != nil {
		ctx = WithAuthInfo(ctx, ai)
	}

	entry := &incomingEntry{cancel: cancel}
	p.mu.Lock()
	p.incoming[msg.ID] = entry
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.incoming, msg.ID)
		p.mu.Unlock()
	}()

	req := &IncomingRequest{
		Method: msg.Method,
		ID:     msg.ID,
		Params: msg.Params,
		proto:  p,
		token:  extractProgressToken(msg.Params),
	}

	result, err := p.invokeHandler(ctx, fn, req)

	// The peer abandoned the request; whatever the handler produced, the
	// reply must not be sent.
	if entry.cancelled.Load() {
		p.logger.Debug("dropping reply for cancelled request", slog.String("id", msg.ID.String()))
		return nil
	}

	if err != nil {
		var werr *Error
		if !errors.As(err, &werr) {
			switch {
			case errors.Is(err, context.Canceled):
				werr = NewError(CodeRequestCancelled, "request cancelled")
			default:
				werr = Errorf(CodeInternalError, "%s", err)
			}
		}
		return errorMessage(msg.ID, werr)
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		return errorMessage(msg.ID, Errorf(CodeInternalError, "failed to marshal result: %s", merr))
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: raw}
}

// invokeHandler calls the handler, converting a panic into an internal
// error so a faulty handler can never take down the engine.
func (p *Protocol) invokeHandler(ctx context.Context, fn RequestHandlerFunc, req *IncomingRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			text := fmt.Sprintf("%v", r)
			if len(text) > 256 {
				text = text[:256]
			}
			p.logger.Error("handler panic",
				slog.String("method", req.Method),
				slog.String("panic", text))
			err = &Error{
				Code:    CodeInternalError,
				Message: "handler panic",
				Data:    map[string]any{"panic": text},
			}
		}
	}()
	return fn(ctx, req)
}

func (p *Protocol) replyRaw(t Transport, msg Message) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.defaultTimeout)
	defer cancel()
	frame := NewFrame(msg)
	frame.Meta = Metadata{ID: msg.ID, Priority: PriorityNormal}
	if err := t.Send(ctx, frame, SendOptions{Priority: PriorityNormal}); err != nil {
		if !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to send reply", slog.String("err", err.Error()))
		}
	}
}

func errorMessage(id RequestID, err *Error) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

type metaCarrier struct {
	Meta ParamsMeta `json:"_meta"`
}

func extractProgressToken(params json.RawMessage) ProgressToken {
	if len(params) == 0 {
		return ProgressToken{}
	}
	var mc metaCarrier
	if err := json.Unmarshal(params, &mc); err != nil {
		return ProgressToken{}
	}
	return mc.Meta.ProgressToken
}

// transportAuthInfo surfaces per-connection authentication carried by
// bindings that have it (the HTTP binding attaches the bearer token).
func transportAuthInfo(t Transport) *AuthInfo {
	if c, ok := t.(interface{ AuthInfo() *AuthInfo }); ok {
		return c.AuthInfo()
	}
	return nil
}
