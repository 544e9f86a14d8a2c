package pmcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// RootsHandler serves roots/list requests issued by the server. Registering
// one advertises the roots capability.
type RootsHandler interface {
	// ListRoots returns the client's root list.
	ListRoots(ctx context.Context) (RootList, error)
}

// SamplingHandler serves sampling/createMessage requests issued by the
// server. Registering one advertises the sampling capability.
type SamplingHandler interface {
	// CreateMessage generates a model response for the given conversation.
	CreateMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// ElicitationHandler serves elicitation/create requests issued by the
// server. Registering one advertises the elicitation capability.
type ElicitationHandler interface {
	// Elicit collects input from the user.
	Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error)
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// WithRootsHandler sets the roots handler for the client.
func WithRootsHandler(handler RootsHandler) ClientOption {
	return func(c *Client) {
		c.rootsHandler = handler
	}
}

// WithSamplingHandler sets the sampling handler for the client.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithElicitationHandler sets the elicitation handler for the client.
func WithElicitationHandler(handler ElicitationHandler) ClientOption {
	return func(c *Client) {
		c.elicitationHandler = handler
	}
}

// WithOnToolListChanged sets the callback for notifications/tools/list_changed.
func WithOnToolListChanged(fn func()) ClientOption {
	return func(c *Client) {
		c.onToolListChanged = fn
	}
}

// WithOnPromptListChanged sets the callback for notifications/prompts/list_changed.
func WithOnPromptListChanged(fn func()) ClientOption {
	return func(c *Client) {
		c.onPromptListChanged = fn
	}
}

// WithOnResourceListChanged sets the callback for notifications/resources/list_changed.
func WithOnResourceListChanged(fn func()) ClientOption {
	return func(c *Client) {
		c.onResourceListChanged = fn
	}
}

// WithOnResourceUpdated sets the callback for notifications/resources/updated.
func WithOnResourceUpdated(fn func(uri string)) ClientOption {
	return func(c *Client) {
		c.onResourceUpdated = fn
	}
}

// WithOnLogMessage sets the callback for notifications/message.
func WithOnLogMessage(fn func(params LogParams)) ClientOption {
	return func(c *Client) {
		c.onLogMessage = fn
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "pmcp"),
			slog.String("component", "client"),
		)
	}
}

// WithClientTimeout sets the default per-request timeout.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.defaultTimeout = d
	}
}

// WithClientInitializeTimeout sets the timeout for the initialize handshake.
func WithClientInitializeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.initializeTimeout = d
	}
}

// WithStrictClientCapabilities makes client requests fail locally, without
// touching the wire, when the server did not advertise the capability the
// method family requires.
func WithStrictClientCapabilities() ClientOption {
	return func(c *Client) {
		c.strictCapabilities = true
	}
}

// WithProtocolVersion overrides the protocol version offered during
// initialize. Defaults to LatestProtocolVersion.
func WithProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.preferredVersion = version
	}
}

// Client implements a Model Context Protocol client. It drives one protocol
// engine over one transport, performs the initialize handshake, and exposes
// typed wrappers for the server's operations.
//
// A Client must be created with NewClient and connected with Connect before
// use, and closed with Close when no longer needed.
type Client struct {
	info      Info
	transport Transport
	logger    *slog.Logger

	rootsHandler       RootsHandler
	samplingHandler    SamplingHandler
	elicitationHandler ElicitationHandler

	onToolListChanged     func()
	onPromptListChanged   func()
	onResourceListChanged func()
	onResourceUpdated     func(uri string)
	onLogMessage          func(params LogParams)

	defaultTimeout     time.Duration
	initializeTimeout  time.Duration
	strictCapabilities bool
	preferredVersion   string

	proto *Protocol

	mu           sync.Mutex
	serverInfo   Info
	serverCaps   ServerCapabilities
	instructions string
}

// NewClient creates a Model Context Protocol client with the given identity
// and transport. The client is not connected until Connect is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.preferredVersion == "" {
		c.preferredVersion = LatestProtocolVersion
	}

	protoOpts := []ProtocolOption{WithProtocolLogger(c.logger)}
	if c.defaultTimeout > 0 {
		protoOpts = append(protoOpts, WithDefaultTimeout(c.defaultTimeout))
	}
	if c.initializeTimeout > 0 {
		protoOpts = append(protoOpts, WithInitializeTimeout(c.initializeTimeout))
	}
	if c.strictCapabilities {
		protoOpts = append(protoOpts, WithStrictCapabilities())
	}
	c.proto = NewProtocol(SideClient, protoOpts...)
	c.registerHandlers()
	return c
}

// Capabilities returns the capability record the client advertises, derived
// from its registered handlers.
func (c *Client) Capabilities() ClientCapabilities {
	caps := ClientCapabilities{}
	if c.rootsHandler != nil {
		caps.Roots = &RootsCapability{}
	}
	if c.samplingHandler != nil {
		caps.Sampling = &SamplingCapability{}
	}
	if c.elicitationHandler != nil {
		caps.Elicitation = &ElicitationCapability{}
	}
	return caps
}

// Connect binds the engine to the transport and performs the initialize
// handshake: initialize request, version check, then the initialized
// notification. On version mismatch the connection is closed and the
// server's error, listing its supported versions, is returned.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.proto.Connect(c.transport); err != nil {
		return err
	}

	params := InitializeParams{
		ProtocolVersion: c.preferredVersion,
		Capabilities:    c.Capabilities(),
		ClientInfo:      c.info,
	}
	raw, err := c.proto.Request(ctx, MethodInitialize, params)
	if err != nil {
		_ = c.proto.Close()
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = c.proto.Close()
		return Errorf(CodeInternalError, "failed to unmarshal initialize result: %s", err)
	}

	if !isSupportedVersion(result.ProtocolVersion) || result.ProtocolVersion > c.preferredVersion {
		_ = c.proto.Close()
		return Errorf(CodeInvalidRequest, "server negotiated unsupported protocol version %q", result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	if err := c.proto.Notify(ctx, MethodNotificationsInitialized, struct{}{}); err != nil {
		_ = c.proto.Close()
		return err
	}

	caps := result.Capabilities
	c.proto.completeInitialize(result.ProtocolVersion, &caps, nil)
	return nil
}

// Close tears down the connection. Pending requests fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	return c.proto.Close()
}

// Done returns a channel closed when the connection has shut down.
func (c *Client) Done() <-chan struct{} { return c.proto.Done() }

// ServerInfo returns the server identity received during initialize.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// Instructions returns the server's usage instructions, if any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// NegotiatedVersion returns the protocol version agreed with the server.
func (c *Client) NegotiatedVersion() string {
	return c.proto.NegotiatedVersion()
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.proto.Request(ctx, MethodPing, nil)
	return err
}

// ListTools retrieves one page of the server's tools.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams, options ...RequestOption) (ListToolsResult, error) {
	return typedRequest[ListToolsResult](ctx, c, MethodToolsList, params, options...)
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, params CallToolParams, options ...RequestOption) (CallToolResult, error) {
	return typedRequest[CallToolResult](ctx, c, MethodToolsCall, params, options...)
}

// ListPrompts retrieves one page of the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams, options ...RequestOption) (ListPromptsResult, error) {
	return typedRequest[ListPromptsResult](ctx, c, MethodPromptsList, params, options...)
}

// GetPrompt retrieves a rendered prompt by name.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams, options ...RequestOption) (GetPromptResult, error) {
	return typedRequest[GetPromptResult](ctx, c, MethodPromptsGet, params, options...)
}

// ListResources retrieves one page of the server's resources.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams, options ...RequestOption) (ListResourcesResult, error) {
	return typedRequest[ListResourcesResult](ctx, c, MethodResourcesList, params, options...)
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams, options ...RequestOption) (ReadResourceResult, error) {
	return typedRequest[ReadResourceResult](ctx, c, MethodResourcesRead, params, options...)
}

// ListResourceTemplates retrieves the server's resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams, options ...RequestOption) (ListResourceTemplatesResult, error) {
	return typedRequest[ListResourceTemplatesResult](ctx, c, MethodResourcesTemplatesList, params, options...)
}

// SubscribeResource subscribes to update notifications for a resource URI.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	_, err := c.proto.Request(ctx, MethodResourcesSubscribe, params)
	return err
}

// UnsubscribeResource removes a resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	_, err := c.proto.Request(ctx, MethodResourcesUnsubscribe, params)
	return err
}

// Complete requests completion suggestions for a prompt or resource
// template argument.
func (c *Client) Complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	return typedRequest[CompleteResult](ctx, c, MethodCompletionComplete, params)
}

// SetLogLevel sets the minimum severity of the server's log stream.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	_, err := c.proto.Request(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level})
	return err
}

// RootsListChanged notifies the server that the client's root list changed.
func (c *Client) RootsListChanged(ctx context.Context) error {
	return c.proto.Notify(ctx, MethodNotificationsRootsListChanged, nil)
}

// Cancel emits notifications/cancelled for an in-flight request. Most
// callers cancel through the request context instead; this is for explicit
// protocol-level cancellation with a reason.
func (c *Client) Cancel(ctx context.Context, id RequestID, reason string) error {
	return c.proto.Notify(ctx, MethodNotificationsCancelled, CancelledParams{RequestID: id, Reason: reason})
}

func typedRequest[T any](ctx context.Context, c *Client, method string, params any, options ...RequestOption) (T, error) {
	var result T
	raw, err := c.proto.Request(ctx, method, params, options...)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, Errorf(CodeInternalError, "failed to unmarshal %s result: %s", method, err)
	}
	return result, nil
}

func (c *Client) registerHandlers() {
	if c.rootsHandler != nil {
		c.proto.SetRequestHandler(MethodRootsList, func(ctx context.Context, req *IncomingRequest) (any, error) {
			return c.rootsHandler.ListRoots(ctx)
		})
	}
	if c.samplingHandler != nil {
		c.proto.SetRequestHandler(MethodSamplingCreateMessage, func(ctx context.Context, req *IncomingRequest) (any, error) {
			var params SamplingParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
			}
			return c.samplingHandler.CreateMessage(ctx, params)
		})
	}
	if c.elicitationHandler != nil {
		c.proto.SetRequestHandler(MethodElicitationCreate, func(ctx context.Context, req *IncomingRequest) (any, error) {
			var params ElicitParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
			}
			return c.elicitationHandler.Elicit(ctx, params)
		})
	}

	if c.onToolListChanged != nil {
		c.proto.SetNotificationHandler(MethodNotificationsToolsListChanged, func(ctx context.Context, params json.RawMessage) {
			c.onToolListChanged()
		})
	}
	if c.onPromptListChanged != nil {
		c.proto.SetNotificationHandler(MethodNotificationsPromptsListChanged, func(ctx context.Context, params json.RawMessage) {
			c.onPromptListChanged()
		})
	}
	if c.onResourceListChanged != nil {
		c.proto.SetNotificationHandler(MethodNotificationsResourcesListChanged, func(ctx context.Context, params json.RawMessage) {
			c.onResourceListChanged()
		})
	}
	if c.onResourceUpdated != nil {
		c.proto.SetNotificationHandler(MethodNotificationsResourcesUpdated, func(ctx context.Context, params json.RawMessage) {
			var p ResourceUpdatedParams
			if err := json.Unmarshal(params, &p); err != nil {
				c.logger.Warn("invalid resources/updated params", slog.String("err", err.Error()))
				return
			}
			c.onResourceUpdated(p.URI)
		})
	}
	if c.onLogMessage != nil {
		c.proto.SetNotificationHandler(MethodNotificationsMessage, func(ctx context.Context, params json.RawMessage) {
			var p LogParams
			if err := json.Unmarshal(params, &p); err != nil {
				c.logger.Warn("invalid log params", slog.String("err", err.Error()))
				return
			}
			c.onLogMessage(p)
		})
	}
}

func isSupportedVersion(version string) bool {
	for _, v := range SupportedProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}
