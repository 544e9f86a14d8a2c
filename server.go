package pmcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ToolHandlerFunc executes one tool call. Domain failures should be returned
// as an error; the dispatch layer reports them to the peer inside the result
// with IsError set, per MCP convention. Structural failures (arguments not
// matching the schema) should be returned as an *Error with
// CodeInvalidParams, which surfaces as a JSON-RPC error instead.
type ToolHandlerFunc func(ctx context.Context, params CallToolParams, sess *ServerSession) (CallToolResult, error)

// ResourceHandlerFunc serves one resources/read call.
type ResourceHandlerFunc func(ctx context.Context, params ReadResourceParams, sess *ServerSession) (ReadResourceResult, error)

// PromptHandlerFunc renders one prompts/get call.
type PromptHandlerFunc func(ctx context.Context, params GetPromptParams, sess *ServerSession) (GetPromptResult, error)

// CompletionHandlerFunc provides completion suggestions for one prompt or
// resource-template argument.
type CompletionHandlerFunc func(ctx context.Context, params CompleteParams) (CompleteResult, error)

// Subscription records a client's interest in updates for one resource URI.
type Subscription struct {
	URI          string
	SubscriberID string
	CreatedAt    time.Time
}

type toolEntry struct {
	tool    Tool
	handler ToolHandlerFunc
}

type resourceEntry struct {
	resource Resource
	handler  ResourceHandlerFunc
}

type templateEntry struct {
	template ResourceTemplate
	handler  ResourceHandlerFunc
}

type promptEntry struct {
	prompt  Prompt
	handler PromptHandlerFunc
}

var defaultServerPageSize = 50

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "pmcp"),
			slog.String("component", "server"),
		)
	}
}

// WithPageSize sets the maximum number of items per list page.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		s.pageSize = n
	}
}

// WithLogging advertises the logging capability and enables the
// notifications/message stream.
func WithLogging() ServerOption {
	return func(s *Server) {
		s.loggingEnabled = true
	}
}

// WithDebounce overrides the debounce configuration for one notification
// method.
func WithDebounce(method string, cfg DebounceConfig) ServerOption {
	return func(s *Server) {
		s.debounceConfigs[method] = cfg
	}
}

// WithServerPingInterval enables a keepalive ping loop per connection. If
// the configured number of consecutive pings fail, the connection is closed.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeoutThreshold sets how many consecutive ping failures
// close the connection.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithStrictServerCapabilities makes server-to-client requests (sampling,
// roots, elicitation) fail locally when the client did not advertise the
// corresponding capability.
func WithStrictServerCapabilities() ServerOption {
	return func(s *Server) {
		s.strictCapabilities = true
	}
}

// WithOnClientConnected sets the callback invoked when a session becomes
// operational.
func WithOnClientConnected(fn func(sess *ServerSession)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = fn
	}
}

// WithOnClientDisconnected sets the callback invoked when a session closes.
func WithOnClientDisconnected(fn func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = fn
	}
}

// WithOnRootsListChanged sets the callback invoked when a client announces
// its root list changed.
func WithOnRootsListChanged(fn func(sess *ServerSession)) ServerOption {
	return func(s *Server) {
		s.onRootsListChanged = fn
	}
}

// Server routes incoming MCP requests to registered tool, prompt, resource,
// and completion handlers; tracks resource subscriptions; and coalesces
// high-churn notifications through a per-connection debouncer.
//
// Registries may be mutated at runtime; every mutation enqueues a debounced
// list-changed notification to each live session. Dispatch takes a snapshot
// of the handler at lookup time, so removal never interrupts a call already
// in flight.
type Server struct {
	info         Info
	instructions string
	logger       *slog.Logger
	pageSize     int

	loggingEnabled       bool
	strictCapabilities   bool
	pingInterval         time.Duration
	pingTimeoutThreshold int

	debounceConfigs map[string]DebounceConfig

	onClientConnected    func(*ServerSession)
	onClientDisconnected func(string)
	onRootsListChanged   func(*ServerSession)

	mu                  sync.RWMutex
	tools               map[string]*toolEntry
	prompts             map[string]*promptEntry
	resources           map[string]*resourceEntry
	templates           map[string]*templateEntry
	promptCompletions   map[string]CompletionHandlerFunc
	resourceCompletions map[string]CompletionHandlerFunc

	sessMu   sync.RWMutex
	sessions map[TransportID]*ServerSession
}

// NewServer creates a Model Context Protocol server with the given identity
// and options. Handlers are registered afterwards with AddTool, AddPrompt,
// AddResource, AddResourceTemplate, and the completion registrations;
// connections are served with Serve.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:                info,
		logger:              slog.Default(),
		debounceConfigs:     make(map[string]DebounceConfig),
		tools:               make(map[string]*toolEntry),
		prompts:             make(map[string]*promptEntry),
		resources:           make(map[string]*resourceEntry),
		templates:           make(map[string]*templateEntry),
		promptCompletions:   make(map[string]CompletionHandlerFunc),
		resourceCompletions: make(map[string]CompletionHandlerFunc),
		sessions:            make(map[TransportID]*ServerSession),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pageSize == 0 {
		s.pageSize = defaultServerPageSize
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = 3
	}
	return s
}

// Capabilities returns the capability record the server advertises, derived
// from its registrations at call time.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := ServerCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &ToolsCapability{ListChanged: true}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &PromptsCapability{ListChanged: true}
	}
	if len(s.resources) > 0 || len(s.templates) > 0 {
		caps.Resources = &ResourcesCapability{Subscribe: true, ListChanged: true}
	}
	if s.loggingEnabled {
		caps.Logging = &LoggingCapability{}
	}
	if len(s.promptCompletions) > 0 || len(s.resourceCompletions) > 0 {
		caps.Completions = &CompletionsCapability{}
	}
	return caps
}

// AddTool registers or replaces a tool and schedules a debounced
// notifications/tools/list_changed to every live session.
func (s *Server) AddTool(tool Tool, handler ToolHandlerFunc) {
	s.mu.Lock()
	s.tools[tool.Name] = &toolEntry{tool: tool, handler: handler}
	s.mu.Unlock()
	s.broadcastListChanged(MethodNotificationsToolsListChanged)
}

// RemoveTool unregisters a tool by name.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	s.mu.Unlock()
	if ok {
		s.broadcastListChanged(MethodNotificationsToolsListChanged)
	}
}

// AddPrompt registers or replaces a prompt.
func (s *Server) AddPrompt(prompt Prompt, handler PromptHandlerFunc) {
	s.mu.Lock()
	s.prompts[prompt.Name] = &promptEntry{prompt: prompt, handler: handler}
	s.mu.Unlock()
	s.broadcastListChanged(MethodNotificationsPromptsListChanged)
}

// RemovePrompt unregisters a prompt by name.
func (s *Server) RemovePrompt(name string) {
	s.mu.Lock()
	_, ok := s.prompts[name]
	delete(s.prompts, name)
	s.mu.Unlock()
	if ok {
		s.broadcastListChanged(MethodNotificationsPromptsListChanged)
	}
}

// AddResource registers or replaces a concrete resource.
func (s *Server) AddResource(resource Resource, handler ResourceHandlerFunc) {
	s.mu.Lock()
	s.resources[resource.URI] = &resourceEntry{resource: resource, handler: handler}
	s.mu.Unlock()
	s.broadcastListChanged(MethodNotificationsResourcesListChanged)
}

// RemoveResource unregisters a resource by URI.
func (s *Server) RemoveResource(uri string) {
	s.mu.Lock()
	_, ok := s.resources[uri]
	delete(s.resources, uri)
	s.mu.Unlock()
	if ok {
		s.broadcastListChanged(MethodNotificationsResourcesListChanged)
	}
}

// AddResourceTemplate registers a URI template; resources/read calls whose
// URI matches the template dispatch to its handler.
func (s *Server) AddResourceTemplate(template ResourceTemplate, handler ResourceHandlerFunc) {
	s.mu.Lock()
	s.templates[template.URITemplate] = &templateEntry{template: template, handler: handler}
	s.mu.Unlock()
	s.broadcastListChanged(MethodNotificationsResourcesListChanged)
}

// RemoveResourceTemplate unregisters a template by its URI template string.
func (s *Server) RemoveResourceTemplate(uriTemplate string) {
	s.mu.Lock()
	_, ok := s.templates[uriTemplate]
	delete(s.templates, uriTemplate)
	s.mu.Unlock()
	if ok {
		s.broadcastListChanged(MethodNotificationsResourcesListChanged)
	}
}

// AddPromptCompletion registers a completion provider for one prompt's
// arguments.
func (s *Server) AddPromptCompletion(promptName string, handler CompletionHandlerFunc) {
	s.mu.Lock()
	s.promptCompletions[promptName] = handler
	s.mu.Unlock()
}

// AddResourceCompletion registers a completion provider for one resource
// template's arguments, keyed by the template URI.
func (s *Server) AddResourceCompletion(templateURI string, handler CompletionHandlerFunc) {
	s.mu.Lock()
	s.resourceCompletions[templateURI] = handler
	s.mu.Unlock()
}

// ResourceUpdated schedules notifications/resources/updated to every
// session subscribed to the URI, through the debouncer.
func (s *Server) ResourceUpdated(uri string) {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	for _, sess := range s.sessions {
		if sess.subscribed(uri) {
			sess.debounce.event(MethodNotificationsResourcesUpdated, uri, ResourceUpdatedParams{URI: uri})
		}
	}
}

// Log streams a log message to every connected session whose minimum
// level admits it. It is a no-op unless WithLogging was set.
func (s *Server) Log(level LogLevel, logger string, data any) {
	if !s.loggingEnabled {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal log data", slog.String("err", err.Error()))
		return
	}
	params := LogParams{Level: level, Logger: logger, Data: raw}

	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	for _, sess := range s.sessions {
		sess.log(params)
	}
}

func (s *Server) broadcastListChanged(method string) {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	for _, sess := range s.sessions {
		sess.debounce.event(method, "", nil)
	}
}

// Serve drives one connection over the given transport, blocking until the
// connection closes or the context is cancelled. It may be called
// concurrently for any number of transports.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	protoOpts := []ProtocolOption{WithProtocolLogger(s.logger)}
	if s.strictCapabilities {
		protoOpts = append(protoOpts, WithStrictCapabilities())
	}
	proto := NewProtocol(SideServer, protoOpts...)

	sess := &ServerSession{
		id:            uuid.New().String(),
		server:        s,
		proto:         proto,
		transportID:   t.ID(),
		createdAt:     time.Now(),
		subscriptions: make(map[string]Subscription),
		minLogLevel:   LogLevelDebug,
	}
	sess.logger = s.logger.With(slog.String("sessionID", sess.id))
	sess.debounce = newDebouncer(func(method string, params any) {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := proto.Notify(nctx, method, params); err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				sess.logger.Warn("failed to send notification",
					slog.String("method", method),
					slog.String("err", err.Error()))
			}
		}
	}, s.debounceConfigs)

	s.registerHandlers(proto, sess)

	s.sessMu.Lock()
	s.sessions[t.ID()] = sess
	s.sessMu.Unlock()

	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, t.ID())
		s.sessMu.Unlock()
		sess.debounce.close()
		if s.onClientDisconnected != nil {
			s.onClientDisconnected(sess.id)
		}
	}()

	if err := proto.Connect(t); err != nil {
		return err
	}

	if s.pingInterval > 0 {
		go sess.ping(s.pingInterval, s.pingTimeoutThreshold)
	}

	select {
	case <-ctx.Done():
		_ = proto.Close()
		<-proto.Done()
		return ctx.Err()
	case <-proto.Done():
		return nil
	}
}

func (s *Server) registerHandlers(proto *Protocol, sess *ServerSession) {
	proto.SetRequestHandler(MethodInitialize, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleInitialize(req, sess)
	})
	proto.SetRequestHandler(MethodToolsList, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleListTools(req)
	})
	proto.SetRequestHandler(MethodToolsCall, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleCallTool(ctx, req, sess)
	})
	proto.SetRequestHandler(MethodPromptsList, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleListPrompts(req)
	})
	proto.SetRequestHandler(MethodPromptsGet, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleGetPrompt(ctx, req, sess)
	})
	proto.SetRequestHandler(MethodResourcesList, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleListResources(req)
	})
	proto.SetRequestHandler(MethodResourcesRead, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleReadResource(ctx, req, sess)
	})
	proto.SetRequestHandler(MethodResourcesTemplatesList, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleListTemplates(req)
	})
	proto.SetRequestHandler(MethodResourcesSubscribe, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleSubscribe(req, sess)
	})
	proto.SetRequestHandler(MethodResourcesUnsubscribe, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleUnsubscribe(req, sess)
	})
	proto.SetRequestHandler(MethodCompletionComplete, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleComplete(ctx, req)
	})
	proto.SetRequestHandler(MethodLoggingSetLevel, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return s.handleSetLogLevel(req, sess)
	})
	proto.SetNotificationHandler(MethodNotificationsInitialized, func(ctx context.Context, params json.RawMessage) {
		if s.onClientConnected != nil {
			s.onClientConnected(sess)
		}
	})
	proto.SetNotificationHandler(MethodNotificationsRootsListChanged, func(ctx context.Context, params json.RawMessage) {
		if s.onRootsListChanged != nil {
			s.onRootsListChanged(sess)
		}
	})
}

func (s *Server) handleInitialize(req *IncomingRequest, sess *ServerSession) (any, error) {
	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}

	sess.proto.beginInitializing()

	version, ok := negotiateVersion(params.ProtocolVersion)
	if !ok {
		return nil, &Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion),
			Data:    supportedVersionsData(),
		}
	}

	sess.mu.Lock()
	sess.clientInfo = params.ClientInfo
	sess.protocolVersion = version
	sess.mu.Unlock()

	caps := params.Capabilities
	sess.proto.completeInitialize(version, nil, &caps)

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.Capabilities(),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleListTools(req *IncomingRequest) (any, error) {
	var params ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
		}
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	page, next, err := paginate(names, params.Cursor, s.pageSize)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	tools := make([]Tool, 0, len(page))
	for _, name := range page {
		tools = append(tools, s.tools[name].tool)
	}
	s.mu.RUnlock()

	return ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (s *Server) handleCallTool(ctx context.Context, req *IncomingRequest, sess *ServerSession) (any, error) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}

	s.mu.RLock()
	entry, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "tool %q not found", params.Name)
	}

	sess.setActiveRequest(req)
	defer sess.clearActiveRequest(req)

	result, err := entry.handler(ctx, params, sess)
	if err != nil {
		var werr *Error
		if errors.As(err, &werr) && werr.Code == CodeInvalidParams {
			// Structural failure: the arguments do not match the tool's
			// schema. Reported as a protocol error, not a tool error.
			return nil, werr
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return CallToolResult{
			Content: []Content{TextContent(err.Error())},
			IsError: true,
		}, nil
	}
	return result, nil
}

func (s *Server) handleListPrompts(req *IncomingRequest) (any, error) {
	var params ListPromptsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
		}
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.prompts))
	for name := range s.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	page, next, err := paginate(names, params.Cursor, s.pageSize)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	prompts := make([]Prompt, 0, len(page))
	for _, name := range page {
		prompts = append(prompts, s.prompts[name].prompt)
	}
	s.mu.RUnlock()

	return ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, req *IncomingRequest, sess *ServerSession) (any, error) {
	var params GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}

	s.mu.RLock()
	entry, ok := s.prompts[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "prompt %q not found", params.Name)
	}

	missing := missingArguments(entry.prompt, params.Arguments)
	if len(missing) > 0 {
		return nil, Errorf(CodeInvalidParams, "missing required arguments: %s", strings.Join(missing, ", "))
	}

	sess.setActiveRequest(req)
	defer sess.clearActiveRequest(req)

	result, err := entry.handler(ctx, params, sess)
	if err != nil {
		var werr *Error
		if errors.As(err, &werr) {
			return nil, werr
		}
		return nil, Errorf(CodeInternalError, "failed to get prompt: %s", err)
	}
	return result, nil
}

func (s *Server) handleListResources(req *IncomingRequest) (any, error) {
	var params ListResourcesParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
		}
	}

	s.mu.RLock()
	uris := make([]string, 0, len(s.resources))
	for uri := range s.resources {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	page, next, err := paginate(uris, params.Cursor, s.pageSize)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	resources := make([]Resource, 0, len(page))
	for _, uri := range page {
		resources = append(resources, s.resources[uri].resource)
	}
	s.mu.RUnlock()

	return ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (s *Server) handleReadResource(ctx context.Context, req *IncomingRequest, sess *ServerSession) (any, error) {
	var params ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}

	handler := s.resolveResourceHandler(params.URI)
	if handler == nil {
		return nil, Errorf(CodeResourceNotFound, "resource %q not found", params.URI)
	}

	sess.setActiveRequest(req)
	defer sess.clearActiveRequest(req)

	result, err := handler(ctx, params, sess)
	if err != nil {
		var werr *Error
		if errors.As(err, &werr) {
			return nil, werr
		}
		return nil, Errorf(CodeInternalError, "failed to read resource: %s", err)
	}
	return result, nil
}

// resolveResourceHandler dispatches by URI: exact resource match first, then
// the registered URI templates.
func (s *Server) resolveResourceHandler(uri string) ResourceHandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.resources[uri]; ok {
		return entry.handler
	}
	for _, entry := range s.templates {
		if matchURITemplate(entry.template.URITemplate, uri) {
			return entry.handler
		}
	}
	return nil
}

func (s *Server) handleListTemplates(req *IncomingRequest) (any, error) {
	var params ListResourceTemplatesParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
		}
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.templates))
	for key := range s.templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	page, next, err := paginate(keys, params.Cursor, s.pageSize)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	templates := make([]ResourceTemplate, 0, len(page))
	for _, key := range page {
		templates = append(templates, s.templates[key].template)
	}
	s.mu.RUnlock()

	return ListResourceTemplatesResult{Templates: templates, NextCursor: next}, nil
}

func (s *Server) handleSubscribe(req *IncomingRequest, sess *ServerSession) (any, error) {
	var params SubscribeResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}
	sess.mu.Lock()
	sess.subscriptions[params.URI] = Subscription{
		URI:          params.URI,
		SubscriberID: sess.id,
		CreatedAt:    time.Now(),
	}
	sess.mu.Unlock()
	return struct{}{}, nil
}

func (s *Server) handleUnsubscribe(req *IncomingRequest, sess *ServerSession) (any, error) {
	var params UnsubscribeResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}
	sess.mu.Lock()
	delete(sess.subscriptions, params.URI)
	sess.mu.Unlock()
	return struct{}{}, nil
}

func (s *Server) handleComplete(ctx context.Context, req *IncomingRequest) (any, error) {
	var params CompleteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}

	var handler CompletionHandlerFunc
	s.mu.RLock()
	switch params.Ref.Type {
	case CompletionRefPrompt:
		handler = s.promptCompletions[params.Ref.Name]
	case CompletionRefResource:
		handler = s.resourceCompletions[params.Ref.URI]
	default:
		s.mu.RUnlock()
		return nil, Errorf(CodeInvalidParams, "unknown completion ref type %q", params.Ref.Type)
	}
	s.mu.RUnlock()

	if handler == nil {
		// No provider registered: the argument simply has no suggestions.
		return CompleteResult{Completion: CompletionValues{Values: []string{}}}, nil
	}

	result, err := handler(ctx, params)
	if err != nil {
		var werr *Error
		if errors.As(err, &werr) {
			return nil, werr
		}
		return nil, Errorf(CodeInternalError, "failed to complete: %s", err)
	}
	return result, nil
}

func (s *Server) handleSetLogLevel(req *IncomingRequest, sess *ServerSession) (any, error) {
	if !s.loggingEnabled {
		return nil, NewError(CodeMethodNotFound, "logging not supported by server")
	}
	var params SetLogLevelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
	}
	sess.mu.Lock()
	sess.minLogLevel = params.Level
	sess.mu.Unlock()
	return struct{}{}, nil
}

// ServerSession is the server's view of one client connection: its identity,
// subscriptions, log level, and the reverse channel for server-to-client
// requests.
type ServerSession struct {
	id          string
	server      *Server
	proto       *Protocol
	transportID TransportID
	logger      *slog.Logger
	debounce    *debouncer
	createdAt   time.Time

	mu              sync.Mutex
	clientInfo      Info
	protocolVersion string
	subscriptions   map[string]Subscription
	minLogLevel     LogLevel
	activeRequest   *IncomingRequest
}

// ID returns the session's unique identifier.
func (sess *ServerSession) ID() string { return sess.id }

// ClientInfo returns the identity the client sent during initialize.
func (sess *ServerSession) ClientInfo() Info {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.clientInfo
}

// ProtocolVersion returns the version negotiated with this client.
func (sess *ServerSession) ProtocolVersion() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.protocolVersion
}

// Subscriptions returns the session's active resource subscriptions.
func (sess *ServerSession) Subscriptions() []Subscription {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Subscription, 0, len(sess.subscriptions))
	for _, sub := range sess.subscriptions {
		out = append(out, sub)
	}
	return out
}

func (sess *ServerSession) subscribed(uri string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, ok := sess.subscriptions[uri]
	return ok
}

func (sess *ServerSession) setActiveRequest(req *IncomingRequest) {
	sess.mu.Lock()
	sess.activeRequest = req
	sess.mu.Unlock()
}

func (sess *ServerSession) clearActiveRequest(req *IncomingRequest) {
	sess.mu.Lock()
	if sess.activeRequest == req {
		sess.activeRequest = nil
	}
	sess.mu.Unlock()
}

// ReportProgress emits notifications/progress for the request currently
// being served on this session, when the client attached a progress token.
func (sess *ServerSession) ReportProgress(ctx context.Context, progress, total float64, message string) {
	sess.mu.Lock()
	req := sess.activeRequest
	sess.mu.Unlock()
	if req != nil {
		req.ReportProgress(ctx, progress, total, message)
	}
}

// CreateMessage asks the client to sample from its language model. Requires
// the client to have advertised the sampling capability.
func (sess *ServerSession) CreateMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	raw, err := sess.proto.Request(ctx, MethodSamplingCreateMessage, params)
	if err != nil {
		return SamplingResult{}, err
	}
	var result SamplingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SamplingResult{}, Errorf(CodeInternalError, "failed to unmarshal sampling result: %s", err)
	}
	return result, nil
}

// ListRoots asks the client for its root list. Requires the client to have
// advertised the roots capability.
func (sess *ServerSession) ListRoots(ctx context.Context) (RootList, error) {
	raw, err := sess.proto.Request(ctx, MethodRootsList, nil)
	if err != nil {
		return RootList{}, err
	}
	var result RootList
	if err := json.Unmarshal(raw, &result); err != nil {
		return RootList{}, Errorf(CodeInternalError, "failed to unmarshal roots list: %s", err)
	}
	return result, nil
}

// Elicit asks the client to collect input from the user. Requires the
// client to have advertised the elicitation capability.
func (sess *ServerSession) Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error) {
	raw, err := sess.proto.Request(ctx, MethodElicitationCreate, params)
	if err != nil {
		return ElicitResult{}, err
	}
	var result ElicitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ElicitResult{}, Errorf(CodeInternalError, "failed to unmarshal elicit result: %s", err)
	}
	return result, nil
}

// Ping checks connection liveness.
func (sess *ServerSession) Ping(ctx context.Context) error {
	_, err := sess.proto.Request(ctx, MethodPing, nil)
	return err
}

// log delivers one log entry to this session, subject to its minimum level.
func (sess *ServerSession) log(params LogParams) {
	sess.mu.Lock()
	min := sess.minLogLevel
	sess.mu.Unlock()
	if params.Level.Severity() < min.Severity() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.proto.Notify(ctx, MethodNotificationsMessage, params); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			sess.logger.Warn("failed to send log message", slog.String("err", err.Error()))
		}
	}
}

// ping closes the session after threshold consecutive keepalive failures.
func (sess *ServerSession) ping(interval time.Duration, threshold int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failed := 0
	for {
		select {
		case <-sess.proto.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		_, err := sess.proto.Request(ctx, MethodPing, nil)
		cancel()
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			failed++
			sess.logger.Warn("ping failed", slog.Int("consecutive", failed))
			if failed >= threshold {
				sess.logger.Warn("too many pings failed, closing session")
				_ = sess.proto.Close()
				return
			}
			continue
		}
		failed = 0
	}
}

// paginate slices a sorted key list by opaque cursor. The cursor encodes
// the last key of the previous page.
func paginate(sorted []string, cursor string, pageSize int) ([]string, string, error) {
	start := 0
	if cursor != "" {
		lastKey, err := base64.StdEncoding.DecodeString(cursor)
		if err != nil {
			return nil, "", NewError(CodeInvalidParams, "invalid cursor")
		}
		start = sort.SearchStrings(sorted, string(lastKey))
		if start < len(sorted) && sorted[start] == string(lastKey) {
			start++
		}
	}
	if start >= len(sorted) {
		return nil, "", nil
	}
	end := start + pageSize
	if end >= len(sorted) {
		return sorted[start:], "", nil
	}
	next := base64.StdEncoding.EncodeToString([]byte(sorted[end-1]))
	return sorted[start:end], next, nil
}

func missingArguments(prompt Prompt, args map[string]string) []string {
	var missing []string
	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			missing = append(missing, arg.Name)
		}
	}
	return missing
}

// matchURITemplate reports whether a URI matches an RFC 6570-style level-1
// template, e.g. "file:///{path}" or "db://{table}/{id}".
func matchURITemplate(template, uri string) bool {
	ti, ui := 0, 0
	for ti < len(template) {
		if template[ti] == '{' {
			close := strings.IndexByte(template[ti:], '}')
			if close < 0 {
				return false
			}
			ti += close + 1
			// The variable consumes up to the next literal character.
			var next byte
			if ti < len(template) {
				next = template[ti]
			}
			matched := false
			for ui < len(uri) {
				if next != 0 && uri[ui] == next {
					matched = true
					break
				}
				if uri[ui] == '/' && next != '/' && next != 0 {
					return false
				}
				ui++
				matched = true
			}
			if !matched {
				return false
			}
			continue
		}
		if ui >= len(uri) || template[ti] != uri[ui] {
			return false
		}
		ti++
		ui++
	}
	return ui == len(uri)
}
