package pmcp

import (
	"encoding/json"
	"sort"
)

// Protocol versions. Negotiation picks the highest version both sides
// support; date-shaped version strings compare lexicographically.
const (
	// LatestProtocolVersion is the most recent protocol revision this SDK
	// implements, and what clients offer by default.
	LatestProtocolVersion = "2025-06-18"
	// DefaultProtocolVersion is assumed for stateless HTTP requests served
	// without an initialize handshake.
	DefaultProtocolVersion = "2025-03-26"
)

// SupportedProtocolVersions lists every protocol revision this SDK accepts,
// oldest first.
var SupportedProtocolVersions = []string{
	"2024-10-07",
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
}

// negotiateVersion picks the version to answer an initialize carrying the
// client's preferred version: the preferred version itself when this SDK
// supports it, otherwise the highest supported version older than it. A
// preferred version newer than LatestProtocolVersion is refused rather than
// downgraded. The second result is false when no supported version qualifies
// or the version is refused, in which case the server reports the supported
// set to the client.
func negotiateVersion(preferred string) (string, bool) {
	best := ""
	for _, v := range SupportedProtocolVersions {
		if v == preferred {
			return v, true
		}
		if v < preferred && v > best {
			best = v
		}
	}
	if preferred > LatestProtocolVersion {
		// A future version the SDK has never seen: refuse rather than
		// silently downgrade, reporting what is supported.
		return "", false
	}
	return best, best != ""
}

func supportedVersionsData() map[string]any {
	vs := make([]string, len(SupportedProtocolVersions))
	copy(vs, SupportedProtocolVersions)
	sort.Strings(vs)
	return map[string]any{"supported": vs}
}

// Method names in the MCP namespace.
const (
	// MethodInitialize begins the handshake.
	MethodInitialize = "initialize"
	// MethodPing is the liveness check; either side may send it at any time.
	MethodPing = "ping"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by name.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList is the method name for listing available resource templates.
	MethodResourcesTemplatesList = "resources/templates/list"
	// MethodResourcesSubscribe is the method name for subscribing to resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe is the method name for unsubscribing from resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodRootsList is the method name for retrieving the client's root list.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage asks the client to sample from its model.
	MethodSamplingCreateMessage = "sampling/createMessage"
	// MethodElicitationCreate asks the client to elicit input from the user.
	MethodElicitationCreate = "elicitation/create"

	// MethodCompletionComplete is the method name for requesting completion suggestions.
	MethodCompletionComplete = "completion/complete"

	// MethodLoggingSetLevel sets the minimum severity for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	// MethodNotificationsInitialized completes the handshake.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled requests cooperative cancellation of an
	// in-flight request.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsProgress reports progress for a long-running request.
	MethodNotificationsProgress = "notifications/progress"
	// MethodNotificationsMessage streams a log message to the client.
	MethodNotificationsMessage = "notifications/message"
	// MethodNotificationsPromptsListChanged signals the prompt list changed.
	MethodNotificationsPromptsListChanged = "notifications/prompts/list_changed"
	// MethodNotificationsResourcesListChanged signals the resource list changed.
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	// MethodNotificationsResourcesUpdated signals a subscribed resource changed.
	MethodNotificationsResourcesUpdated = "notifications/resources/updated"
	// MethodNotificationsToolsListChanged signals the tool list changed.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"
	// MethodNotificationsRootsListChanged signals the client's root list changed.
	MethodNotificationsRootsListChanged = "notifications/roots/list_changed"
)

// ServerCapabilities advertises the optional feature blocks a server supports.
type ServerCapabilities struct {
	Prompts      *PromptsCapability     `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Logging      *LoggingCapability     `json:"logging,omitempty"`
	Completions  *CompletionsCapability `json:"completions,omitempty"`
	Experimental map[string]any         `json:"experimental,omitempty"`
}

// ClientCapabilities advertises the optional feature blocks a client supports.
type ClientCapabilities struct {
	Roots        *RootsCapability       `json:"roots,omitempty"`
	Sampling     *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapability `json:"elicitation,omitempty"`
	Experimental map[string]any         `json:"experimental,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// CompletionsCapability represents completion-specific capabilities.
type CompletionsCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// ElicitationCapability represents elicitation-specific capabilities.
type ElicitationCapability struct{}

// Info contains metadata about a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ParamsMeta is the request metadata block carried under _meta. Unknown keys
// are relayed untouched by the codec; the engine only interprets the
// progress token.
type ParamsMeta struct {
	// ProgressToken uniquely identifies an operation for progress tracking.
	// When provided, the receiver may emit notifications/progress carrying
	// the same token.
	ProgressToken ProgressToken `json:"progressToken,omitempty"`
}

// InitializeParams is sent by the client to begin the handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// CancelledParams carries a cooperative cancellation request for a
// previously issued request.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ProgressParams reports the progress of a long-running operation.
type ProgressParams struct {
	// ProgressToken correlates this update with the originating request.
	ProgressToken ProgressToken `json:"progressToken"`
	// Progress is the current progress value. It should increase with every
	// update even when the total is unknown.
	Progress float64 `json:"progress"`
	// Total is the expected final value when known; zero means unknown.
	Total float64 `json:"total,omitempty"`
	// Message optionally describes the current step.
	Message string `json:"message,omitempty"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is an optional pagination cursor from a previous list call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptsResult is a paginated list of prompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	// Name is the unique identifier of the prompt to retrieve.
	Name string `json:"name"`

	// Arguments maps argument names to values. Must satisfy the required
	// arguments declared on the prompt.
	Arguments map[string]string `json:"arguments,omitempty"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// GetPromptResult is the rendered prompt.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult is a paginated list of resources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for reading a specific resource.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to read.
	URI string `json:"uri"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult is the content of a read resource.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams contains parameters for listing resource templates.
type ListResourceTemplatesParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListResourceTemplatesResult is the list of resource templates.
type ListResourceTemplatesResult struct {
	Templates  []ResourceTemplate `json:"resourceTemplates"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// SubscribeResourceParams contains parameters for subscribing to a resource.
type SubscribeResourceParams struct {
	// URI must match the URI used in resources/read calls.
	URI string `json:"uri"`
}

// UnsubscribeResourceParams contains parameters for unsubscribing from a resource.
type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams notifies a subscriber that a resource changed.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult is a paginated list of tools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs. Must satisfy
	// the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult is the outcome of a tool invocation. IsError reports a
// domain failure, with details in Content; protocol-level failures are
// JSON-RPC errors instead.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// RootList is the client's collection of root resources.
type RootList struct {
	Roots []Root `json:"roots"`
}

// Root represents a root directory or file that the server can operate on.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// LogParams is the payload of a notifications/message log stream entry.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level LogLevel `json:"level"`
	// Logger identifies the source component that generated the message.
	Logger string `json:"logger,omitempty"`
	// Data contains the message content and any structured metadata.
	Data json.RawMessage `json:"data"`
}

// SetLogLevelParams sets the minimum severity for the log stream.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the
// prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage represents a message in a rendered prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Role values.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType represents the type of content in messages.
type ContentType string

// ContentType values.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// Content represents a message content block with its type.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// TextContent returns a text content block.
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// Annotations inform the client how objects are used or displayed.
type Annotations struct {
	// Audience describes who the intended consumer of this object is. It
	// can include multiple entries to indicate content useful for multiple
	// audiences.
	Audience []Role `json:"audience,omitempty"`
	// Priority describes how important this data is, from 0 (entirely
	// optional) to 1 (effectively required).
	Priority float64 `json:"priority,omitempty"`
}

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// Resource represents a content resource with associated metadata.
type Resource struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Size        int64        `json:"size,omitempty"`
}

// ResourceTemplate defines a URI template for a family of resources.
type ResourceTemplate struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for tools/call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CompleteParams contains parameters for requesting completion suggestions
// for a prompt or resource-template argument.
type CompleteParams struct {
	// Ref identifies what is being completed.
	Ref CompletionRef `json:"ref"`
	// Argument specifies which argument needs completion suggestions.
	Argument CompletionArgument `json:"argument"`
}

// CompleteResult contains possible completion values and whether more are
// available.
type CompleteResult struct {
	Completion CompletionValues `json:"completion"`
}

// CompletionValues is the inner payload of a completion result.
type CompletionValues struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompletionRef types.
const (
	// CompletionRefPrompt is used in CompletionRef.Type for prompt argument completion.
	CompletionRefPrompt = "ref/prompt"
	// CompletionRefResource is used in CompletionRef.Type for resource template argument completion.
	CompletionRefResource = "ref/resource"
)

// CompletionRef identifies what is being completed in a completion request.
// Type must be "ref/prompt" (Name set) or "ref/resource" (URI set).
type CompletionRef struct {
	Type string `json:"type"`
	// Name contains the prompt name when Type is "ref/prompt".
	Name string `json:"name,omitempty"`
	// URI contains the resource template URI when Type is "ref/resource".
	URI string `json:"uri,omitempty"`
}

// CompletionArgument names the argument being completed and its partial value.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SamplingParams asks the client to generate a model response from the
// given conversation history.
type SamplingParams struct {
	// Messages contains the conversation history.
	Messages []SamplingMessage `json:"messages"`

	// ModelPreferences controls model selection through cost, speed, and
	// intelligence priorities.
	ModelPreferences SamplingModelPreferences `json:"modelPreferences,omitempty"`

	// SystemPrompt provides system-level instructions for the model.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// MaxTokens caps the generated response length.
	MaxTokens int `json:"maxTokens"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// SamplingModelPreferences guides model selection. Priorities range from 0
// (unimportant) to 1 (most important).
type SamplingModelPreferences struct {
	Hints []SamplingModelHint `json:"hints,omitempty"`

	CostPriority         float64 `json:"costPriority,omitempty"`
	SpeedPriority        float64 `json:"speedPriority,omitempty"`
	IntelligencePriority float64 `json:"intelligencePriority,omitempty"`
}

// SamplingModelHint is a substring hint for model selection.
type SamplingModelHint struct {
	Name string `json:"name"`
}

// SamplingResult is the client's generated message.
type SamplingResult struct {
	Role       Role    `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stopReason,omitempty"`
}

// ElicitParams asks the client to collect input from the user.
type ElicitParams struct {
	// Message is shown to the user to explain what is being requested.
	Message string `json:"message"`
	// RequestedSchema is a JSON Schema describing the expected response
	// shape.
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

// ElicitResult is the client's answer to an elicitation request.
type ElicitResult struct {
	// Action is "accept", "decline", or "cancel".
	Action string `json:"action"`
	// Content holds the collected values when Action is "accept".
	Content json.RawMessage `json:"content,omitempty"`
}

// LogLevel represents the severity level of log messages, following the
// syslog severities of RFC 5424.
type LogLevel string

// LogLevel values, least to most severe.
const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

var logSeverity = map[LogLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

// Severity returns the numeric rank of the level; unknown levels rank as
// debug.
func (l LogLevel) Severity() int { return logSeverity[l] }
