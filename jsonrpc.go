package pmcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
const JSONRPCVersion = "2.0"

// DefaultMaxFrameSize is the default upper bound on a serialized frame.
const DefaultMaxFrameSize = 4 << 20

type idKind uint8

const (
	idAbsent idKind = iota
	idNumber
	idString
)

// RequestID identifies a request-response pair. Per the JSON-RPC 2.0
// specification an id is either a number or a string; the zero RequestID
// means "no id" (a notification). The numeric or string kind observed on the
// wire is preserved exactly when the id is echoed back.
//
// RequestID is comparable and can be used as a map key.
type RequestID struct {
	kind idKind
	num  int64
	str  string
}

// NewIntRequestID returns a numeric RequestID.
func NewIntRequestID(n int64) RequestID { return RequestID{kind: idNumber, num: n} }

// NewStringRequestID returns a string RequestID.
func NewStringRequestID(s string) RequestID { return RequestID{kind: idString, str: s} }

// IsValid reports whether the id is present (requests and responses carry a
// valid id; notifications do not).
func (id RequestID) IsValid() bool { return id.kind != idAbsent }

// IsString reports whether the id is the string kind.
func (id RequestID) IsString() bool { return id.kind == idString }

// Int returns the numeric value of the id. It is only meaningful when the id
// is the numeric kind.
func (id RequestID) Int() int64 { return id.num }

// String returns a human-readable rendering of the id. Both kinds render to
// their natural text form; an absent id renders as the empty string.
func (id RequestID) String() string {
	switch id.kind {
	case idNumber:
		return fmt.Sprintf("%d", id.num)
	case idString:
		return id.str
	default:
		return ""
	}
}

// MarshalJSON encodes numeric ids as JSON numbers and string ids as JSON
// strings, never converting between the two kinds.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return json.Marshal(id.num)
	case idString:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a JSON number or string into a RequestID, preserving
// the kind found on the wire.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = RequestID{}
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v := v.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil || f != math.Trunc(f) {
				return fmt.Errorf("invalid request id %q: not an integer", v.String())
			}
			n = int64(f)
		}
		*id = RequestID{kind: idNumber, num: n}
	case string:
		*id = RequestID{kind: idString, str: v}
	default:
		return fmt.Errorf("invalid request id type %T", v)
	}
	return nil
}

// ProgressToken correlates notifications/progress back to the request that
// carried it in _meta.progressToken. It has the same number-or-string shape
// as RequestID and the kind is preserved across the wire the same way.
type ProgressToken = RequestID

// Message represents a single JSON-RPC 2.0 frame. The populated fields
// determine its flavor:
//   - Request: ID, Method, and optionally Params are set
//   - Notification: Method is set, ID is absent
//   - Response: ID and exactly one of Result or Error are set
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID identifies request-response pairs. Absent for notifications.
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the method parameters as a raw JSON message. Unknown
	// fields, including _meta keys the engine does not interpret, pass
	// through unchanged.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`

	// nullID forces "id":null on the wire, used for error responses to
	// frames whose id could not be read (JSON-RPC 2.0 §5).
	nullID bool
}

// newNullIDError builds an error response for a frame whose id could not be
// determined, encoding the id as an explicit null.
func newNullIDError(err *Error) Message {
	return Message{JSONRPC: JSONRPCVersion, Error: err, nullID: true}
}

// IsRequest reports whether the message is a request expecting a reply.
func (m Message) IsRequest() bool { return m.Method != "" && m.ID.IsValid() }

// IsNotification reports whether the message is a notification.
func (m Message) IsNotification() bool { return m.Method != "" && !m.ID.IsValid() }

// IsResponse reports whether the message is a response, successful or not.
func (m Message) IsResponse() bool { return m.Method == "" && (m.Result != nil || m.Error != nil) }

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON emits the frame in minified form, omitting the id entirely for
// notifications rather than encoding a null.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	if m.ID.IsValid() {
		id := m.ID
		w.ID = &id
	}
	if m.nullID {
		type nullIDWire struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error,omitempty"`
		}
		return json.Marshal(nullIDWire{JSONRPC: w.JSONRPC, ID: json.RawMessage("null"), Error: w.Error})
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a single frame. Structural validation is performed
// separately by Validate so that the codec can distinguish parse errors from
// shape errors.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.JSONRPC = w.JSONRPC
	m.Method = w.Method
	m.Params = w.Params
	m.Result = w.Result
	m.Error = w.Error
	if w.ID != nil {
		m.ID = *w.ID
	} else {
		m.ID = RequestID{}
	}
	return nil
}

// Validate checks the structural invariants of a single frame:
// the jsonrpc field must be "2.0", a response must carry exactly one of
// result or error, a successful result must carry an id (an error response
// may have a null one), a request or notification carries neither result nor
// error, and a frame with neither a method nor a result or error is malformed.
func (m Message) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return Errorf(CodeInvalidRequest, "invalid jsonrpc version %q", m.JSONRPC)
	}
	if m.Method == "" {
		if m.Result == nil && m.Error == nil {
			return NewError(CodeInvalidRequest, "frame has no method and no result or error")
		}
		if m.Result != nil && m.Error != nil {
			return NewError(CodeInvalidRequest, "response carries both result and error")
		}
		// Error responses may carry a null id when the offending frame's id
		// could not be read; successful results always echo one.
		if m.Result != nil && !m.ID.IsValid() {
			return NewError(CodeInvalidRequest, "response has no id")
		}
		return nil
	}
	if m.Result != nil || m.Error != nil {
		return NewError(CodeInvalidRequest, "request carries result or error")
	}
	return nil
}

// Frame is one transport unit: either a single message or an ordered batch.
// Batches may not nest.
type Frame struct {
	msgs  []Message
	batch bool

	// Meta is an optional sidecar describing the frame for transports that
	// want routing hints. It is never serialized.
	Meta Metadata
}

// NewFrame wraps a single message into a frame.
func NewFrame(msg Message) Frame { return Frame{msgs: []Message{msg}} }

// NewBatchFrame wraps an ordered sequence of messages into a batch frame.
func NewBatchFrame(msgs []Message) Frame { return Frame{msgs: msgs, batch: true} }

// IsBatch reports whether the frame is a batch.
func (f Frame) IsBatch() bool { return f.batch }

// Single returns the sole message of a non-batch frame.
func (f Frame) Single() (Message, bool) {
	if f.batch || len(f.msgs) != 1 {
		return Message{}, false
	}
	return f.msgs[0], true
}

// Messages returns the messages of the frame in order. For a non-batch frame
// the slice has exactly one element.
func (f Frame) Messages() []Message { return f.msgs }

// MarshalJSON emits a single object for non-batch frames and an array for
// batches.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.batch {
		return json.Marshal(f.msgs)
	}
	if len(f.msgs) != 1 {
		return nil, fmt.Errorf("non-batch frame must contain exactly one message, got %d", len(f.msgs))
	}
	return json.Marshal(f.msgs[0])
}

// UnmarshalJSON sniffs the first structural byte to decide between a single
// frame and a batch.
func (f *Frame) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return err
		}
		f.msgs = msgs
		f.batch = true
		return nil
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.msgs = []Message{msg}
	f.batch = false
	return nil
}

// Validate checks every message of the frame and rejects empty batches.
func (f Frame) Validate() error {
	if f.batch && len(f.msgs) == 0 {
		return NewError(CodeInvalidRequest, "empty batch")
	}
	for _, m := range f.msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Codec converts between byte frames and typed frames, enforcing a maximum
// frame size in both directions. The zero value is not usable; construct
// with NewCodec.
type Codec struct {
	maxFrameSize int
}

// CodecOption represents the options for the Codec.
type CodecOption func(*Codec)

// WithMaxFrameSize overrides the maximum serialized frame size. Frames
// larger than this are rejected with ErrOversizedFrame.
func WithMaxFrameSize(size int) CodecOption {
	return func(c *Codec) {
		c.maxFrameSize = size
	}
}

// NewCodec creates a Codec with the given options.
func NewCodec(options ...CodecOption) *Codec {
	c := &Codec{}
	for _, opt := range options {
		opt(c)
	}
	if c.maxFrameSize == 0 {
		c.maxFrameSize = DefaultMaxFrameSize
	}
	return c
}

// MaxFrameSize returns the configured maximum serialized frame size.
func (c *Codec) MaxFrameSize() int { return c.maxFrameSize }

// Encode serializes a frame to minified JSON. Encoding never emits raw
// newlines inside the payload, which the stdio binding relies on for its
// line framing.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(data) > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrOversizedFrame, len(data), c.maxFrameSize)
	}
	return data, nil
}

// Decode parses and validates a byte frame. A syntactically invalid payload
// yields a CodeParseError; valid JSON that is not a valid JSON-RPC frame
// yields a CodeInvalidRequest.
func (c *Codec) Decode(data []byte) (Frame, error) {
	if len(data) > c.maxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d > %d bytes", ErrOversizedFrame, len(data), c.maxFrameSize)
	}
	if !json.Valid(data) {
		return Frame{}, NewError(CodeParseError, "invalid json")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, Errorf(CodeInvalidRequest, "failed to decode frame: %s", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
