package pmcp

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransportID is a stable opaque identifier for a transport instance. The
// engine scopes its pending-request table by transport id so that frames
// arriving on one transport can never resolve requests issued on another,
// even if the peers reuse the same integer request ids.
type TransportID string

func newTransportID() TransportID {
	return TransportID(uuid.New().String())
}

// TransportType names the concrete binding behind a Transport.
type TransportType string

// TransportType values. Custom bindings use their own name.
const (
	TransportTypeStdio     TransportType = "stdio"
	TransportTypeHTTP      TransportType = "http"
	TransportTypeWebSocket TransportType = "websocket"
)

// Priority orders outbound frames when a transport's send queue is
// contended. Higher-priority frames are flushed first.
type Priority int

// Priority values.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// SendOptions tunes delivery of a single outbound frame.
type SendOptions struct {
	// Priority orders the frame relative to other queued frames.
	Priority Priority
	// Timeout bounds how long the send may block under backpressure; zero
	// means the context alone governs.
	Timeout time.Duration
	// RequiresAck asks the transport to confirm delivery where the binding
	// supports it; bindings without delivery receipts treat a successful
	// flush as the acknowledgement.
	RequiresAck bool
}

// Metadata is an optional sidecar describing a frame for routing purposes.
// Transports may consult it; it never travels on the wire.
type Metadata struct {
	// ID is the request id the frame responds to or carries, when known.
	ID RequestID
	// Method is the frame's method, when known.
	Method string
	// Priority mirrors the send priority for transports that queue.
	Priority Priority
	// SessionID carries the session the frame belongs to, for bindings with
	// session stickiness.
	SessionID string
}

// Transport is a frame-oriented bidirectional conduit between a protocol
// engine and its peer. Implementations hide all framing; the engine never
// sees bytes.
//
// Send may block under backpressure until the frame is queued or the context
// or SendOptions.Timeout expires. Receive blocks cooperatively until a frame
// arrives, the context is cancelled, or the connection closes. After Close,
// both fail with ErrConnectionClosed; Close itself is idempotent.
type Transport interface {
	// Send enqueues one frame for delivery to the peer.
	Send(ctx context.Context, f Frame, opts SendOptions) error

	// Receive yields the next frame from the peer. A malformed inbound
	// payload is reported as an *Error without tearing down the connection;
	// callers should log and continue.
	Receive(ctx context.Context) (Frame, error)

	// Close tears down the connection. Idempotent.
	Close() error

	// ID returns the stable opaque id of this transport instance.
	ID() TransportID

	// Connected reports whether the transport can currently carry frames.
	Connected() bool

	// Type names the concrete binding.
	Type() TransportType
}
