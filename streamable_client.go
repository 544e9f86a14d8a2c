package pmcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// StreamableHTTPClientOption represents the options for the
// StreamableHTTPClient.
type StreamableHTTPClientOption func(*StreamableHTTPClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.httpClient = client
	}
}

// WithStreamableClientLogger sets the logger for the transport.
func WithStreamableClientLogger(logger *slog.Logger) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.logger = logger.With(
			slog.String("package", "pmcp"),
			slog.String("component", "streamable-http-client"),
		)
	}
}

// WithStreamableClientCodec overrides the wire codec.
func WithStreamableClientCodec(codec *Codec) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.codec = codec
	}
}

// WithListenStream controls whether the transport opens the standalone GET
// stream for unsolicited server-to-client messages. Enabled by default.
func WithListenStream(enabled bool) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.listenStream = enabled
	}
}

// WithStreamBackoff tunes reconnection of a broken GET stream.
func WithStreamBackoff(cfg BackoffConfig) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.backoff = cfg
	}
}

// WithStreamCircuitBreaker tunes the circuit breaker guarding stream
// reconnection attempts.
func WithStreamCircuitBreaker(cfg CircuitBreakerConfig) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.breaker = NewCircuitBreaker(cfg)
	}
}

// WithAuthorization sets the Authorization header sent with every request.
func WithAuthorization(value string) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.authorization = value
	}
}

// StreamableHTTPClient is the client side of the streamable HTTP transport.
// Requests go out as POST bodies; replies come back as JSON bodies or SSE
// streams on the POST response, and unsolicited server messages arrive over
// a long-lived GET stream which reconnects with exponential backoff and
// resumes with Last-Event-ID.
//
// It implements Transport and is normally handed to NewClient.
type StreamableHTTPClient struct {
	endpoint      string
	httpClient    *http.Client
	codec         *Codec
	logger        *slog.Logger
	listenStream  bool
	backoff       BackoffConfig
	breaker       *CircuitBreaker
	authorization string

	id TransportID

	incoming chan streamableRead

	mu          sync.Mutex
	sessionID   string
	lastEventID string
	getStarted  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closeOnce  sync.Once
	done       chan struct{}
}

type streamableRead struct {
	frame Frame
	err   error
}

// NewStreamableHTTPClient creates a streamable HTTP transport targeting the
// given endpoint URL.
func NewStreamableHTTPClient(endpoint string, options ...StreamableHTTPClientOption) *StreamableHTTPClient {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &StreamableHTTPClient{
		endpoint:     endpoint,
		httpClient:   http.DefaultClient,
		logger:       slog.Default(),
		listenStream: true,
		backoff:      DefaultBackoffConfig(),
		id:           newTransportID(),
		incoming:     make(chan streamableRead, 8),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		done:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.codec == nil {
		c.codec = NewCodec()
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	return c
}

// ID implements Transport.
func (c *StreamableHTTPClient) ID() TransportID { return c.id }

// Type implements Transport.
func (c *StreamableHTTPClient) Type() TransportType { return TransportTypeHTTP }

// Connected implements Transport.
func (c *StreamableHTTPClient) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// SessionID returns the session id issued by the server, or the empty
// string against a stateless server.
func (c *StreamableHTTPClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send implements Transport: one POST per frame.
func (c *StreamableHTTPClient) Send(ctx context.Context, f Frame, opts SendOptions) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sendErr(fmt.Errorf("failed to send frame: %w", err))
	}

	if sid := resp.Header.Get(SessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	// The standalone stream only makes sense once the server knows us.
	if c.listenStream {
		c.ensureListenStream()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		return nil
	case resp.StatusCode >= 400:
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(c.codec.MaxFrameSize())))
		// Protocol-level rejections carry a JSON-RPC error body; surface it
		// to the engine so a pending request resolves instead of timing out.
		if frame, derr := c.codec.Decode(body); derr == nil {
			c.push(streamableRead{frame: frame})
		}
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case contentTypeIs(contentType, "application/json"):
		defer resp.Body.Close()
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, int64(c.codec.MaxFrameSize())+1))
		if rerr != nil {
			return fmt.Errorf("failed to read response body: %w", rerr)
		}
		frame, derr := c.codec.Decode(body)
		if derr != nil {
			return derr
		}
		c.push(streamableRead{frame: frame})
		return nil
	case contentTypeIs(contentType, "text/event-stream"):
		go c.readEvents(resp.Body, nil)
		return nil
	default:
		resp.Body.Close()
		return Errorf(CodeInvalidRequest, "unexpected content type %q", contentType)
	}
}

// Receive implements Transport.
func (c *StreamableHTTPClient) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-c.done:
		return Frame{}, ErrConnectionClosed
	case <-ctx.Done():
		return Frame{}, recvErr(ctx.Err())
	case r := <-c.incoming:
		return r.frame, r.err
	}
}

// Close implements Transport. In stateful mode the session is terminated
// with a best-effort DELETE.
func (c *StreamableHTTPClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.baseCancel()

		c.mu.Lock()
		sid := c.sessionID
		c.mu.Unlock()
		if sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
			if err == nil {
				c.decorate(req)
				if resp, derr := c.httpClient.Do(req); derr == nil {
					resp.Body.Close()
				}
			}
		}
	})
	return nil
}

func (c *StreamableHTTPClient) decorate(req *http.Request) {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "" {
		req.Header.Set(SessionHeader, sid)
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}
}

func (c *StreamableHTTPClient) push(r streamableRead) {
	select {
	case <-c.done:
	case c.incoming <- r:
	}
}

// ensureListenStream starts the standalone GET stream loop once.
func (c *StreamableHTTPClient) ensureListenStream() {
	c.mu.Lock()
	if c.getStarted {
		c.mu.Unlock()
		return
	}
	c.getStarted = true
	c.mu.Unlock()
	go c.listenLoop()
}

// listenLoop keeps the standalone GET stream open, reconnecting with
// backoff and resuming from the last seen event id.
func (c *StreamableHTTPClient) listenLoop() {
	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if attempt > 0 {
			delay := c.backoff.Delay(attempt - 1)
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}
		}

		if !c.breaker.Allow() {
			c.logger.Warn("stream reconnect suppressed by circuit breaker")
			attempt++
			continue
		}

		retry, err := c.openListenStream()
		if err != nil {
			c.breaker.RecordFailure()
			if !retry {
				c.logger.Debug("standalone stream unavailable", slog.String("err", err.Error()))
				return
			}
			c.logger.Warn("standalone stream failed", slog.String("err", err.Error()))
			attempt++
			continue
		}
		// Stream ended after being established; reconnect promptly.
		c.breaker.RecordSuccess()
		attempt = 1
	}
}

// openListenStream performs one GET and consumes the stream until it ends.
// retry is false when the server rejected the stream in a way reconnection
// cannot fix (no GET support, replay window expired).
func (c *StreamableHTTPClient) openListenStream() (retry bool, err error) {
	req, err := http.NewRequestWithContext(c.baseCtx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.mu.Lock()
	last := c.lastEventID
	c.mu.Unlock()
	if last != "" {
		req.Header.Set(lastEventIDHeader, last)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		return true, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed, http.StatusNotAcceptable:
		resp.Body.Close()
		return false, fmt.Errorf("server does not offer a standalone stream (%d)", resp.StatusCode)
	case http.StatusConflict, http.StatusNotFound:
		resp.Body.Close()
		return false, fmt.Errorf("%w: server requires re-initialization (%d)", ErrEventsExpired, resp.StatusCode)
	default:
		resp.Body.Close()
		return true, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	finished := make(chan struct{})
	c.readEvents(resp.Body, finished)
	<-finished
	return true, nil
}

// readEvents decodes SSE events into frames until the stream ends. When
// finished is nil the read runs asynchronously (POST response streams).
func (c *StreamableHTTPClient) readEvents(body io.ReadCloser, finished chan struct{}) {
	run := func() {
		defer body.Close()
		if finished != nil {
			defer close(finished)
		}

		config := &sse.ReadConfig{MaxEventSize: c.codec.MaxFrameSize()}
		for ev, err := range sse.Read(body, config) {
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
					c.logger.Debug("stream read ended", slog.String("err", err.Error()))
				}
				return
			}
			if ev.LastEventID != "" {
				c.mu.Lock()
				c.lastEventID = ev.LastEventID
				c.mu.Unlock()
			}
			if ev.Type != "message" && ev.Type != "" {
				continue
			}
			frame, derr := c.codec.Decode([]byte(ev.Data))
			if derr != nil {
				c.logger.Warn("failed to decode event", slog.String("err", derr.Error()))
				continue
			}
			c.push(streamableRead{frame: frame})
		}
	}
	go run()
}

func contentTypeIs(header, want string) bool {
	mediaType, _, _ := strings.Cut(header, ";")
	return strings.TrimSpace(mediaType) == want
}

var _ Transport = (*StreamableHTTPClient)(nil)
