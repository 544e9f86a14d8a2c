package pmcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/sync/errgroup"
)

// SessionHeader is the HTTP header carrying the session id in stateful mode.
const SessionHeader = "Mcp-Session-Id"

// lastEventIDHeader is the standard SSE resumption header.
const lastEventIDHeader = "Last-Event-ID"

var defaultSessionTTL = 30 * time.Minute

// StreamableHTTPOption represents the options for the StreamableHTTPServer.
type StreamableHTTPOption func(*StreamableHTTPServer)

// WithStateless runs the binding without sessions: no Mcp-Session-Id header
// is issued or required, every POST is independent, and initialize may be
// repeated. GET streams carry no retained events and Last-Event-ID is
// ignored.
func WithStateless() StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.stateless = true
	}
}

// WithSessionTTL overrides how long an idle session is kept alive.
func WithSessionTTL(ttl time.Duration) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.sessionTTL = ttl
	}
}

// WithEventStore enables stream resumability backed by the given store.
func WithEventStore(store EventStore) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.store = store
	}
}

// WithJSONResponse makes POST requests answer with a plain JSON body instead
// of an SSE stream. Server-initiated messages then only flow over the
// standalone GET stream.
func WithJSONResponse() StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.jsonResponse = true
	}
}

// WithStreamableHTTPLogger sets the logger for the binding.
func WithStreamableHTTPLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.logger = logger.With(
			slog.String("package", "pmcp"),
			slog.String("component", "streamable-http"),
		)
	}
}

// WithStreamableHTTPCodec overrides the wire codec, e.g. to change the
// maximum frame size.
func WithStreamableHTTPCodec(codec *Codec) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.codec = codec
	}
}

// StreamableHTTPServer exposes a Server over the streamable HTTP transport:
// a single endpoint where POST carries client-to-server frames, GET opens a
// long-lived SSE stream for server-to-client messages, and DELETE ends the
// session. It implements http.Handler and can be mounted on any mux.
//
// In stateful mode (the default), the response to initialize carries a
// fresh session id in the Mcp-Session-Id header, which every subsequent
// request must echo. Idle sessions expire after the configured TTL.
type StreamableHTTPServer struct {
	server *Server
	logger *slog.Logger
	codec  *Codec

	stateless    bool
	jsonResponse bool
	sessionTTL   time.Duration
	store        EventStore

	mu       sync.Mutex
	sessions map[string]*httpSession

	closeOnce sync.Once
	done      chan struct{}
}

type httpSession struct {
	id        string
	transport *streamableServerTransport
	createdAt time.Time

	mu          sync.Mutex
	lastSeen    time.Time
	initialized bool
	serveDone   chan struct{}
}

func (h *httpSession) touch() {
	h.mu.Lock()
	h.lastSeen = time.Now()
	h.mu.Unlock()
}

func (h *httpSession) idleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

// NewStreamableHTTPServer wraps a Server in the streamable HTTP binding.
func NewStreamableHTTPServer(server *Server, options ...StreamableHTTPOption) *StreamableHTTPServer {
	s := &StreamableHTTPServer{
		server:   server,
		logger:   slog.Default(),
		sessions: make(map[string]*httpSession),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.codec == nil {
		s.codec = NewCodec()
	}
	if s.sessionTTL == 0 {
		s.sessionTTL = defaultSessionTTL
	}
	go s.expireLoop()
	return s
}

// Shutdown terminates every session and stops the binding.
func (s *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	sessions := make([]*httpSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*httpSession)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			_ = sess.transport.Close()
			select {
			case <-sess.serveDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// ServeHTTP implements http.Handler.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		s.writeError(w, http.StatusMethodNotAllowed, NewError(CodeInvalidRequest, "method not allowed"))
	}
}

func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.codec.MaxFrameSize())+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, Errorf(CodeParseError, "failed to read body: %s", err))
		return
	}
	frame, derr := s.codec.Decode(body)
	if derr != nil {
		var werr *Error
		if errors.As(derr, &werr) {
			status := http.StatusBadRequest
			s.writeError(w, status, werr)
			return
		}
		s.writeError(w, http.StatusRequestEntityTooLarge, Errorf(CodeInvalidRequest, "%s", derr))
		return
	}

	isInit := frameContainsMethod(frame, MethodInitialize)

	var sess *httpSession
	if s.stateless {
		sess = s.newSession(!isInit)
		defer s.dropSession(sess)
	} else if isInit {
		if r.Header.Get(SessionHeader) != "" {
			s.writeError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "initialize must not carry a session id"))
			return
		}
		sess = s.newSession(false)
	} else {
		sess = s.lookupSession(w, r)
		if sess == nil {
			return
		}
		sess.mu.Lock()
		initialized := sess.initialized
		sess.mu.Unlock()
		if !initialized && !frameOnlyResponses(frame) {
			s.writeError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "session not initialized"))
			return
		}
	}
	sess.touch()
	sess.transport.setAuthInfo(authInfoFromRequest(r))

	// Collect the ids this POST expects answers for.
	var requestIDs []RequestID
	for _, msg := range frame.Messages() {
		if msg.IsRequest() {
			requestIDs = append(requestIDs, msg.ID)
		}
	}

	if len(requestIDs) == 0 {
		// Notifications and responses produce no reply body.
		if err := sess.transport.deliver(r.Context(), frame); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, Errorf(CodeInternalError, "%s", err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	stream := sess.transport.openRequestStream(requestIDs)
	defer sess.transport.closeRequestStream(stream)

	if err := sess.transport.deliver(r.Context(), frame); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, Errorf(CodeInternalError, "%s", err))
		return
	}

	if isInit {
		s.respondInitialize(w, r, sess, stream)
		return
	}

	if s.jsonResponse {
		s.respondJSON(w, r, sess, stream, len(requestIDs))
		return
	}
	s.respondSSE(w, r, sess, stream)
}

// respondInitialize waits for the single initialize response and answers
// with a JSON body, attaching the session header in stateful mode.
func (s *StreamableHTTPServer) respondInitialize(w http.ResponseWriter, r *http.Request, sess *httpSession, stream *httpStream) {
	data, ok := stream.next(r.Context())
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, NewError(CodeInternalError, "initialize produced no response"))
		return
	}

	// The session only becomes live on a successful handshake; a failed
	// negotiation answers with the error and discards the session.
	var resp Message
	succeeded := resp.UnmarshalJSON(data) == nil && resp.Error == nil
	if succeeded {
		sess.mu.Lock()
		sess.initialized = true
		sess.mu.Unlock()
	} else if !s.stateless {
		defer s.dropSession(sess)
	}

	w.Header().Set("Content-Type", "application/json")
	if !s.stateless && succeeded {
		w.Header().Set(SessionHeader, sess.id)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// respondJSON gathers every response for the POST and answers with a single
// JSON body: the lone response, or an array preserving request order.
func (s *StreamableHTTPServer) respondJSON(w http.ResponseWriter, r *http.Request, sess *httpSession, stream *httpStream, expected int) {
	var bodies [][]byte
	for len(bodies) < expected {
		data, ok := stream.next(r.Context())
		if !ok {
			break
		}
		// Only responses form the JSON body; anything else the engine
		// pushed here (progress, server-initiated requests) has no place
		// in a plain JSON reply and is dropped.
		var msg Message
		if err := msg.UnmarshalJSON(data); err != nil || !msg.IsResponse() {
			continue
		}
		bodies = append(bodies, data)
	}
	if len(bodies) == 0 {
		s.writeError(w, http.StatusServiceUnavailable, NewError(CodeInternalError, "no response produced"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(bodies) == 1 && expected == 1 {
		_, _ = w.Write(bodies[0])
		return
	}
	_, _ = w.Write([]byte{'['})
	for i, b := range bodies {
		if i > 0 {
			_, _ = w.Write([]byte{','})
		}
		_, _ = w.Write(b)
	}
	_, _ = w.Write([]byte{']'})
}

// respondSSE streams the responses (and any related notifications the
// server pushes meanwhile) as SSE events, then ends the stream once every
// request of the POST is answered.
func (s *StreamableHTTPServer) respondSSE(w http.ResponseWriter, r *http.Request, sess *httpSession, stream *httpStream) {
	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, Errorf(CodeInternalError, "failed to upgrade to SSE: %s", err))
		return
	}

	for {
		data, ok := stream.next(r.Context())
		if !ok {
			return
		}
		if err := s.sendSSE(sseSess, stream.lastID(), data); err != nil {
			s.logger.Warn("failed to write SSE event", slog.String("err", err.Error()))
			return
		}
		if stream.drained() {
			return
		}
	}
}

func (s *StreamableHTTPServer) sendSSE(sess *sse.Session, id uint64, data []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	if id > 0 {
		msg.ID = sse.ID(strconv.FormatUint(id, 10))
	}
	msg.AppendData(string(data))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// handleGet opens the standalone server-to-client stream, replaying
// retained events first when the client resumes with Last-Event-ID.
func (s *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.writeError(w, http.StatusNotAcceptable, NewError(CodeInvalidRequest, "GET requires Accept: text/event-stream"))
		return
	}

	var sess *httpSession
	if s.stateless {
		// Without a session there is no retained stream to resume; the
		// Last-Event-ID header is ignored and events are not stored.
		sess = s.newSession(true)
		defer s.dropSession(sess)
	} else {
		sess = s.lookupSession(w, r)
		if sess == nil {
			return
		}
	}
	sess.touch()

	var replay []StoredEvent
	if !s.stateless && s.store != nil {
		if lastRaw := r.Header.Get(lastEventIDHeader); lastRaw != "" {
			last, perr := strconv.ParseUint(lastRaw, 10, 64)
			if perr != nil {
				s.writeError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "invalid Last-Event-ID"))
				return
			}
			events, aerr := s.store.After(sess.transport.standaloneStreamID(), last)
			if aerr != nil {
				// The replay position fell out of the retention window;
				// the client must re-initialize.
				s.writeError(w, http.StatusConflict, Errorf(CodeInvalidRequest, "%s", aerr))
				return
			}
			replay = events
		}
	}

	stream, err := sess.transport.attachStandalone()
	if err != nil {
		s.writeError(w, http.StatusConflict, NewError(CodeInvalidRequest, "stream already attached"))
		return
	}
	defer sess.transport.detachStandalone(stream)

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, Errorf(CodeInternalError, "failed to upgrade to SSE: %s", err))
		return
	}

	for _, ev := range replay {
		if err := s.sendSSE(sseSess, ev.EventID, ev.Data); err != nil {
			return
		}
	}

	for {
		data, ok := stream.next(r.Context())
		if !ok {
			return
		}
		if err := s.sendSSE(sseSess, stream.lastID(), data); err != nil {
			s.logger.Warn("failed to write SSE event", slog.String("err", err.Error()))
			return
		}
	}
}

func (s *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.stateless {
		w.Header().Set("Allow", "GET, POST")
		s.writeError(w, http.StatusMethodNotAllowed, NewError(CodeInvalidRequest, "no sessions in stateless mode"))
		return
	}
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	s.dropSession(sess)
	w.WriteHeader(http.StatusNoContent)
}

// newSession mints a session, its transport, and the serving goroutine.
// preInitialized skips the handshake gate for stateless requests.
func (s *StreamableHTTPServer) newSession(preInitialized bool) *httpSession {
	id := uuid.New().String()
	store := s.store
	if s.stateless {
		// Stateless streams are not resumable; nothing is retained.
		store = nil
	}
	t := newStreamableServerTransport(id, store, s.logger)
	sess := &httpSession{
		id:        id,
		transport: t,
		createdAt: time.Now(),
		lastSeen:  time.Now(),
		serveDone: make(chan struct{}),
	}
	if preInitialized {
		sess.initialized = true
	}

	if !s.stateless {
		s.mu.Lock()
		s.sessions[id] = sess
		s.mu.Unlock()
	}

	go func() {
		defer close(sess.serveDone)
		if err := s.server.serveStreamable(t, preInitialized); err != nil && !errors.Is(err, ErrConnectionClosed) {
			s.logger.Warn("session serve ended", slog.String("sessionID", id), slog.String("err", err.Error()))
		}
		if s.store != nil {
			s.store.Drop(t.standaloneStreamID())
		}
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	return sess
}

func (s *StreamableHTTPServer) lookupSession(w http.ResponseWriter, r *http.Request) *httpSession {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		s.writeError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "missing Mcp-Session-Id header"))
		return nil
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, Errorf(CodeSessionNotFound, "unknown session %q", id))
		return nil
	}
	return sess
}

func (s *StreamableHTTPServer) dropSession(sess *httpSession) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	_ = sess.transport.Close()
}

func (s *StreamableHTTPServer) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-s.sessionTTL)
		s.mu.Lock()
		var expired []*httpSession
		for _, sess := range s.sessions {
			if sess.idleSince().Before(cutoff) {
				expired = append(expired, sess)
			}
		}
		s.mu.Unlock()
		for _, sess := range expired {
			s.logger.Info("expiring idle session", slog.String("sessionID", sess.id))
			s.dropSession(sess)
		}
	}
}

func (s *StreamableHTTPServer) writeError(w http.ResponseWriter, status int, werr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := newNullIDError(werr).MarshalJSON()
	if err != nil {
		return
	}
	_, _ = w.Write(body)
}

func frameContainsMethod(f Frame, method string) bool {
	for _, msg := range f.Messages() {
		if msg.Method == method {
			return true
		}
	}
	return false
}

func frameOnlyResponses(f Frame) bool {
	for _, msg := range f.Messages() {
		if !msg.IsResponse() {
			return false
		}
	}
	return true
}

// authInfoFromRequest lifts the Authorization header into an AuthInfo value.
// No validation happens here; handlers decide what to accept.
func authInfoFromRequest(r *http.Request) *AuthInfo {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found {
		return &AuthInfo{Token: header}
	}
	return &AuthInfo{Scheme: scheme, Token: token}
}

// serveStreamable runs one connection like Serve, optionally skipping the
// handshake gate for stateless HTTP where every POST stands alone.
func (s *Server) serveStreamable(t Transport, preInitialized bool) error {
	ctx := context.Background()
	if !preInitialized {
		return s.Serve(ctx, t)
	}
	return s.servePreInitialized(ctx, t)
}

func (s *Server) servePreInitialized(ctx context.Context, t Transport) error {
	// Stateless POSTs skip initialize entirely; assume the default protocol
	// version and an empty capability set for the unseen client.
	protoOpts := []ProtocolOption{WithProtocolLogger(s.logger)}
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
		_ = proto.Notify(nctx, method, params)
	}, s.debounceConfigs)

	s.registerHandlers(proto, sess)
	proto.completeInitialize(DefaultProtocolVersion, nil, &ClientCapabilities{})
	proto.setState(StateOperational)

	s.sessMu.Lock()
	s.sessions[t.ID()] = sess
	s.sessMu.Unlock()
	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, t.ID())
		s.sessMu.Unlock()
		sess.debounce.close()
	}()

	if err := proto.Connect(t); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		_ = proto.Close()
		return ctx.Err()
	case <-proto.Done():
		return nil
	}
}

var errStreamClosed = errors.New("stream closed")

// httpStream is one logical SSE channel: the standalone GET stream or a
// POST-scoped response stream. Events pass through the EventStore (when
// configured) to pick up monotonic ids before delivery.
type httpStream struct {
	id        StreamID
	store     EventStore
	requests  map[RequestID]bool
	delivered uint64

	mu     sync.Mutex
	buf    [][]byte
	ids    []uint64
	nextID uint64
	wake   chan struct{}
	closed bool
}

func newHTTPStream(id StreamID, store EventStore, requests []RequestID) *httpStream {
	st := &httpStream{
		id:       id,
		store:    store,
		requests: make(map[RequestID]bool, len(requests)),
		wake:     make(chan struct{}, 1),
	}
	for _, rid := range requests {
		st.requests[rid] = true
	}
	return st
}

// push enqueues one serialized frame, assigning it the next event id.
func (st *httpStream) push(data []byte) {
	var eventID uint64
	if st.store != nil {
		id, err := st.store.Append(st.id, data)
		if err == nil {
			eventID = id
		}
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	if eventID == 0 {
		st.nextID++
		eventID = st.nextID
	} else {
		st.nextID = eventID
	}
	st.buf = append(st.buf, data)
	st.ids = append(st.ids, eventID)
	st.mu.Unlock()

	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is available, the context ends, or the stream
// closes.
func (st *httpStream) next(ctx context.Context) ([]byte, bool) {
	for {
		st.mu.Lock()
		if len(st.buf) > 0 {
			data := st.buf[0]
			st.buf = st.buf[1:]
			st.delivered = st.ids[0]
			st.ids = st.ids[1:]
			st.mu.Unlock()
			return data, true
		}
		closed := st.closed
		st.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-st.wake:
		}
	}
}

// lastID returns the event id of the most recently delivered event.
func (st *httpStream) lastID() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.delivered
}

// answered marks one request id as resolved, reporting whether the stream
// has no outstanding requests left.
func (st *httpStream) answered(id RequestID) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.requests, id)
	return len(st.requests) == 0
}

func (st *httpStream) owns(id RequestID) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.requests[id]
}

// drained reports whether all requests are answered and the buffer is empty.
func (st *httpStream) drained() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.requests) == 0 && len(st.buf) == 0
}

func (st *httpStream) close() {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// streamableServerTransport is the engine-facing Transport minted per HTTP
// session. POST handlers feed inbound frames; outbound frames are routed to
// the POST stream that carried the originating request, or to the standalone
// GET stream.
type streamableServerTransport struct {
	id        TransportID
	sessionID string
	store     EventStore
	codec     *Codec
	logger    *slog.Logger

	incoming chan Frame

	mu         sync.Mutex
	streams    map[*httpStream]struct{}
	standalone *httpStream
	auth       *AuthInfo

	closeOnce sync.Once
	done      chan struct{}
}

func newStreamableServerTransport(sessionID string, store EventStore, logger *slog.Logger) *streamableServerTransport {
	t := &streamableServerTransport{
		id:        newTransportID(),
		sessionID: sessionID,
		store:     store,
		codec:     NewCodec(),
		logger:    logger,
		incoming:  make(chan Frame, 8),
		streams:   make(map[*httpStream]struct{}),
		done:      make(chan struct{}),
	}
	return t
}

func (t *streamableServerTransport) ID() TransportID     { return t.id }
func (t *streamableServerTransport) Type() TransportType { return TransportTypeHTTP }

func (t *streamableServerTransport) Connected() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// AuthInfo surfaces the most recent request's authentication to the engine.
func (t *streamableServerTransport) AuthInfo() *AuthInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.auth
}

func (t *streamableServerTransport) setAuthInfo(info *AuthInfo) {
	t.mu.Lock()
	t.auth = info
	t.mu.Unlock()
}

func (t *streamableServerTransport) standaloneStreamID() StreamID {
	return StreamID(t.sessionID + "/sse")
}

// deliver feeds an inbound frame to the engine.
func (t *streamableServerTransport) deliver(ctx context.Context, f Frame) error {
	select {
	case <-t.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case t.incoming <- f:
		return nil
	}
}

func (t *streamableServerTransport) openRequestStream(requests []RequestID) *httpStream {
	// Request streams carry no retained events; only the standalone stream
	// is resumable.
	st := newHTTPStream(StreamID(uuid.New().String()), nil, requests)
	t.mu.Lock()
	t.streams[st] = struct{}{}
	t.mu.Unlock()
	return st
}

func (t *streamableServerTransport) closeRequestStream(st *httpStream) {
	t.mu.Lock()
	delete(t.streams, st)
	t.mu.Unlock()
	st.close()
}

func (t *streamableServerTransport) attachStandalone() (*httpStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.standalone != nil {
		return nil, errStreamClosed
	}
	st := newHTTPStream(t.standaloneStreamID(), t.store, nil)
	if t.store != nil {
		// Resume the event id sequence where the retained log left off.
		if evs, err := t.store.After(st.id, 0); err == nil && len(evs) > 0 {
			st.nextID = evs[len(evs)-1].EventID
		}
	}
	t.standalone = st
	return st, nil
}

func (t *streamableServerTransport) detachStandalone(st *httpStream) {
	t.mu.Lock()
	if t.standalone == st {
		t.standalone = nil
	}
	t.mu.Unlock()
	st.close()
}

// Send implements Transport, routing each message of the frame to the
// stream that must carry it.
func (t *streamableServerTransport) Send(ctx context.Context, f Frame, opts SendOptions) error {
	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}

	for _, msg := range f.Messages() {
		data, err := t.codec.Encode(NewFrame(msg))
		if err != nil {
			return err
		}
		t.route(msg, data)
	}
	return nil
}

func (t *streamableServerTransport) route(msg Message, data []byte) {
	// Responses return on the stream of the POST that carried the request.
	if msg.IsResponse() {
		if st := t.findRequestStream(msg.ID); st != nil {
			// Marked answered before the push so a reader that wakes on
			// this event observes the stream as complete.
			st.answered(msg.ID)
			st.push(data)
			return
		}
		t.logger.Debug("dropping response with no live stream", slog.String("id", msg.ID.String()))
		return
	}

	// Progress notifications follow their originating request's stream.
	if msg.Method == MethodNotificationsProgress {
		if token := extractProgressToken(msg.Params); token.IsValid() {
			if st := t.findRequestStream(RequestID(token)); st != nil {
				st.push(data)
				return
			}
		}
	}

	// Everything else flows over the standalone stream. With an EventStore
	// the event is retained for replay even when no GET is attached.
	t.mu.Lock()
	standalone := t.standalone
	t.mu.Unlock()
	if standalone != nil {
		standalone.push(data)
		return
	}
	// Server-initiated requests need a live channel to the client right
	// now; without a GET stream, piggyback on an open POST stream.
	if msg.IsRequest() {
		t.mu.Lock()
		for st := range t.streams {
			st.push(data)
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
	if t.store != nil {
		if _, err := t.store.Append(t.standaloneStreamID(), data); err != nil {
			t.logger.Warn("failed to retain event", slog.String("err", err.Error()))
		}
		return
	}
	t.logger.Debug("dropping server message with no attached stream", slog.String("method", msg.Method))
}

func (t *streamableServerTransport) findRequestStream(id RequestID) *httpStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	for st := range t.streams {
		if st.owns(id) {
			return st
		}
	}
	return nil
}

// Receive implements Transport.
func (t *streamableServerTransport) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-t.done:
		return Frame{}, ErrConnectionClosed
	case <-ctx.Done():
		return Frame{}, recvErr(ctx.Err())
	case f := <-t.incoming:
		return f, nil
	}
}

// Close implements Transport.
func (t *streamableServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		streams := make([]*httpStream, 0, len(t.streams)+1)
		for st := range t.streams {
			streams = append(streams, st)
		}
		if t.standalone != nil {
			streams = append(streams, t.standalone)
		}
		t.mu.Unlock()
		for _, st := range streams {
			st.close()
		}
	})
	return nil
}

var (
	_ Transport    = (*streamableServerTransport)(nil)
	_ http.Handler = (*StreamableHTTPServer)(nil)
)
