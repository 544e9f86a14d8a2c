package pmcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// StdioTransport carries frames over an io.Reader/io.Writer pair, one
// minified JSON frame per line terminated by a single newline. It is the
// standard binding for servers spawned as child processes, wired to
// stdin/stdout.
//
// A line that fails to parse is surfaced from Receive as an *Error without
// tearing down the connection; EOF closes the transport. Instances must be
// created with NewStdioTransport and released with Close.
type StdioTransport struct {
	reader io.Reader
	writer io.Writer
	codec  *Codec
	logger *slog.Logger

	id TransportID

	writeHigh   chan stdioWrite
	writeNormal chan stdioWrite
	writeLow    chan stdioWrite

	incoming chan stdioRead

	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
}

type stdioWrite struct {
	data []byte
	errs chan error
}

type stdioRead struct {
	frame Frame
	err   error
}

// StdioTransportOption represents the options for the StdioTransport.
type StdioTransportOption func(*StdioTransport)

// WithStdioLogger sets the logger for the transport.
func WithStdioLogger(logger *slog.Logger) StdioTransportOption {
	return func(t *StdioTransport) {
		t.logger = logger.With(
			slog.String("package", "pmcp"),
			slog.String("component", "stdio"),
		)
	}
}

// WithStdioCodec overrides the wire codec, e.g. to change the maximum frame
// size.
func WithStdioCodec(codec *Codec) StdioTransportOption {
	return func(t *StdioTransport) {
		t.codec = codec
	}
}

// NewStdioTransport creates a stdio transport reading frames from reader and
// writing frames to writer. The returned transport is immediately usable.
func NewStdioTransport(reader io.Reader, writer io.Writer, options ...StdioTransportOption) *StdioTransport {
	t := &StdioTransport{
		reader:      reader,
		writer:      writer,
		logger:      slog.Default(),
		id:          newTransportID(),
		writeHigh:   make(chan stdioWrite),
		writeNormal: make(chan stdioWrite),
		writeLow:    make(chan stdioWrite),
		incoming:    make(chan stdioRead, 5),
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
		writeDone:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.codec == nil {
		t.codec = NewCodec()
	}

	go t.readLoop()
	go t.writeLoop()

	return t
}

// ID implements Transport.
func (t *StdioTransport) ID() TransportID { return t.id }

// Type implements Transport.
func (t *StdioTransport) Type() TransportType { return TransportTypeStdio }

// Connected implements Transport.
func (t *StdioTransport) Connected() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Send implements Transport. The frame is serialized to one minified JSON
// line; frames of High priority jump ahead of queued Normal and Low frames.
func (t *StdioTransport) Send(ctx context.Context, f Frame, opts SendOptions) error {
	data, err := t.codec.Encode(f)
	if err != nil {
		return err
	}
	// Newlines inside the payload would break line framing; the codec emits
	// minified JSON so this only trips on corrupted raw params.
	if idx := indexNewline(data); idx >= 0 {
		return Errorf(CodeInvalidRequest, "frame contains raw newline at offset %d", idx)
	}
	data = append(data, '\n')

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	w := stdioWrite{data: data, errs: make(chan error, 1)}

	var queue chan stdioWrite
	switch opts.Priority {
	case PriorityHigh:
		queue = t.writeHigh
	case PriorityLow:
		queue = t.writeLow
	default:
		queue = t.writeNormal
	}

	select {
	case <-ctx.Done():
		return sendErr(ctx.Err())
	case <-t.done:
		return ErrConnectionClosed
	case queue <- w:
	}

	select {
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return sendErr(ctx.Err())
	case <-t.done:
		return ErrConnectionClosed
	}
}

// Receive implements Transport.
func (t *StdioTransport) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, recvErr(ctx.Err())
	case <-t.done:
		return Frame{}, ErrConnectionClosed
	case r, ok := <-t.incoming:
		if !ok {
			return Frame{}, ErrConnectionClosed
		}
		return r.frame, r.err
	}
}

// Close implements Transport. It is idempotent; in-flight Send and Receive
// calls fail with ErrConnectionClosed.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if c, ok := t.writer.(io.Closer); ok {
			_ = c.Close()
		}
		if c, ok := t.reader.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return nil
}

func (t *StdioTransport) writeLoop() {
	defer close(t.writeDone)

	for {
		w, ok := t.nextWrite()
		if !ok {
			return
		}
		_, err := t.writer.Write(w.data)
		if err != nil {
			t.logger.Error("failed to write frame", slog.String("err", err.Error()))
		}
		w.errs <- err
	}
}

// nextWrite dequeues the next outbound line, draining High before Normal and
// Normal before Low.
func (t *StdioTransport) nextWrite() (stdioWrite, bool) {
	select {
	case w := <-t.writeHigh:
		return w, true
	default:
	}
	select {
	case w := <-t.writeNormal:
		return w, true
	default:
	}
	select {
	case <-t.done:
		return stdioWrite{}, false
	case w := <-t.writeHigh:
		return w, true
	case w := <-t.writeNormal:
		return w, true
	case w := <-t.writeLow:
		return w, true
	}
}

func (t *StdioTransport) readLoop() {
	defer close(t.readDone)

	// bufio.Reader instead of bufio.Scanner to avoid max token size errors
	// on large frames; the codec enforces its own size bound.
	reader := bufio.NewReader(t.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedPipe(err) {
				t.logger.Error("failed to read line", slog.String("err", err.Error()))
			}
			_ = t.Close()
			return
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		frame, derr := t.codec.Decode([]byte(line))
		if derr != nil {
			t.logger.Warn("failed to decode line", slog.String("err", derr.Error()))
		}

		select {
		case <-t.done:
			return
		case t.incoming <- stdioRead{frame: frame, err: derr}:
		}
	}
}

func indexNewline(data []byte) int {
	for i, b := range data {
		if b == '\n' {
			return i
		}
	}
	return -1
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func sendErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrSendTimeout, err)
	}
	return err
}

func recvErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrReceiveTimeout, err)
	}
	return err
}

var _ Transport = (*StdioTransport)(nil)
