package pmcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmcp-go/pmcp"
)

func echoTool() (pmcp.Tool, pmcp.ToolHandlerFunc) {
	tool := pmcp.Tool{
		Name:        "echo",
		Description: "Echoes back the given text",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
	handler := func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return pmcp.CallToolResult{}, pmcp.Errorf(pmcp.CodeInvalidParams, "invalid arguments: %s", err)
		}
		return pmcp.CallToolResult{
			Content: []pmcp.Content{pmcp.TextContent(args.Text)},
		}, nil
	}
	return tool, handler
}

// startServer serves the given server over one end of a stdio pipe pair and
// returns the client-side transport.
func startServer(t *testing.T, srv *pmcp.Server) *pmcp.StdioTransport {
	t.Helper()
	st, ct := pipeTransports(t)
	go func() {
		_ = srv.Serve(context.Background(), st)
	}()
	return ct
}

func connectClient(t *testing.T, srv *pmcp.Server, options ...pmcp.ClientOption) *pmcp.Client {
	t.Helper()
	ct := startServer(t, srv)
	cli := pmcp.NewClient(pmcp.Info{Name: "test-client", Version: "1.0.0"}, ct, options...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx))
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestHandshakeAndToolCall(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())

	cli := connectClient(t, srv)

	require.Equal(t, pmcp.LatestProtocolVersion, cli.NegotiatedVersion())
	require.Equal(t, "s", cli.ServerInfo().Name)
	require.NotNil(t, cli.ServerCapabilities().Tools)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	list, err := cli.ListTools(ctx, pmcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, list.Tools, 1)
	require.Equal(t, "echo", list.Tools[0].Name)

	result, err := cli.CallTool(ctx, pmcp.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	require.Equal(t, "hi", result.Content[0].Text)
}

func TestToolErrors(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())
	srv.AddTool(pmcp.Tool{Name: "fail"}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		return pmcp.CallToolResult{}, errors.New("kaboom")
	})
	srv.AddTool(pmcp.Tool{Name: "panic"}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		panic("tool exploded")
	})

	cli := connectClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("unknown tool is a protocol error", func(t *testing.T) {
		_, err := cli.CallTool(ctx, pmcp.CallToolParams{Name: "nope"})
		var werr *pmcp.Error
		require.ErrorAs(t, err, &werr)
		require.Equal(t, pmcp.CodeMethodNotFound, werr.Code)
	})

	t.Run("domain failure surfaces as isError result", func(t *testing.T) {
		result, err := cli.CallTool(ctx, pmcp.CallToolParams{Name: "fail"})
		require.NoError(t, err)
		require.True(t, result.IsError)
		require.Contains(t, result.Content[0].Text, "kaboom")
	})

	t.Run("structural failure surfaces as invalid params", func(t *testing.T) {
		_, err := cli.CallTool(ctx, pmcp.CallToolParams{
			Name:      "echo",
			Arguments: json.RawMessage(`"not an object"`),
		})
		var werr *pmcp.Error
		require.ErrorAs(t, err, &werr)
		require.Equal(t, pmcp.CodeInvalidParams, werr.Code)
	})

	t.Run("handler panic becomes internal error", func(t *testing.T) {
		_, err := cli.CallTool(ctx, pmcp.CallToolParams{Name: "panic"})
		var werr *pmcp.Error
		require.ErrorAs(t, err, &werr)
		require.Equal(t, pmcp.CodeInternalError, werr.Code)
		require.Contains(t, fmt.Sprint(werr.Data["panic"]), "tool exploded")
	})
}

func TestProgressAndCancellation(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})

	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(pmcp.Tool{Name: "slow"}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		sess.ReportProgress(ctx, 0.25, 1, "")
		sess.ReportProgress(ctx, 0.5, 1, "")
		close(started)
		select {
		case <-ctx.Done():
			close(cancelled)
			return pmcp.CallToolResult{}, ctx.Err()
		case <-time.After(30 * time.Second):
			return pmcp.CallToolResult{Content: []pmcp.Content{pmcp.TextContent("too late")}}, nil
		}
	})

	cli := connectClient(t, srv)

	var progressCount atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := cli.CallTool(ctx, pmcp.CallToolParams{Name: "slow"},
			pmcp.WithProgress(func(p pmcp.ProgressParams) {
				progressCount.Add(1)
			}))
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, pmcp.ErrRequestCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("call never resolved")
	}

	// The server handler observes its cancellation signal.
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("server handler never observed cancellation")
	}
	require.GreaterOrEqual(t, progressCount.Load(), int32(1))
}

func TestStrictCapabilityGate(t *testing.T) {
	// Server advertises tools only.
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())

	cli := connectClient(t, srv, pmcp.WithStrictClientCapabilities())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := cli.ListResources(ctx, pmcp.ListResourcesParams{})
	require.ErrorIs(t, err, pmcp.ErrCapabilityNotSupported)

	// The gated family fails fast; the advertised one still works.
	_, err = cli.ListTools(ctx, pmcp.ListToolsParams{})
	require.NoError(t, err)
}

func TestVersionMismatch(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	ct := startServer(t, srv)

	cli := pmcp.NewClient(pmcp.Info{Name: "c", Version: "1"}, ct,
		pmcp.WithProtocolVersion("3000-01-01"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := cli.Connect(ctx)
	var werr *pmcp.Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, pmcp.CodeInvalidParams, werr.Code)
	require.Contains(t, werr.Data, "supported")

	// The client closed on mismatch.
	select {
	case <-cli.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not close after version mismatch")
	}
}

func TestOperationalGate(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())
	ct := startServer(t, srv)

	cli := pmcp.NewClient(pmcp.Info{Name: "c", Version: "1"}, ct)
	t.Cleanup(func() { cli.Close() })

	// Operational requests are refused before the handshake.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := cli.ListTools(ctx, pmcp.ListToolsParams{})
	require.ErrorIs(t, err, pmcp.ErrNotConnected)
}

func TestSubscriptionsAndResourceUpdates(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"},
		pmcp.WithDebounce(pmcp.MethodNotificationsResourcesUpdated, pmcp.DebounceConfig{
			Interval: 10 * time.Millisecond,
			MaxWait:  100 * time.Millisecond,
			Merge:    true,
		}))
	srv.AddResource(pmcp.Resource{URI: "mem://note", Name: "note"},
		func(ctx context.Context, params pmcp.ReadResourceParams, sess *pmcp.ServerSession) (pmcp.ReadResourceResult, error) {
			return pmcp.ReadResourceResult{Contents: []pmcp.ResourceContents{{URI: params.URI, Text: "hello"}}}, nil
		})

	updated := make(chan string, 16)
	cli := connectClient(t, srv, pmcp.WithOnResourceUpdated(func(uri string) {
		updated <- uri
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	read, err := cli.ReadResource(ctx, pmcp.ReadResourceParams{URI: "mem://note"})
	require.NoError(t, err)
	require.Equal(t, "hello", read.Contents[0].Text)

	_, err = cli.ReadResource(ctx, pmcp.ReadResourceParams{URI: "mem://missing"})
	var werr *pmcp.Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, pmcp.CodeResourceNotFound, werr.Code)

	require.NoError(t, cli.SubscribeResource(ctx, pmcp.SubscribeResourceParams{URI: "mem://note"}))

	// A burst of updates coalesces into a bounded number of notifications.
	for i := 0; i < 10; i++ {
		srv.ResourceUpdated("mem://note")
	}

	select {
	case uri := <-updated:
		require.Equal(t, "mem://note", uri)
	case <-time.After(5 * time.Second):
		t.Fatal("no update notification received")
	}

	require.NoError(t, cli.UnsubscribeResource(ctx, pmcp.UnsubscribeResourceParams{URI: "mem://note"}))
	// Drain anything already in flight, then verify silence.
	time.Sleep(200 * time.Millisecond)
	for len(updated) > 0 {
		<-updated
	}
	srv.ResourceUpdated("mem://note")
	select {
	case uri := <-updated:
		t.Fatalf("unexpected update after unsubscribe: %s", uri)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPromptsAndCompletion(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddPrompt(pmcp.Prompt{
		Name: "greet",
		Arguments: []pmcp.PromptArgument{
			{Name: "name", Required: true},
		},
	}, func(ctx context.Context, params pmcp.GetPromptParams, sess *pmcp.ServerSession) (pmcp.GetPromptResult, error) {
		return pmcp.GetPromptResult{
			Messages: []pmcp.PromptMessage{
				{Role: pmcp.RoleUser, Content: pmcp.TextContent("Hello, " + params.Arguments["name"])},
			},
		}, nil
	})
	srv.AddPromptCompletion("greet", func(ctx context.Context, params pmcp.CompleteParams) (pmcp.CompleteResult, error) {
		return pmcp.CompleteResult{Completion: pmcp.CompletionValues{Values: []string{"alice", "bob"}, Total: 2}}, nil
	})

	cli := connectClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prompt, err := cli.GetPrompt(ctx, pmcp.GetPromptParams{
		Name:      "greet",
		Arguments: map[string]string{"name": "world"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello, world", prompt.Messages[0].Content.Text)

	_, err = cli.GetPrompt(ctx, pmcp.GetPromptParams{Name: "greet"})
	var werr *pmcp.Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, pmcp.CodeInvalidParams, werr.Code)

	completion, err := cli.Complete(ctx, pmcp.CompleteParams{
		Ref:      pmcp.CompletionRef{Type: pmcp.CompletionRefPrompt, Name: "greet"},
		Argument: pmcp.CompletionArgument{Name: "name", Value: "a"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, completion.Completion.Values)
}

func TestDynamicRegistrationNotifies(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"},
		pmcp.WithDebounce(pmcp.MethodNotificationsToolsListChanged, pmcp.DebounceConfig{
			Interval: 10 * time.Millisecond,
			MaxWait:  50 * time.Millisecond,
			Merge:    true,
		}))
	srv.AddTool(echoTool())

	changed := make(chan struct{}, 8)
	cli := connectClient(t, srv, pmcp.WithOnToolListChanged(func() {
		changed <- struct{}{}
	}))

	srv.AddTool(pmcp.Tool{Name: "extra"}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		return pmcp.CallToolResult{Content: []pmcp.Content{pmcp.TextContent("ok")}}, nil
	})

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no list-changed notification after AddTool")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := cli.ListTools(ctx, pmcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, list.Tools, 2)
}

func TestSamplingRoundtrip(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(pmcp.Tool{Name: "ask-model"}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		result, err := sess.CreateMessage(ctx, pmcp.SamplingParams{
			Messages: []pmcp.SamplingMessage{
				{Role: pmcp.RoleUser, Content: pmcp.TextContent("hi")},
			},
			MaxTokens: 16,
		})
		if err != nil {
			return pmcp.CallToolResult{}, err
		}
		return pmcp.CallToolResult{Content: []pmcp.Content{result.Content}}, nil
	})

	cli := connectClient(t, srv, pmcp.WithSamplingHandler(staticSampler{reply: "hello from the model"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := cli.CallTool(ctx, pmcp.CallToolParams{Name: "ask-model"})
	require.NoError(t, err)
	require.Equal(t, "hello from the model", result.Content[0].Text)
}

type staticSampler struct {
	reply string
}

func (s staticSampler) CreateMessage(ctx context.Context, params pmcp.SamplingParams) (pmcp.SamplingResult, error) {
	return pmcp.SamplingResult{
		Role:       pmcp.RoleAssistant,
		Content:    pmcp.TextContent(s.reply),
		Model:      "static-1",
		StopReason: "endTurn",
	}, nil
}

func TestLoggingStream(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"}, pmcp.WithLogging())
	srv.AddTool(echoTool())

	logs := make(chan pmcp.LogParams, 8)
	cli := connectClient(t, srv, pmcp.WithOnLogMessage(func(p pmcp.LogParams) {
		logs <- p
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.SetLogLevel(ctx, pmcp.LogLevelWarning))

	srv.Log(pmcp.LogLevelDebug, "test", "filtered out")
	srv.Log(pmcp.LogLevelError, "test", "kept")

	select {
	case p := <-logs:
		require.Equal(t, pmcp.LogLevelError, p.Level)
		var text string
		require.NoError(t, json.Unmarshal(p.Data, &text))
		require.Equal(t, "kept", text)
	case <-time.After(5 * time.Second):
		t.Fatal("no log message received")
	}
}

// rawConn speaks newline-delimited JSON-RPC directly to a server, for wire
// level assertions the typed client cannot express.
type rawConn struct {
	t      *testing.T
	writer io.Writer
	reader *bufio.Reader
}

func newRawConn(t *testing.T, srv *pmcp.Server) *rawConn {
	t.Helper()
	sr, cw := io.Pipe()
	cr, sw := io.Pipe()
	st := pmcp.NewStdioTransport(sr, sw)
	go func() {
		_ = srv.Serve(context.Background(), st)
	}()
	t.Cleanup(func() { st.Close() })
	return &rawConn{t: t, writer: cw, reader: bufio.NewReader(cr)}
}

func (c *rawConn) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.writer, line+"\n")
	require.NoError(c.t, err)
}

func (c *rawConn) recv() string {
	c.t.Helper()
	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		lines <- line
	}()
	select {
	case line := <-lines:
		return line
	case err := <-errs:
		c.t.Fatalf("read failed: %v", err)
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for frame")
	}
	return ""
}

func (c *rawConn) handshake() {
	c.t.Helper()
	c.send(`{"jsonrpc":"2.0","id":"init","method":"initialize","params":` +
		`{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw","version":"1"}}}`)
	resp := c.recv()
	require.Contains(c.t, resp, `"id":"init"`)
	require.Contains(c.t, resp, `"protocolVersion":"2025-06-18"`)
	c.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func TestBatchWithMixedMessages(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())
	srv.AddPrompt(pmcp.Prompt{Name: "p"}, func(ctx context.Context, params pmcp.GetPromptParams, sess *pmcp.ServerSession) (pmcp.GetPromptResult, error) {
		return pmcp.GetPromptResult{Messages: []pmcp.PromptMessage{}}, nil
	})

	conn := newRawConn(t, srv)
	conn.handshake()

	conn.send(`[` +
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"},` +
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"x","progress":1}},` +
		`{"jsonrpc":"2.0","id":2,"method":"prompts/list"}` +
		`]`)

	line := conn.recv()
	var responses []pmcp.Message
	require.NoError(t, json.Unmarshal([]byte(line), &responses))

	// The notification produces no slot; the two responses come back in the
	// positional order of their requests.
	require.Len(t, responses, 2)
	require.Equal(t, "1", responses[0].ID.String())
	require.False(t, responses[0].ID.IsString())
	require.Equal(t, "2", responses[1].ID.String())
	require.Nil(t, responses[0].Error)
	require.Nil(t, responses[1].Error)
}

func TestServerRejectsRequestsBeforeInitialized(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())

	conn := newRawConn(t, srv)
	conn.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	line := conn.recv()

	var msg pmcp.Message
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	require.NotNil(t, msg.Error)
	require.Equal(t, pmcp.CodeInvalidRequest, msg.Error.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})

	conn := newRawConn(t, srv)
	conn.handshake()
	conn.send(`{"jsonrpc":"2.0","id":9,"method":"no/such/method"}`)
	line := conn.recv()

	var msg pmcp.Message
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	require.NotNil(t, msg.Error)
	require.Equal(t, pmcp.CodeMethodNotFound, msg.Error.Code)
	require.Equal(t, "9", msg.ID.String())
	require.False(t, msg.ID.IsString())
}

func TestStringIDEchoedAsString(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())

	conn := newRawConn(t, srv)
	conn.handshake()
	conn.send(`{"jsonrpc":"2.0","id":"abc-123","method":"tools/list"}`)
	line := conn.recv()
	require.Contains(t, line, `"id":"abc-123"`)
}
