package pmcp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/pmcp-go/pmcp"
)

func newHTTPFixture(t *testing.T, srv *pmcp.Server, options ...pmcp.StreamableHTTPOption) (*httptest.Server, *pmcp.StreamableHTTPServer) {
	t.Helper()
	handler := pmcp.NewStreamableHTTPServer(srv, options...)
	hs := httptest.NewServer(handler)
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = handler.Shutdown(ctx)
	})
	return hs, handler
}

func TestStreamableHTTPEndToEnd(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())
	srv.AddTool(pmcp.Tool{Name: "progressive"}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		sess.ReportProgress(ctx, 0.5, 1, "halfway")
		return pmcp.CallToolResult{Content: []pmcp.Content{pmcp.TextContent("done")}}, nil
	})

	hs, _ := newHTTPFixture(t, srv, pmcp.WithEventStore(pmcp.NewMemoryEventStore()))

	tr := pmcp.NewStreamableHTTPClient(hs.URL)
	cli := pmcp.NewClient(pmcp.Info{Name: "c", Version: "1"}, tr)
	t.Cleanup(func() { cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx))
	require.NotEmpty(t, tr.SessionID())
	require.Equal(t, pmcp.LatestProtocolVersion, cli.NegotiatedVersion())

	result, err := cli.CallTool(ctx, pmcp.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"over http"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "over http", result.Content[0].Text)

	var progressSeen atomic.Int32
	result, err = cli.CallTool(ctx, pmcp.CallToolParams{Name: "progressive"},
		pmcp.WithProgress(func(p pmcp.ProgressParams) {
			progressSeen.Add(1)
		}))
	require.NoError(t, err)
	require.Equal(t, "done", result.Content[0].Text)
	require.Eventually(t, func() bool { return progressSeen.Load() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestStreamableHTTPSessionGate(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())
	hs, _ := newHTTPFixture(t, srv)

	t.Run("request without session id", func(t *testing.T) {
		resp, err := http.Post(hs.URL, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var msg pmcp.Message
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
		require.NotNil(t, msg.Error)
		require.Equal(t, pmcp.CodeInvalidRequest, msg.Error.Code)
	})

	t.Run("request with unknown session id", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, hs.URL,
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(pmcp.SessionHeader, "bogus")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(hs.URL, "application/json", strings.NewReader(`{nope`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var msg pmcp.Message
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
		require.NotNil(t, msg.Error)
		require.Equal(t, pmcp.CodeParseError, msg.Error.Code)
	})
}

func initializeRaw(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Post(url, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":`+
			`{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw","version":"1"}}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg pmcp.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.Nil(t, msg.Error)

	sessionID := resp.Header.Get(pmcp.SessionHeader)
	require.NotEmpty(t, sessionID)

	// Complete the handshake.
	req, err := http.NewRequest(http.MethodPost, url,
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(pmcp.SessionHeader, sessionID)
	nresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	nresp.Body.Close()
	require.Equal(t, http.StatusAccepted, nresp.StatusCode)

	return sessionID
}

func TestStreamableHTTPReinitializeRejected(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	hs, _ := newHTTPFixture(t, srv)

	sessionID := initializeRaw(t, hs.URL)

	req, err := http.NewRequest(http.MethodPost, hs.URL,
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":`+
			`{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw","version":"1"}}}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(pmcp.SessionHeader, sessionID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamableHTTPDeleteEndsSession(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())
	hs, _ := newHTTPFixture(t, srv)

	sessionID := initializeRaw(t, hs.URL)

	req, err := http.NewRequest(http.MethodDelete, hs.URL, nil)
	require.NoError(t, err)
	req.Header.Set(pmcp.SessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone.
	req, err = http.NewRequest(http.MethodPost, hs.URL,
		strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(pmcp.SessionHeader, sessionID)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamableHTTPStateless(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(echoTool())
	hs, _ := newHTTPFixture(t, srv, pmcp.WithStateless(), pmcp.WithJSONResponse())

	// No session header required; each POST stands alone.
	resp, err := http.Post(hs.URL, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get(pmcp.SessionHeader))

	var msg pmcp.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.Nil(t, msg.Error)

	var list pmcp.ListToolsResult
	require.NoError(t, json.Unmarshal(msg.Result, &list))
	require.Len(t, list.Tools, 1)

	// Initialize may be called repeatedly.
	for i := 0; i < 2; i++ {
		iresp, ierr := http.Post(hs.URL, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":`+
				`{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw","version":"1"}}}`))
		require.NoError(t, ierr)
		iresp.Body.Close()
		require.Equal(t, http.StatusOK, iresp.StatusCode)
		require.Empty(t, iresp.Header.Get(pmcp.SessionHeader))
	}
}

func TestStreamableHTTPResumability(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"}, pmcp.WithLogging())
	hs, _ := newHTTPFixture(t, srv, pmcp.WithEventStore(pmcp.NewMemoryEventStore()))

	sessionID := initializeRaw(t, hs.URL)

	// With no GET stream attached, server pushes land in the event store.
	srv.Log(pmcp.LogLevelInfo, "test", "one")
	srv.Log(pmcp.LogLevelInfo, "test", "two")
	srv.Log(pmcp.LogLevelInfo, "test", "three")

	// Give the notifications a moment to traverse the engine.
	time.Sleep(200 * time.Millisecond)

	// Resume after event 1: events 2 and 3 replay in order.
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(pmcp.SessionHeader, sessionID)
	req.Header.Set("Last-Event-ID", "1")

	getCtx, cancelGet := context.WithCancel(context.Background())
	defer cancelGet()
	req = req.WithContext(getCtx)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	type replayed struct {
		id   string
		data string
	}
	events := make(chan replayed, 8)
	go func() {
		for ev, rerr := range sse.Read(resp.Body, nil) {
			if rerr != nil {
				return
			}
			events <- replayed{id: ev.LastEventID, data: ev.Data}
		}
	}()

	expectLog := func(wantID, wantText string) {
		t.Helper()
		select {
		case ev := <-events:
			require.Equal(t, wantID, ev.id)
			var msg pmcp.Message
			require.NoError(t, json.Unmarshal([]byte(ev.data), &msg))
			require.Equal(t, pmcp.MethodNotificationsMessage, msg.Method)
			var params pmcp.LogParams
			require.NoError(t, json.Unmarshal(msg.Params, &params))
			var text string
			require.NoError(t, json.Unmarshal(params.Data, &text))
			require.Equal(t, wantText, text)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %s", wantID)
		}
	}

	expectLog("2", "two")
	expectLog("3", "three")

	// The stream continues live after the replay.
	srv.Log(pmcp.LogLevelInfo, "test", "four")
	expectLog("4", "four")

	// A Last-Event-ID that is not a number is refused.
	req2, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	require.NoError(t, err)
	req2.Header.Set("Accept", "text/event-stream")
	req2.Header.Set(pmcp.SessionHeader, sessionID)
	req2.Header.Set("Last-Event-ID", "not-a-number")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestStreamableHTTPExpiredReplayWindow(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"}, pmcp.WithLogging())
	store := pmcp.NewMemoryEventStore(pmcp.WithMaxEventsPerStream(2))
	hs, _ := newHTTPFixture(t, srv, pmcp.WithEventStore(store))

	sessionID := initializeRaw(t, hs.URL)

	for _, text := range []string{"a", "b", "c", "d", "e"} {
		srv.Log(pmcp.LogLevelInfo, "test", text)
	}
	time.Sleep(200 * time.Millisecond)

	// Only the last two events are retained; replaying after event 1 is
	// impossible and the client is told to start over.
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(pmcp.SessionHeader, sessionID)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStreamableHTTPUnsolicitedNotifications(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"}, pmcp.WithLogging())
	hs, _ := newHTTPFixture(t, srv, pmcp.WithEventStore(pmcp.NewMemoryEventStore()))

	tr := pmcp.NewStreamableHTTPClient(hs.URL)
	logs := make(chan pmcp.LogParams, 8)
	cli := pmcp.NewClient(pmcp.Info{Name: "c", Version: "1"}, tr,
		pmcp.WithOnLogMessage(func(p pmcp.LogParams) { logs <- p }))
	t.Cleanup(func() { cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx))

	// The client's standalone GET stream delivers pushes that belong to no
	// particular request.
	require.Eventually(t, func() bool {
		srv.Log(pmcp.LogLevelInfo, "test", "hello")
		select {
		case <-logs:
			return true
		default:
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)
}

func TestStreamableHTTPAuthInfo(t *testing.T) {
	seen := make(chan *pmcp.AuthInfo, 1)
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	srv.AddTool(pmcp.Tool{Name: "whoami"}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		seen <- pmcp.AuthInfoFromContext(ctx)
		return pmcp.CallToolResult{Content: []pmcp.Content{pmcp.TextContent("ok")}}, nil
	})
	hs, _ := newHTTPFixture(t, srv)

	tr := pmcp.NewStreamableHTTPClient(hs.URL, pmcp.WithAuthorization("Bearer tok-123"))
	cli := pmcp.NewClient(pmcp.Info{Name: "c", Version: "1"}, tr)
	t.Cleanup(func() { cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx))

	_, err := cli.CallTool(ctx, pmcp.CallToolParams{Name: "whoami"})
	require.NoError(t, err)

	info := <-seen
	require.NotNil(t, info)
	require.Equal(t, "Bearer", info.Scheme)
	require.Equal(t, "tok-123", info.Token)
}

func TestStreamableHTTPOversizedBody(t *testing.T) {
	srv := pmcp.NewServer(pmcp.Info{Name: "s", Version: "1"})
	hs, _ := newHTTPFixture(t, srv, pmcp.WithStreamableHTTPCodec(pmcp.NewCodec(pmcp.WithMaxFrameSize(128))))

	big := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` +
		strings.Repeat("x", 512) + `"}}`
	resp, err := http.Post(hs.URL, "application/json", strings.NewReader(big))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
}
