// Command streamable runs a stateful streamable-HTTP MCP server on
// localhost and exercises it with a client: session negotiation over the
// Mcp-Session-Id header, a tool call answered over SSE, and log
// notifications over the standalone GET stream, resumable via the event
// store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pmcp-go/pmcp"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := pmcp.NewServer(pmcp.Info{Name: "streamable-server", Version: "0.1.0"},
		pmcp.WithLogging(),
	)
	srv.AddTool(pmcp.Tool{
		Name:        "echo",
		Description: "Echoes back the given text",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return pmcp.CallToolResult{}, pmcp.Errorf(pmcp.CodeInvalidParams, "invalid arguments: %s", err)
		}
		return pmcp.CallToolResult{Content: []pmcp.Content{pmcp.TextContent(args.Text)}}, nil
	})

	handler := pmcp.NewStreamableHTTPServer(srv,
		pmcp.WithEventStore(pmcp.NewMemoryEventStore()),
		pmcp.WithSessionTTL(10*time.Minute),
	)

	httpServer := &http.Server{Addr: "127.0.0.1:8931", Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = handler.Shutdown(shutdownCtx)
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	time.Sleep(100 * time.Millisecond)

	transport := pmcp.NewStreamableHTTPClient("http://127.0.0.1:8931")
	cli := pmcp.NewClient(pmcp.Info{Name: "streamable-client", Version: "0.1.0"}, transport,
		pmcp.WithOnLogMessage(func(p pmcp.LogParams) {
			fmt.Printf("server log [%s]: %s\n", p.Level, p.Data)
		}),
	)
	if err := cli.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	fmt.Printf("session %s established with %s\n", transport.SessionID(), cli.ServerInfo().Name)

	result, err := cli.CallTool(ctx, pmcp.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello over http"}`),
	})
	if err != nil {
		log.Fatalf("tools/call: %v", err)
	}
	fmt.Println(result.Content[0].Text)

	srv.Log(pmcp.LogLevelInfo, "demo", "a push over the standalone stream")
	time.Sleep(500 * time.Millisecond)
}
