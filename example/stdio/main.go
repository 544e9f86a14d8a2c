// Command stdio demonstrates a client and server talking MCP over an
// in-process pipe pair using the stdio transport: handshake, tool calls with
// progress, resource reads, and prompt rendering.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/pmcp-go/pmcp"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := pmcp.NewServer(pmcp.Info{Name: "example-server", Version: "0.1.0"},
		pmcp.WithInstructions("A small demo server with one tool, one resource, and one prompt."),
	)

	srv.AddTool(pmcp.Tool{
		Name:        "count",
		Description: "Counts to the given number, reporting progress",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"to":{"type":"integer"}},"required":["to"]}`),
	}, func(ctx context.Context, params pmcp.CallToolParams, sess *pmcp.ServerSession) (pmcp.CallToolResult, error) {
		var args struct {
			To int `json:"to"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return pmcp.CallToolResult{}, pmcp.Errorf(pmcp.CodeInvalidParams, "invalid arguments: %s", err)
		}
		for i := 1; i <= args.To; i++ {
			select {
			case <-ctx.Done():
				return pmcp.CallToolResult{}, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			sess.ReportProgress(ctx, float64(i), float64(args.To), fmt.Sprintf("at %d", i))
		}
		return pmcp.CallToolResult{
			Content: []pmcp.Content{pmcp.TextContent(fmt.Sprintf("counted to %d", args.To))},
		}, nil
	})

	srv.AddResource(pmcp.Resource{
		URI:      "mem://motd",
		Name:     "motd",
		MimeType: "text/plain",
	}, func(ctx context.Context, params pmcp.ReadResourceParams, sess *pmcp.ServerSession) (pmcp.ReadResourceResult, error) {
		return pmcp.ReadResourceResult{
			Contents: []pmcp.ResourceContents{{URI: params.URI, MimeType: "text/plain", Text: "hello from the server"}},
		}, nil
	})

	srv.AddPrompt(pmcp.Prompt{
		Name:      "greet",
		Arguments: []pmcp.PromptArgument{{Name: "name", Required: true}},
	}, func(ctx context.Context, params pmcp.GetPromptParams, sess *pmcp.ServerSession) (pmcp.GetPromptResult, error) {
		return pmcp.GetPromptResult{
			Messages: []pmcp.PromptMessage{
				{Role: pmcp.RoleUser, Content: pmcp.TextContent("Say hello to " + params.Arguments["name"])},
			},
		}, nil
	})

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	go func() {
		if err := srv.Serve(ctx, pmcp.NewStdioTransport(serverReader, serverWriter)); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	cli := pmcp.NewClient(pmcp.Info{Name: "example-client", Version: "0.1.0"},
		pmcp.NewStdioTransport(clientReader, clientWriter))
	if err := cli.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	fmt.Printf("connected to %s (protocol %s)\n", cli.ServerInfo().Name, cli.NegotiatedVersion())

	result, err := cli.CallTool(ctx, pmcp.CallToolParams{
		Name:      "count",
		Arguments: json.RawMessage(`{"to":5}`),
	}, pmcp.WithProgress(func(p pmcp.ProgressParams) {
		fmt.Printf("progress: %.0f/%.0f %s\n", p.Progress, p.Total, p.Message)
	}))
	if err != nil {
		log.Fatalf("tools/call: %v", err)
	}
	fmt.Println(result.Content[0].Text)

	read, err := cli.ReadResource(ctx, pmcp.ReadResourceParams{URI: "mem://motd"})
	if err != nil {
		log.Fatalf("resources/read: %v", err)
	}
	fmt.Println(read.Contents[0].Text)

	prompt, err := cli.GetPrompt(ctx, pmcp.GetPromptParams{
		Name:      "greet",
		Arguments: map[string]string{"name": "world"},
	})
	if err != nil {
		log.Fatalf("prompts/get: %v", err)
	}
	fmt.Println(prompt.Messages[0].Content.Text)
}
