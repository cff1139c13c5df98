// Package mcp wraps the MCP streamable-HTTP client used to reach remote
// tool servers.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

const protocolVersion = "2025-06-18"

// Conn is an initialized connection to one MCP server.
type Conn struct {
	client *client.Client
}

// Connect dials and initializes a streamable-HTTP MCP server. Headers are
// attached to every request, typically for authentication.
func Connect(ctx context.Context, serverURL string, headers map[string]string) (*Conn, error) {
	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	mcpClient, err := client.NewStreamableHttpClient(serverURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := mcpClient.GetTransport().Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp transport: %w", err)
	}

	_, err = mcpClient.Initialize(ctx, mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "threadline",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("initialize mcp server: %w", err)
	}
	return &Conn{client: mcpClient}, nil
}

// ListTools returns the server's tool listing.
func (c *Conn) ListTools(ctx context.Context) ([]mcptypes.Tool, error) {
	res, err := c.client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes one tool on the server.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.CallToolResult, error) {
	res, err := c.client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call mcp tool %s: %w", name, err)
	}
	return res, nil
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	return c.client.Close()
}
