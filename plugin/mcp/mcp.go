// Package mcp is a pull-style Model Context Protocol client: every call opens
// a session, does its work and closes the session again.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
)

// Transport names accepted in ServerConfig.
const (
	TransportStreamableHTTP = "streamable_http"
	TransportSSE            = "sse"
)

// ServerConfig describes one tool server.
type ServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"`
	URL       string            `json:"url" yaml:"url"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Validate checks the configuration without contacting the server.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("tool server name is required")
	}
	switch c.Transport {
	case "", TransportStreamableHTTP, TransportSSE:
	default:
		return errors.Errorf("tool server %s: unsupported transport %q", c.Name, c.Transport)
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("tool server %s: invalid url %q", c.Name, c.URL)
	}
	return nil
}

// Tool is a tool advertised by a server.
type Tool struct {
	Server      string
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client talks to tool servers.
type Client struct {
	name    string
	version string
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(name, version string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{name: name, version: version, timeout: timeout, logger: logger}
}

// ListTools enumerates the tools of one server.
func (c *Client) ListTools(ctx context.Context, cfg ServerConfig) ([]Tool, error) {
	var tools []Tool
	err := c.withSession(ctx, cfg, func(ctx context.Context, cli *mcpclient.Client) error {
		result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return errors.Wrap(err, "list tools")
		}
		for _, t := range result.Tools {
			schema := t.RawInputSchema
			if len(schema) == 0 {
				if schema, err = json.Marshal(t.InputSchema); err != nil {
					return errors.Wrapf(err, "encode schema of %s", t.Name)
				}
			}
			tools = append(tools, Tool{
				Server:      cfg.Name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("listed tool server tools", "server", cfg.Name, "count", len(tools))
	return tools, nil
}

// CallTool invokes one tool and flattens its text content. A result flagged
// as an error by the server is returned as an error carrying that text.
func (c *Client) CallTool(ctx context.Context, cfg ServerConfig, name string, args json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", errors.Wrap(err, "arguments must be a JSON object")
		}
	}

	var out string
	err := c.withSession(ctx, cfg, func(ctx context.Context, cli *mcpclient.Client) error {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = arguments
		result, err := cli.CallTool(ctx, req)
		if err != nil {
			return errors.Wrapf(err, "call %s", name)
		}
		out = flattenContent(result.Content)
		if result.IsError {
			return errors.Errorf("tool %s failed: %s", name, out)
		}
		return nil
	})
	return out, err
}

func (c *Client) withSession(ctx context.Context, cfg ServerConfig, fn func(context.Context, *mcpclient.Client) error) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cli, err := newTransportClient(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := cli.Close(); err != nil {
			c.logger.Debug("failed to close tool server session", "server", cfg.Name, "error", err)
		}
	}()

	if err := cli.Start(ctx); err != nil {
		return errors.Wrapf(err, "connect to %s", cfg.Name)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: c.name, Version: c.version}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		return errors.Wrapf(err, "initialize %s", cfg.Name)
	}
	return fn(ctx, cli)
}

func newTransportClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportSSE:
		cli, err := mcpclient.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
		return cli, errors.Wrapf(err, "create sse client for %s", cfg.Name)
	default:
		cli, err := mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
		return cli, errors.Wrapf(err, "create http client for %s", cfg.Name)
	}
}

func flattenContent(contents []mcp.Content) string {
	var parts []string
	for _, content := range contents {
		switch v := content.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if b, err := json.Marshal(v); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}
