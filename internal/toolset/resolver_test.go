package toolset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/plugin/a2a"
	"github.com/parleyhq/parley/plugin/arcade"
	mcpclient "github.com/parleyhq/parley/plugin/mcp"
)

func newToolServer(t *testing.T, name string, tools ...string) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer(name, "1.0.0", server.WithToolCapabilities(false))
	for _, tool := range tools {
		s.AddTool(
			mcp.NewTool(tool, mcp.WithDescription(tool+" from "+name), mcp.WithString("q")),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText(name + ":" + req.GetString("q", "")), nil
			},
		)
	}
	ts := httptest.NewServer(server.NewStreamableHTTPServer(s))
	t.Cleanup(ts.Close)
	return ts
}

func newResolver(t *testing.T, opts ...ResolverOption) *Resolver {
	t.Helper()
	registry, err := NewRegistry(DefaultLocalTools(nil)...)
	require.NoError(t, err)
	return NewResolver(registry,
		mcpclient.NewClient("parley-test", "dev", 2*time.Second, nil),
		a2a.NewClient(2*time.Second),
		opts...)
}

func byName(tools []*Tool) map[string]*Tool {
	out := make(map[string]*Tool, len(tools))
	for _, tool := range tools {
		out[tool.Name] = tool
	}
	return out
}

func TestResolveToleratesUnreachableToolServer(t *testing.T) {
	weather := newToolServer(t, "weather", "forecast")
	search := newToolServer(t, "search", "web_search", "news")
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	r := newResolver(t)
	tools, err := r.Resolve(context.Background(), Request{
		ToolNames: []string{"calculator", "unknown_tool"},
		ToolServers: []mcpclient.ServerConfig{
			{Name: "weather", URL: weather.URL + "/mcp"},
			{Name: "dead", URL: dead.URL + "/mcp"},
			{Name: "search", URL: search.URL + "/mcp"},
		},
	})
	require.NoError(t, err)
	got := byName(tools)
	require.Len(t, got, 4)
	require.Contains(t, got, "calculator")
	require.Equal(t, OriginToolServer, got["forecast"].Origin)
	require.Equal(t, OriginToolServer, got["news"].Origin)

	out, err := got["web_search"].Invoke(context.Background(), json.RawMessage(`{"q":"go"}`))
	require.NoError(t, err)
	require.Equal(t, "search:go", out)
}

func TestResolveLastWriterWins(t *testing.T) {
	first := newToolServer(t, "first", "lookup")
	second := newToolServer(t, "second", "lookup")

	tools, err := newResolver(t).Resolve(context.Background(), Request{
		ToolServers: []mcpclient.ServerConfig{
			{Name: "first", URL: first.URL + "/mcp"},
			{Name: "second", URL: second.URL + "/mcp"},
		},
	})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	out, err := tools[0].Invoke(context.Background(), json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	require.Equal(t, "second:x", out)
}

func TestResolveInvalidConfiguration(t *testing.T) {
	r := newResolver(t)
	_, err := r.Resolve(context.Background(), Request{
		ToolServers: []mcpclient.ServerConfig{{Name: "bad", URL: "ftp://example.com"}},
	})
	require.ErrorIs(t, err, ErrInvalidToolConfiguration)

	_, err = r.Resolve(context.Background(), Request{
		ToolServers: []mcpclient.ServerConfig{
			{Name: "dup", URL: "http://a.example/mcp"},
			{Name: "dup", URL: "http://b.example/mcp"},
		},
	})
	require.ErrorIs(t, err, ErrInvalidToolConfiguration)

	_, err = r.Resolve(context.Background(), Request{
		RemoteAgents: []a2a.AgentConfig{{BaseURL: "not a url"}},
	})
	require.ErrorIs(t, err, ErrInvalidToolConfiguration)
}

type fakeRemoteAgents struct {
	sessions []string
}

func (f *fakeRemoteAgents) FetchCard(_ context.Context, cfg a2a.AgentConfig) (*a2a.AgentCard, error) {
	if cfg.BaseURL == "http://down.example" {
		return nil, errors.New("connection refused")
	}
	return &a2a.AgentCard{Name: "Currency Agent", Description: "Converts currencies."}, nil
}

func (f *fakeRemoteAgents) SendTask(_ context.Context, _ a2a.AgentConfig, _ *a2a.AgentCard, sessionID, text string) (string, error) {
	f.sessions = append(f.sessions, sessionID)
	return "converted " + text, nil
}

func TestResolveRemoteAgents(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)
	agents := &fakeRemoteAgents{}
	r := NewResolver(registry, mcpclient.NewClient("parley-test", "dev", time.Second, nil), agents)

	tools, err := r.Resolve(context.Background(), Request{
		RemoteAgents: []a2a.AgentConfig{{BaseURL: "http://up.example"}, {BaseURL: "http://down.example"}},
		ThreadID:     "thread-9",
	})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	tool := tools[0]
	require.Equal(t, "currency_agent", tool.Name)
	require.Equal(t, OriginRemoteAgent, tool.Origin)

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"message":"10 USD to EUR"}`))
	require.NoError(t, err)
	require.Equal(t, "converted 10 USD to EUR", out)
	require.Equal(t, []string{"thread-9"}, agents.sessions)
}

func TestResolveManagedTools(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tools/list", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[
			{"name":"SendEmail","toolkit":{"name":"Gmail"},"description":"Send","input":{"parameters":[]}},
			{"name":"ListEmails","toolkit":{"name":"Gmail"},"description":"List","input":{"parameters":[]}}]}`))
	})
	mux.HandleFunc("POST /v1/tools/execute", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body["user_id"])
		assert.Equal(t, "Gmail.SendEmail", body["tool_name"])
		_, _ = w.Write([]byte(`{"success":true,"output":{"value":"sent"}}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	r := newResolver(t)
	tools, err := r.Resolve(context.Background(), Request{
		Arcade: &arcade.Config{APIKey: "k", BaseURL: ts.URL, Tools: []string{"Gmail.SendEmail"}},
	})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	tool := tools[0]
	require.Equal(t, "Gmail_SendEmail", tool.Name)
	require.Equal(t, "Gmail.SendEmail", tool.RemoteName)
	require.True(t, tool.RequiresAuthorization)
	require.NotNil(t, tool.Authorizer)
	require.True(t, tool.AuthorizationTarget().RequiresAuthorization)

	ctx := WithInvocation(context.Background(), Invocation{UserID: "u1"})
	out, err := tool.Invoke(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "sent", out)
}

func TestResolveManagedToolsWithoutKey(t *testing.T) {
	tools, err := newResolver(t).Resolve(context.Background(), Request{Arcade: &arcade.Config{}})
	require.NoError(t, err)
	require.Empty(t, tools)
}
