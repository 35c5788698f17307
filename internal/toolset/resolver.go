package toolset

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/plugin/a2a"
	"github.com/parleyhq/parley/plugin/arcade"
	"github.com/parleyhq/parley/plugin/mcp"
)

// Request selects the tools of one turn.
type Request struct {
	// ToolNames picks local tools by name.
	ToolNames    []string
	ToolServers  []mcp.ServerConfig
	RemoteAgents []a2a.AgentConfig
	// Arcade enables managed gated tools. An empty APIKey disables them.
	Arcade *arcade.Config
	// ThreadID becomes the session id of remote agent tasks.
	ThreadID string
}

// ToolServerClient enumerates and calls tool server tools.
type ToolServerClient interface {
	ListTools(ctx context.Context, cfg mcp.ServerConfig) ([]mcp.Tool, error)
	CallTool(ctx context.Context, cfg mcp.ServerConfig, name string, args json.RawMessage) (string, error)
}

// RemoteAgentClient fetches agent cards and sends tasks to remote agents.
type RemoteAgentClient interface {
	FetchCard(ctx context.Context, cfg a2a.AgentConfig) (*a2a.AgentCard, error)
	SendTask(ctx context.Context, cfg a2a.AgentConfig, card *a2a.AgentCard, sessionID, text string) (string, error)
}

// Resolver federates local, tool-server, remote-agent and managed tools into
// one deduplicated set.
type Resolver struct {
	registry     *Registry
	toolServers  ToolServerClient
	remoteAgents RemoteAgentClient
	newArcade    func(arcade.Config) *arcade.Client
	logger       *slog.Logger
}

type ResolverOption func(*Resolver)

// WithArcadeFactory overrides how managed tool clients are built.
func WithArcadeFactory(fn func(arcade.Config) *arcade.Client) ResolverOption {
	return func(r *Resolver) { r.newArcade = fn }
}

func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

func NewResolver(registry *Registry, toolServers ToolServerClient, remoteAgents RemoteAgentClient, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry:     registry,
		toolServers:  toolServers,
		remoteAgents: remoteAgents,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newArcade == nil {
		r.newArcade = func(cfg arcade.Config) *arcade.Client { return arcade.NewClient(cfg, arcade.DefaultTimeout) }
	}
	return r
}

// Resolve returns the tools of one turn. Malformed configuration fails with
// ErrInvalidToolConfiguration; an unreachable endpoint only loses its own tools.
func (r *Resolver) Resolve(ctx context.Context, req Request) ([]*Tool, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// One slot per source, in a fixed order, so later sources win name
	// collisions deterministically.
	slots := make([][]*Tool, 1+len(req.ToolServers)+len(req.RemoteAgents)+1)
	slots[0] = r.registry.Select(req.ToolNames)

	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range req.ToolServers {
		g.Go(func() error {
			slots[1+i] = r.toolServerTools(gctx, cfg)
			return nil
		})
	}
	for i, cfg := range req.RemoteAgents {
		g.Go(func() error {
			slots[1+len(req.ToolServers)+i] = r.remoteAgentTool(gctx, cfg, req.ThreadID)
			return nil
		})
	}
	if req.Arcade != nil {
		g.Go(func() error {
			slots[len(slots)-1] = r.managedTools(gctx, *req.Arcade)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r.dedupe(slots), nil
}

func validate(req Request) error {
	names := make(map[string]bool, len(req.ToolServers))
	for _, cfg := range req.ToolServers {
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(ErrInvalidToolConfiguration, err.Error())
		}
		if names[cfg.Name] {
			return errors.Wrapf(ErrInvalidToolConfiguration, "tool server %s configured twice", cfg.Name)
		}
		names[cfg.Name] = true
	}
	for _, cfg := range req.RemoteAgents {
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(ErrInvalidToolConfiguration, err.Error())
		}
	}
	return nil
}

func (r *Resolver) dedupe(slots [][]*Tool) []*Tool {
	index := make(map[string]int)
	var out []*Tool
	for _, tools := range slots {
		for _, t := range tools {
			if i, ok := index[t.Name]; ok {
				r.logger.Warn("tool name collision, keeping the later tool",
					"tool", t.Name, "replaced_origin", out[i].Origin, "origin", t.Origin)
				out[i] = t
				continue
			}
			index[t.Name] = len(out)
			out = append(out, t)
		}
	}
	return out
}

func (r *Resolver) toolServerTools(ctx context.Context, cfg mcp.ServerConfig) []*Tool {
	listed, err := r.toolServers.ListTools(ctx, cfg)
	if err != nil {
		r.logger.Warn("skipping tool server",
			"server", cfg.Name, "url", cfg.URL, "error", errors.Wrap(ErrRemoteEndpointUnavailable, err.Error()))
		return nil
	}
	out := make([]*Tool, 0, len(listed))
	for _, t := range listed {
		out = append(out, &Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Origin:      OriginToolServer,
			Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
				return r.toolServers.CallTool(ctx, cfg, t.Name, args)
			},
		})
	}
	return out
}

var remoteAgentSchema = json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"The task for the agent, in plain language"}},"required":["message"]}`)

func (r *Resolver) remoteAgentTool(ctx context.Context, cfg a2a.AgentConfig, threadID string) []*Tool {
	card, err := r.remoteAgents.FetchCard(ctx, cfg)
	if err != nil {
		r.logger.Warn("skipping remote agent",
			"url", cfg.BaseURL, "error", errors.Wrap(ErrRemoteEndpointUnavailable, err.Error()))
		return nil
	}
	return []*Tool{{
		Name:        a2a.ToolName(card),
		Description: a2a.Describe(card),
		InputSchema: remoteAgentSchema,
		Origin:      OriginRemoteAgent,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", errors.Wrap(err, "decode arguments")
			}
			return r.remoteAgents.SendTask(ctx, cfg, card, threadID, in.Message)
		},
	}}
}

func (r *Resolver) managedTools(ctx context.Context, cfg arcade.Config) []*Tool {
	if cfg.APIKey == "" {
		r.logger.Warn("skipping managed tools: no API key")
		return nil
	}
	client := r.newArcade(cfg)
	authorizer := authz.ArcadeAuthorizer{Client: client}

	toolkits := cfg.Toolkits
	if len(toolkits) == 0 {
		toolkits = []string{""}
	}
	var out []*Tool
	for _, toolkit := range toolkits {
		defs, err := client.ListTools(ctx, toolkit)
		if err != nil {
			r.logger.Warn("skipping managed toolkit",
				"toolkit", toolkit, "error", errors.Wrap(ErrRemoteEndpointUnavailable, err.Error()))
			continue
		}
		for _, d := range defs {
			if len(cfg.Tools) > 0 && !slices.Contains(cfg.Tools, d.QualifiedName()) && !slices.Contains(cfg.Tools, d.ModelName()) {
				continue
			}
			remote := d.QualifiedName()
			out = append(out, &Tool{
				Name:                  d.ModelName(),
				Description:           d.Description,
				InputSchema:           d.InputSchema(),
				Origin:                OriginToolServer,
				RemoteName:            remote,
				RequiresAuthorization: true,
				Authorizer:            authorizer,
				Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
					return client.Execute(ctx, remote, InvocationFrom(ctx).UserID, args)
				},
			})
		}
	}
	return out
}
