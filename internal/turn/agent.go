package turn

import (
	"context"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/graph"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/plugin/a2a"
	"github.com/parleyhq/parley/plugin/arcade"
	"github.com/parleyhq/parley/plugin/mcp"
)

// ProviderArcade is the credential provider name of managed tools.
const ProviderArcade = "arcade"

// ManagedTools selects managed gated tools. The API key comes from the
// credential source.
type ManagedTools struct {
	Toolkits []string `json:"toolkits,omitempty" yaml:"toolkits,omitempty"`
	Tools    []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// AgentConfig is everything a turn needs to know about an agent.
type AgentConfig struct {
	ID string `json:"id" yaml:"id"`
	// Name and Description introduce a sub-agent to its parent.
	Name         string             `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Model        string             `json:"model" yaml:"model"`
	SystemPrompt string             `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Tools        []string           `json:"tools,omitempty" yaml:"tools,omitempty"`
	ToolServers  []mcp.ServerConfig `json:"tool_servers,omitempty" yaml:"tool_servers,omitempty"`
	RemoteAgents []a2a.AgentConfig  `json:"remote_agents,omitempty" yaml:"remote_agents,omitempty"`
	ManagedTools *ManagedTools      `json:"managed_tools,omitempty" yaml:"managed_tools,omitempty"`
	SubAgents    []*AgentConfig     `json:"sub_agents,omitempty" yaml:"sub_agents,omitempty"`
}

// AgentSource looks up agent configuration. A missing agent is (nil, nil).
type AgentSource interface {
	GetAgent(ctx context.Context, agentID string) (*AgentConfig, error)
}

// CredentialSource looks up a user's secret for a provider. Absence is not
// an error; callers fall back to public configuration.
type CredentialSource interface {
	Lookup(ctx context.Context, userID, provider string) (string, bool)
}

// buildSpec resolves the tools and models of cfg and its sub-agents.
func (s *Service) buildSpec(ctx context.Context, cfg *AgentConfig, userID, threadID string) (graph.Spec, error) {
	model, err := s.models.Get(cfg.Model)
	if err != nil {
		return graph.Spec{}, err
	}
	tools, err := s.resolveTools(ctx, cfg, userID, threadID)
	if err != nil {
		return graph.Spec{}, err
	}
	subs, err := s.buildSubAgents(ctx, cfg.SubAgents, cfg.Model, userID, threadID, 1)
	if err != nil {
		return graph.Spec{}, err
	}
	return graph.Spec{
		Model:        model,
		ModelID:      cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Tools:        tools,
		SubAgents:    subs,
	}, nil
}

const maxSubAgentDepth = 4

func (s *Service) buildSubAgents(ctx context.Context, configs []*AgentConfig, parentModel, userID, threadID string, depth int) ([]*graph.SubAgent, error) {
	if len(configs) == 0 {
		return nil, nil
	}
	if depth > maxSubAgentDepth {
		return nil, errors.Wrapf(toolset.ErrInvalidToolConfiguration, "sub-agents nested deeper than %d levels", maxSubAgentDepth)
	}
	out := make([]*graph.SubAgent, 0, len(configs))
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		modelID := cfg.Model
		if modelID == "" {
			modelID = parentModel
		}
		model, err := s.models.Get(modelID)
		if err != nil {
			return nil, err
		}
		tools, err := s.resolveTools(ctx, cfg, userID, threadID)
		if err != nil {
			return nil, err
		}
		nested, err := s.buildSubAgents(ctx, cfg.SubAgents, modelID, userID, threadID, depth+1)
		if err != nil {
			return nil, err
		}
		name := cfg.Name
		if name == "" {
			name = cfg.ID
		}
		out = append(out, &graph.SubAgent{
			Name:         name,
			Description:  cfg.Description,
			Model:        model,
			SystemPrompt: cfg.SystemPrompt,
			Tools:        tools,
			SubAgents:    nested,
		})
	}
	return out, nil
}

func (s *Service) resolveTools(ctx context.Context, cfg *AgentConfig, userID, threadID string) ([]*toolset.Tool, error) {
	req := toolset.Request{
		ToolNames:    cfg.Tools,
		ToolServers:  cfg.ToolServers,
		RemoteAgents: cfg.RemoteAgents,
		ThreadID:     threadID,
	}
	if cfg.ManagedTools != nil && s.credentials != nil {
		if key, ok := s.credentials.Lookup(ctx, userID, ProviderArcade); ok {
			req.Arcade = &arcade.Config{
				APIKey:   key,
				BaseURL:  s.opts.ArcadeBaseURL,
				Toolkits: cfg.ManagedTools.Toolkits,
				Tools:    cfg.ManagedTools.Tools,
			}
		} else {
			s.logger.Warn("no managed tool credentials, skipping managed tools", "agent", cfg.ID)
		}
	}
	return s.resolver.Resolve(ctx, req)
}
