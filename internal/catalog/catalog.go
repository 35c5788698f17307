// Package catalog serves agent configuration from a YAML file and provider
// credentials from the profile.
package catalog

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/turn"
)

type file struct {
	Agents []*turn.AgentConfig `yaml:"agents"`
}

// Agents is an agent catalog loaded from YAML.
type Agents struct {
	mu     sync.RWMutex
	path   string
	agents map[string]*turn.AgentConfig
}

// Load reads the catalog at path. An empty path yields an empty catalog.
func Load(path string) (*Agents, error) {
	a := &Agents{path: path, agents: map[string]*turn.AgentConfig{}}
	if path == "" {
		return a, nil
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Agents, error) {
	agents, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Agents{agents: agents}, nil
}

func parse(data []byte) (map[string]*turn.AgentConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse agent catalog")
	}
	agents := make(map[string]*turn.AgentConfig, len(f.Agents))
	for i, agent := range f.Agents {
		if agent == nil || strings.TrimSpace(agent.ID) == "" {
			return nil, errors.Errorf("agent #%d has no id", i+1)
		}
		if _, ok := agents[agent.ID]; ok {
			return nil, errors.Errorf("agent %s is defined twice", agent.ID)
		}
		if agent.Model == "" {
			return nil, errors.Errorf("agent %s has no model", agent.ID)
		}
		for _, cfg := range agent.ToolServers {
			if err := cfg.Validate(); err != nil {
				return nil, errors.Wrapf(err, "agent %s", agent.ID)
			}
		}
		for _, cfg := range agent.RemoteAgents {
			if err := cfg.Validate(); err != nil {
				return nil, errors.Wrapf(err, "agent %s", agent.ID)
			}
		}
		agents[agent.ID] = agent
	}
	return agents, nil
}

// Reload rereads the catalog file. On error the previous agents are kept.
func (a *Agents) Reload() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read agent catalog %s", a.path)
	}
	agents, err := parse(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.agents = agents
	a.mu.Unlock()
	return nil
}

func (a *Agents) GetAgent(_ context.Context, agentID string) (*turn.AgentConfig, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agents[agentID], nil
}

// Len returns the number of agents in the catalog.
func (a *Agents) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.agents)
}

// Credentials hands out the instance-wide provider keys of the profile. No
// per-user secrets are stored, so every user gets the same keys.
type Credentials struct {
	keys map[string]string
}

func NewCredentials(p *profile.Profile) *Credentials {
	keys := map[string]string{}
	for provider, key := range map[string]string{
		turn.ProviderArcade: p.ArcadeAPIKey,
		"openai":            p.OpenAIAPIKey,
		"anthropic":         p.AnthropicAPIKey,
	} {
		if key != "" {
			keys[provider] = key
		}
	}
	return &Credentials{keys: keys}
}

func (c *Credentials) Lookup(_ context.Context, _ string, provider string) (string, bool) {
	key, ok := c.keys[provider]
	return key, ok
}
