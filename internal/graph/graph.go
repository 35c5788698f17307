// Package graph builds and runs the execution graph of one conversation turn.
//
// A graph without tools is a single agent node. With tools it is a loop:
// agent → (authorization) → tools → agent, ending when the model stops
// requesting tools.
package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/store"
)

const (
	DefaultRecursionLimit = 25
	DefaultToolTimeout    = 30 * time.Second
)

// ErrRecursionLimit ends a turn that kept looping through the tools node.
var ErrRecursionLimit = errors.New("recursion limit reached")

type Node string

const (
	NodeStart         Node = "__start__"
	NodeAgent         Node = "agent"
	NodeAuthorization Node = "authorization"
	NodeTools         Node = "tools"
	NodeEnd           Node = "__end__"
)

// Edge is a transition between nodes. When names the branch condition.
type Edge struct {
	From Node
	To   Node
	When string
}

// Topology is the structure of a graph, independent of bound closures.
type Topology struct {
	Nodes []Node
	Edges []Edge
}

func singleNodeTopology() Topology {
	return Topology{
		Nodes: []Node{NodeAgent},
		Edges: []Edge{
			{From: NodeStart, To: NodeAgent},
			{From: NodeAgent, To: NodeEnd},
		},
	}
}

func toolLoopTopology() Topology {
	return Topology{
		Nodes: []Node{NodeAgent, NodeAuthorization, NodeTools},
		Edges: []Edge{
			{From: NodeStart, To: NodeAgent},
			{From: NodeAgent, To: NodeEnd, When: "no tool calls"},
			{From: NodeAgent, To: NodeTools, When: "tool calls"},
			{From: NodeAgent, To: NodeAuthorization, When: "gated tool calls"},
			{From: NodeAuthorization, To: NodeTools, When: "authorized"},
			{From: NodeAuthorization, To: NodeEnd, When: "authorization required"},
			{From: NodeTools, To: NodeAgent},
		},
	}
}

// SubAgent is a delegate exposed to its parent as a single tool.
type SubAgent struct {
	Name         string
	Description  string
	Model        llms.Model
	SystemPrompt string
	Tools        []*toolset.Tool
	SubAgents    []*SubAgent
}

// Spec is what a graph is built from.
type Spec struct {
	Model        llms.Model
	ModelID      string
	SystemPrompt string
	Tools        []*toolset.Tool
	SubAgents    []*SubAgent
}

type Options struct {
	RecursionLimit int
	ToolTimeout    time.Duration
	// Authorization creates the turn's gate when the context carries none.
	Authorization *authz.Controller
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RecursionLimit <= 0 {
		o.RecursionLimit = DefaultRecursionLimit
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = DefaultToolTimeout
	}
	if o.Authorization == nil {
		o.Authorization = authz.NewController(0, o.Logger)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Graph is a built execution graph.
type Graph struct {
	model    llms.Model
	modelID  string
	prompt   string
	topology Topology
	tools    map[string]*toolset.Tool
	defs     []llms.Tool
	opts     Options

	validator *toolset.Validator
}

// Build assembles a graph. Equal inputs yield equal topologies.
func Build(spec Spec, opts Options) (*Graph, error) {
	if spec.Model == nil {
		return nil, errors.New("graph: model is required")
	}
	opts = opts.withDefaults()
	g := &Graph{
		model:   spec.Model,
		modelID: spec.ModelID,
		prompt:  spec.SystemPrompt,
		opts:    opts,
	}

	tools := slices.Clone(spec.Tools)
	for _, sa := range spec.SubAgents {
		child, err := Build(Spec{
			Model:        sa.Model,
			SystemPrompt: sa.SystemPrompt,
			Tools:        sa.Tools,
			SubAgents:    sa.SubAgents,
		}, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "sub-agent %s", sa.Name)
		}
		tools = append(tools, delegationTool(sa, child))
	}
	if len(tools) == 0 {
		g.topology = singleNodeTopology()
		return g, nil
	}

	g.topology = toolLoopTopology()
	g.tools = make(map[string]*toolset.Tool, len(tools))
	g.validator = &toolset.Validator{}
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.Wrap(toolset.ErrInvalidToolConfiguration, "tool without a name")
		}
		if _, ok := g.tools[t.Name]; ok {
			return nil, errors.Wrapf(toolset.ErrInvalidToolConfiguration, "duplicate tool %q", t.Name)
		}
		g.tools[t.Name] = t
		g.defs = append(g.defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  parameters(t.InputSchema),
			},
		})
	}
	return g, nil
}

// Topology returns a copy of the graph's structure.
func (g *Graph) Topology() Topology {
	return Topology{Nodes: slices.Clone(g.topology.Nodes), Edges: slices.Clone(g.topology.Edges)}
}

// ModelID is the identifier of the model the graph calls.
func (g *Graph) ModelID() string {
	return g.modelID
}

// ToolNames lists the tools bound to the agent node, sorted.
func (g *Graph) ToolNames() []string {
	names := make([]string, 0, len(g.tools))
	for name := range g.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func parameters(schema json.RawMessage) any {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}

var delegationSchema = json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What the sub-agent should do"}},"required":["task"]}`)

func delegationTool(sa *SubAgent, child *Graph) *toolset.Tool {
	return &toolset.Tool{
		Name:        sa.Name,
		Description: sa.Description,
		InputSchema: delegationSchema,
		Origin:      toolset.OriginLocal,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Task string `json:"task"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", errors.Wrap(err, "decode arguments")
			}
			res := child.Run(ctx, store.ChannelValues{Messages: []*store.Message{{
				ID:      uuid.NewString(),
				Role:    store.RoleHuman,
				Content: in.Task,
			}}}, nil)
			switch res.Status {
			case StatusCompleted:
				if res.Message == nil {
					return "", nil
				}
				return res.Message.Content, nil
			default:
				return "", res.Err
			}
		},
	}
}
