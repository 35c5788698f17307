package toolset

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/tools"
)

// Registry is the process-wide set of local tools. It is read-only after
// construction.
type Registry struct {
	tools map[string]*Tool
}

func NewRegistry(list ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(list))}
	for _, t := range list {
		if t == nil {
			continue
		}
		if _, ok := r.tools[t.Name]; ok {
			return nil, errors.Errorf("duplicate local tool %q", t.Name)
		}
		r.tools[t.Name] = t
	}
	return r, nil
}

// Select returns the named tools. Unknown names are skipped.
func (r *Registry) Select(names []string) []*Tool {
	out := make([]*Tool, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Names lists the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var inputSchema = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string","description":"Tool input"}},"required":["input"]}`)

// FromLangchain wraps a langchaingo tool. The model passes a single string
// argument named "input".
func FromLangchain(t tools.Tool) *Tool {
	return &Tool{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: inputSchema,
		Origin:      OriginLocal,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Input string `json:"input"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", errors.Wrapf(err, "decode arguments of %s", t.Name())
			}
			return t.Call(ctx, in.Input)
		},
	}
}

// Reflect builds a local tool whose argument schema is reflected from T.
func Reflect[T any](name, description string, fn func(ctx context.Context, in T) (string, error)) *Tool {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := r.Reflect(new(T))
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(errors.Wrapf(err, "reflect schema of %s", name))
	}
	return &Tool{
		Name:        name,
		Description: description,
		InputSchema: raw,
		Origin:      OriginLocal,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in T
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return "", errors.Wrap(err, "decode arguments")
				}
			}
			return fn(ctx, in)
		},
	}
}
