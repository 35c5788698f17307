// Package toolset describes invocable tools independent of where they run and
// federates them from local, tool-server and remote-agent sources.
package toolset

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/authz"
)

var (
	// ErrInvalidToolConfiguration rejects a tool selection before any graph runs.
	ErrInvalidToolConfiguration = errors.New("invalid tool configuration")
	// ErrToolInvocation marks a failed tool call. It is reported to the model.
	ErrToolInvocation = errors.New("tool invocation failed")
	// ErrRemoteEndpointUnavailable marks an unreachable tool server or remote agent.
	ErrRemoteEndpointUnavailable = errors.New("remote endpoint unavailable")
)

// Origin tells where a tool runs.
type Origin string

const (
	OriginLocal       Origin = "local"
	OriginToolServer  Origin = "tool-server"
	OriginRemoteAgent Origin = "remote-agent"
)

// InvokeFunc runs a tool with JSON encoded arguments and returns its text output.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a protocol-agnostic tool descriptor. Tools are built per turn.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON schema for the arguments. Nil accepts anything.
	InputSchema json.RawMessage
	Origin      Origin
	// RemoteName is the tool's name at its origin when it differs from Name.
	RemoteName            string
	RequiresAuthorization bool
	// Authorizer handles gated tools. Nil when RequiresAuthorization is false.
	Authorizer authz.Authorizer
	Invoke     InvokeFunc
}

// AuthorizationTarget describes the tool to an authorization gate.
func (t *Tool) AuthorizationTarget() authz.Target {
	return authz.Target{
		Name:                  t.Name,
		RemoteName:            t.RemoteName,
		RequiresAuthorization: t.RequiresAuthorization,
		Authorizer:            t.Authorizer,
	}
}

// Invocation identifies the turn a tool is invoked for.
type Invocation struct {
	UserID   string
	ThreadID string
	// Gate is the turn's authorization gate, shared with delegated sub-agents.
	Gate *authz.Gate
}

type invocationKey struct{}

func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation stored in ctx, or the zero value.
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}
