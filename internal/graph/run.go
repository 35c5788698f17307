package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/store"
)

// Status is how a run ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type EventKind string

const (
	// EventDelta carries a chunk of the assistant message being generated.
	EventDelta EventKind = "delta"
	// EventMessage carries an assistant message once it is complete.
	EventMessage    EventKind = "message"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	// EventState carries the full state after a node finished.
	EventState EventKind = "state"
)

// Event is one observable step of a run.
type Event struct {
	Kind     EventKind
	Node     Node
	Step     int
	Delta    string
	Message  *store.Message
	ToolCall *store.ToolCall
	State    *store.ChannelValues
}

// Result is the outcome of a run.
type Result struct {
	Status Status
	// State holds the input messages plus everything the run appended.
	State store.ChannelValues
	// Message is the last assistant message of the run, if any.
	Message *store.Message
	// Produced reports whether the run appended any assistant message.
	Produced bool
	Steps    int
	// Err is set for every status but completed. Suspended runs carry an
	// *authz.RequiredError.
	Err error
}

var errStopped = errors.New("consumer stopped")

type runner struct {
	g       *Graph
	yield   func(Event) bool
	stopped bool
	step    int
	res     *Result
	// inputLen is the number of messages the run started from.
	inputLen int
}

// emit hands ev to the consumer. Once the consumer declines an event no
// further events are delivered.
func (r *runner) emit(ev Event) bool {
	if r.stopped {
		return false
	}
	if r.yield == nil {
		return true
	}
	ev.Step = r.step
	if !r.yield(ev) {
		r.stopped = true
	}
	return !r.stopped
}

func (r *runner) snapshot(node Node) {
	state := r.res.State.Clone()
	r.emit(Event{Kind: EventState, Node: node, State: &state})
}

func (r *runner) finish(status Status, err error) *Result {
	r.res.Status = status
	r.res.Err = err
	r.res.Steps = r.step
	return r.res
}

// cancel ends the run as cancelled. Tool calls of the trailing assistant
// message never ran, so they are dropped, and so is the message when it has
// no text left.
func (r *runner) cancel(ctx context.Context) *Result {
	msgs := r.res.State.Messages
	if n := len(msgs); n > r.inputLen && msgs[n-1].Role == store.RoleAI && len(msgs[n-1].ToolCalls) > 0 {
		trimmed := *msgs[n-1]
		trimmed.ToolCalls = nil
		if trimmed.Content == "" {
			r.res.State.Messages = msgs[:n-1]
		} else {
			r.res.State.Messages[n-1] = &trimmed
		}
		r.res.Message, r.res.Produced = nil, false
		for i := len(r.res.State.Messages) - 1; i >= r.inputLen; i-- {
			if m := r.res.State.Messages[i]; m.Role == store.RoleAI {
				r.res.Message, r.res.Produced = m, true
				break
			}
		}
	}
	return r.finish(StatusCancelled, cancelCause(ctx))
}

// Run executes the graph over input and reports events to yield until yield
// returns false or the run ends. yield may be nil. Panicking tools and models
// do not escape Run; its outcome is always described by the returned Result.
func (g *Graph) Run(ctx context.Context, input store.ChannelValues, yield func(Event) bool) *Result {
	ctx, span := observability.Tracer().Start(ctx, "graph.run")
	defer span.End()
	span.SetAttributes(attribute.String("model", g.modelID))

	inv := toolset.InvocationFrom(ctx)
	if inv.Gate == nil {
		inv.Gate = g.opts.Authorization.NewGate(inv.UserID)
		ctx = toolset.WithInvocation(ctx, inv)
	}

	r := &runner{g: g, yield: yield, res: &Result{State: input.Clone()}, inputLen: len(input.Messages)}
	res := r.loop(ctx, inv.Gate)
	if res.Err != nil && res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Int("steps", res.Steps))
	return res
}

func (r *runner) loop(ctx context.Context, gate *authz.Gate) *Result {
	g := r.g
	node := NodeAgent
	var calls []store.ToolCall
	for {
		if r.step >= g.opts.RecursionLimit {
			return r.finish(StatusFailed, errors.Wrapf(ErrRecursionLimit, "after %d steps", r.step))
		}
		r.step++

		switch node {
		case NodeAgent:
			msg, err := r.agent(ctx)
			if msg != nil {
				r.res.State.Messages = append(r.res.State.Messages, msg)
				r.res.Message = msg
				r.res.Produced = true
				r.emit(Event{Kind: EventMessage, Node: NodeAgent, Message: msg})
				r.snapshot(NodeAgent)
			}
			if r.stopped || ctx.Err() != nil {
				return r.cancel(ctx)
			}
			if err != nil {
				return r.finish(StatusFailed, err)
			}
			if g.tools == nil || len(msg.ToolCalls) == 0 {
				return r.finish(StatusCompleted, nil)
			}
			calls = msg.ToolCalls
			node = NodeTools
			for _, call := range calls {
				r.emit(Event{Kind: EventToolCall, Node: NodeAgent, ToolCall: &call})
				if t, ok := g.tools[call.Name]; ok && t.RequiresAuthorization {
					node = NodeAuthorization
				}
			}

		case NodeAuthorization:
			for _, call := range calls {
				t, ok := g.tools[call.Name]
				if !ok {
					continue
				}
				if _, _, err := gate.Check(ctx, t.AuthorizationTarget()); err != nil {
					return r.finish(StatusSuspended, err)
				}
			}
			node = NodeTools

		case NodeTools:
			results, err := r.tools(ctx, calls)
			if err != nil {
				return r.finish(StatusSuspended, err)
			}
			r.res.State.Messages = append(r.res.State.Messages, results...)
			for _, msg := range results {
				r.emit(Event{Kind: EventToolResult, Node: NodeTools, Message: msg})
			}
			r.snapshot(NodeTools)
			if r.stopped || ctx.Err() != nil {
				return r.cancel(ctx)
			}
			node = NodeAgent
		}
	}
}

func cancelCause(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return errStopped
}

func (r *runner) agent(ctx context.Context) (*store.Message, error) {
	g := r.g
	ctx, span := observability.Tracer().Start(ctx, "graph.agent")
	defer span.End()

	var partial strings.Builder
	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			partial.Write(chunk)
			if !r.emit(Event{Kind: EventDelta, Node: NodeAgent, Delta: string(chunk)}) {
				return errStopped
			}
			return nil
		}),
	}
	if len(g.defs) > 0 {
		opts = append(opts, llms.WithTools(g.defs))
	}

	resp, err := r.generate(ctx, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if (r.stopped || ctx.Err() != nil) && partial.Len() > 0 {
			return &store.Message{ID: uuid.NewString(), Role: store.RoleAI, Content: partial.String()}, err
		}
		return nil, errors.Wrap(err, "model call failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}
	return fromChoice(resp.Choices[0]), nil
}

func (r *runner) generate(ctx context.Context, opts []llms.CallOption) (resp *llms.ContentResponse, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.g.opts.Logger.Error("model panicked", "model", r.g.modelID, "panic", p)
			resp, err = nil, errors.Errorf("model panicked: %v", p)
		}
	}()
	return r.g.model.GenerateContent(ctx, toMessageContent(r.g.prompt, r.res.State.Messages), opts...)
}

// tools runs every call concurrently and returns the results in call order.
// The only error it returns is an authorization requirement raised by a
// delegated sub-agent.
func (r *runner) tools(ctx context.Context, calls []store.ToolCall) ([]*store.Message, error) {
	results := make([]*store.Message, len(calls))
	var eg errgroup.Group
	for i, call := range calls {
		eg.Go(func() error {
			msg, err := r.invoke(ctx, call)
			results[i] = msg
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *runner) invoke(ctx context.Context, call store.ToolCall) (msg *store.Message, err error) {
	g := r.g
	msg = &store.Message{
		ID:         uuid.NewString(),
		Role:       store.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
	}
	fail := func(cause error) {
		msg.IsError = true
		msg.Content = cause.Error()
	}

	t, ok := g.tools[call.Name]
	if !ok {
		fail(errors.Wrapf(toolset.ErrToolInvocation, "unknown tool %q", call.Name))
		return msg, nil
	}
	args := json.RawMessage(call.Arguments)
	if err := g.validator.Validate(t.InputSchema, args); err != nil {
		fail(errors.Wrap(err, call.Name))
		return msg, nil
	}

	ctx, span := observability.Tracer().Start(ctx, "graph.tool")
	span.SetAttributes(attribute.String("tool", t.Name), attribute.String("origin", string(t.Origin)))
	defer span.End()
	tctx, cancel := context.WithTimeout(ctx, g.opts.ToolTimeout)
	defer cancel()

	start := time.Now()
	status := "success"
	defer func() {
		if p := recover(); p != nil {
			status = "error"
			fail(errors.Wrapf(toolset.ErrToolInvocation, "%s panicked: %v", call.Name, p))
			err = nil
		}
		g.opts.Metrics.ToolCall(string(t.Origin), status, time.Since(start))
	}()

	out, invokeErr := t.Invoke(tctx, args)
	switch {
	case invokeErr == nil:
		msg.Content = out
	case isRequired(invokeErr):
		status = "suspended"
		return nil, invokeErr
	case errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		status = "timeout"
		fail(errors.Wrapf(toolset.ErrToolInvocation, "%s timed out after %s", call.Name, g.opts.ToolTimeout))
	default:
		status = "error"
		fail(errors.Wrapf(toolset.ErrToolInvocation, "%s: %v", call.Name, invokeErr))
	}
	if msg.IsError {
		span.SetStatus(codes.Error, msg.Content)
		g.opts.Logger.Warn("tool call failed", "tool", call.Name, "origin", t.Origin, "error", msg.Content)
	}
	return msg, nil
}

func isRequired(err error) bool {
	_, ok := authz.AsRequired(err)
	return ok
}

func fromChoice(choice *llms.ContentChoice) *store.Message {
	msg := &store.Message{ID: uuid.NewString(), Role: store.RoleAI, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%s", uuid.NewString())
		}
		msg.ToolCalls = append(msg.ToolCalls, store.ToolCall{
			ID:        id,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	return msg
}

func toMessageContent(prompt string, messages []*store.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages)+1)
	if prompt != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, prompt))
	}
	for _, m := range messages {
		switch m.Role {
		case store.RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case store.RoleHuman:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case store.RoleAI:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:           tc.ID,
					Type:         "function",
					FunctionCall: &llms.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, mc)
		case store.RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Name:       m.Name,
					Content:    m.Content,
				}},
			})
		}
	}
	return out
}
