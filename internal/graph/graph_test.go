package graph

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/internal/graph/graphtest"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/store"
)

func human(text string) store.ChannelValues {
	return store.ChannelValues{Messages: []*store.Message{{ID: "h1", Role: store.RoleHuman, Content: text}}}
}

func collect(events *[]Event) func(Event) bool {
	return func(ev Event) bool {
		*events = append(*events, ev)
		return true
	}
}

type countingTool struct {
	calls atomic.Int32
}

func (c *countingTool) tool(name string, fn toolset.InvokeFunc) *toolset.Tool {
	return &toolset.Tool{
		Name:        name,
		Description: name,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"integer"}},"required":["x"]}`),
		Origin:      toolset.OriginLocal,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			c.calls.Add(1)
			return fn(ctx, args)
		},
	}
}

func echoArgs(_ context.Context, args json.RawMessage) (string, error) {
	return string(args), nil
}

func TestSingleNodeGraph(t *testing.T) {
	model := graphtest.NewModel(graphtest.Reply("The capital of France is Paris."))
	g, err := Build(Spec{Model: model, ModelID: "openai:gpt-4o", SystemPrompt: "Be brief."}, Options{})
	require.NoError(t, err)
	require.Equal(t, []Node{NodeAgent}, g.Topology().Nodes)

	var events []Event
	res := g.Run(context.Background(), human("What is the capital of France?"), collect(&events))
	require.Equal(t, StatusCompleted, res.Status)
	require.NoError(t, res.Err)
	require.True(t, res.Produced)
	require.Equal(t, 1, res.Steps)
	require.Len(t, res.State.Messages, 2)
	require.Equal(t, store.RoleAI, res.State.Messages[1].Role)
	require.Equal(t, "The capital of France is Paris.", res.Message.Content)

	require.Len(t, model.Calls, 1)
	require.Equal(t, llms.ChatMessageTypeSystem, model.Calls[0][0].Role)
	require.Equal(t, llms.ChatMessageTypeHuman, model.Calls[0][1].Role)
	require.Empty(t, model.Tools[0])

	var deltas string
	for _, ev := range events {
		if ev.Kind == EventDelta {
			deltas += ev.Delta
		}
	}
	require.Equal(t, "The capital of France is Paris.", deltas)
	require.Equal(t, EventState, events[len(events)-1].Kind)
}

func TestBuildIsPure(t *testing.T) {
	ct := &countingTool{}
	spec := Spec{Model: graphtest.NewModel(), Tools: []*toolset.Tool{ct.tool("double", echoArgs)}}
	a, err := Build(spec, Options{})
	require.NoError(t, err)
	b, err := Build(spec, Options{})
	require.NoError(t, err)
	require.Equal(t, a.Topology(), b.Topology())
	require.Equal(t, []Node{NodeAgent, NodeAuthorization, NodeTools}, a.Topology().Nodes)

	plain, err := Build(Spec{Model: graphtest.NewModel()}, Options{})
	require.NoError(t, err)
	require.NotEqual(t, a.Topology(), plain.Topology())
}

func TestBuildRejectsDuplicateTools(t *testing.T) {
	ct := &countingTool{}
	_, err := Build(Spec{Model: graphtest.NewModel(), Tools: []*toolset.Tool{ct.tool("x", echoArgs), ct.tool("x", echoArgs)}}, Options{})
	require.ErrorIs(t, err, toolset.ErrInvalidToolConfiguration)
}

func TestToolLoop(t *testing.T) {
	ct := &countingTool{}
	model := graphtest.NewModel(
		graphtest.CallTool(
			graphtest.ToolCall("c1", "double", `{"x":1}`),
			graphtest.ToolCall("c2", "double", `{"x":2}`),
		),
		graphtest.Reply("done"),
	)
	g, err := Build(Spec{Model: model, Tools: []*toolset.Tool{ct.tool("double", echoArgs)}}, Options{})
	require.NoError(t, err)

	var events []Event
	res := g.Run(context.Background(), human("double 1 and 2"), collect(&events))
	require.Equal(t, StatusCompleted, res.Status)
	require.EqualValues(t, 2, ct.calls.Load())
	require.Equal(t, 3, res.Steps)

	msgs := res.State.Messages
	require.Len(t, msgs, 5)
	require.Len(t, msgs[1].ToolCalls, 2)
	require.Equal(t, "c1", msgs[2].ToolCallID)
	require.Equal(t, `{"x":1}`, msgs[2].Content)
	require.Equal(t, "c2", msgs[3].ToolCallID)
	require.Equal(t, "done", msgs[4].Content)

	// The second model call sees the tool results.
	second := model.Calls[1]
	require.Equal(t, llms.ChatMessageTypeTool, second[len(second)-1].Role)
	require.Len(t, model.Tools[0], 1)

	var kinds []EventKind
	for _, ev := range events {
		if ev.Kind != EventDelta && ev.Kind != EventState {
			kinds = append(kinds, ev.Kind)
		}
	}
	require.Equal(t, []EventKind{EventMessage, EventToolCall, EventToolCall, EventToolResult, EventToolResult, EventMessage}, kinds)
}

func TestToolFailuresBecomeResults(t *testing.T) {
	ct := &countingTool{}
	failing := ct.tool("failing", func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("backend down")
	})
	slow := ct.tool("slow", func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	panicky := ct.tool("panicky", func(context.Context, json.RawMessage) (string, error) {
		panic("boom")
	})
	model := graphtest.NewModel(
		graphtest.CallTool(
			graphtest.ToolCall("c1", "failing", `{"x":1}`),
			graphtest.ToolCall("c2", "slow", `{"x":1}`),
			graphtest.ToolCall("c3", "failing", `{"x":"not a number"}`),
			graphtest.ToolCall("c4", "missing", `{}`),
			graphtest.ToolCall("c5", "panicky", `{"x":1}`),
		),
		graphtest.Reply("sorry"),
	)
	g, err := Build(Spec{Model: model, Tools: []*toolset.Tool{failing, slow, panicky}}, Options{ToolTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	res := g.Run(context.Background(), human("try"), nil)
	require.Equal(t, StatusCompleted, res.Status)
	results := res.State.Messages[2:7]
	for _, r := range results {
		require.True(t, r.IsError, r.Content)
	}
	require.Contains(t, results[0].Content, "backend down")
	require.Contains(t, results[1].Content, "timed out")
	require.Contains(t, results[2].Content, "arguments do not match schema")
	require.Contains(t, results[3].Content, `unknown tool "missing"`)
	require.Contains(t, results[4].Content, "panicked")
	// The invalid call never reached the tool.
	require.EqualValues(t, 3, ct.calls.Load())
}

func TestRecursionLimit(t *testing.T) {
	ct := &countingTool{}
	steps := make([]graphtest.Step, 10)
	for i := range steps {
		steps[i] = graphtest.CallTool(graphtest.ToolCall("c", "double", `{"x":1}`))
	}
	g, err := Build(Spec{Model: graphtest.NewModel(steps...), Tools: []*toolset.Tool{ct.tool("double", echoArgs)}}, Options{RecursionLimit: 5})
	require.NoError(t, err)

	res := g.Run(context.Background(), human("loop"), nil)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, ErrRecursionLimit)
	require.Equal(t, 5, res.Steps)
}

func TestModelFailure(t *testing.T) {
	g, err := Build(Spec{Model: graphtest.NewModel(graphtest.Fail(errors.New("rate limited")))}, Options{})
	require.NoError(t, err)
	res := g.Run(context.Background(), human("hi"), nil)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorContains(t, res.Err, "rate limited")
	require.False(t, res.Produced)
}

func TestConsumerStopKeepsPartialMessage(t *testing.T) {
	g, err := Build(Spec{Model: graphtest.NewModel(graphtest.Reply("one two three"))}, Options{})
	require.NoError(t, err)

	seen := 0
	res := g.Run(context.Background(), human("count"), func(ev Event) bool {
		seen++
		return false
	})
	require.Equal(t, 1, seen)
	require.Equal(t, StatusCancelled, res.Status)
	require.True(t, res.Produced)
	require.Equal(t, "one ", res.Message.Content)
}

func TestCancelledBeforeAnyOutput(t *testing.T) {
	g, err := Build(Spec{Model: graphtest.NewModel(graphtest.Block())}, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := g.Run(ctx, human("hi"), nil)
	require.Equal(t, StatusCancelled, res.Status)
	require.False(t, res.Produced)
	require.Len(t, res.State.Messages, 1)
}

type fakeAuthorizer struct {
	status string
}

func (f *fakeAuthorizer) Authorize(_ context.Context, toolName, userID string) (*authz.Request, error) {
	return &authz.Request{ID: "a1", ToolName: toolName, UserID: userID, Status: f.status, URL: "https://consent.example/" + toolName}, nil
}

func (f *fakeAuthorizer) Status(_ context.Context, req *authz.Request, _ time.Duration) (*authz.Request, error) {
	return req, nil
}

func gatedTool(ct *countingTool, az authz.Authorizer) *toolset.Tool {
	t := ct.tool("send_email", func(context.Context, json.RawMessage) (string, error) { return "sent", nil })
	t.RequiresAuthorization = true
	t.Authorizer = az
	return t
}

func TestGatedToolSuspendsWhilePending(t *testing.T) {
	ct := &countingTool{}
	az := &fakeAuthorizer{status: authz.StatusPending}
	model := graphtest.NewModel(graphtest.CallTool(graphtest.ToolCall("c1", "send_email", `{"x":1}`)))
	g, err := Build(Spec{Model: model, Tools: []*toolset.Tool{gatedTool(ct, az)}}, Options{})
	require.NoError(t, err)

	ctx := toolset.WithInvocation(context.Background(), toolset.Invocation{UserID: "u1", ThreadID: "t1"})
	res := g.Run(ctx, human("email bob"), nil)
	require.Equal(t, StatusSuspended, res.Status)
	re, ok := authz.AsRequired(res.Err)
	require.True(t, ok)
	require.Equal(t, "https://consent.example/send_email", re.URL)
	require.Zero(t, ct.calls.Load())
	for _, m := range res.State.Messages {
		require.NotEqual(t, store.RoleTool, m.Role)
	}

	// Once authorized, a retried turn invokes the tool exactly once.
	az.status = authz.StatusCompleted
	model = graphtest.NewModel(graphtest.CallTool(graphtest.ToolCall("c1", "send_email", `{"x":1}`)), graphtest.Reply("sent it"))
	g, err = Build(Spec{Model: model, Tools: []*toolset.Tool{gatedTool(ct, az)}}, Options{})
	require.NoError(t, err)
	res = g.Run(ctx, human("email bob"), nil)
	require.Equal(t, StatusCompleted, res.Status)
	require.EqualValues(t, 1, ct.calls.Load())
	require.Equal(t, "sent", res.State.Messages[2].Content)
}

func TestSubAgentDelegation(t *testing.T) {
	parent := graphtest.NewModel(
		graphtest.CallTool(graphtest.ToolCall("c1", "researcher", `{"task":"find the capital of France"}`)),
		graphtest.Reply("It is Paris."),
	)
	child := graphtest.NewModel(graphtest.Reply("Paris"))
	g, err := Build(Spec{
		Model:     parent,
		SubAgents: []*SubAgent{{Name: "researcher", Description: "Looks things up", Model: child}},
	}, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"researcher"}, g.ToolNames())

	res := g.Run(context.Background(), human("capital of France?"), nil)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, "Paris", res.State.Messages[2].Content)
	require.Equal(t, "find the capital of France", child.Calls[0][0].Parts[0].(llms.TextContent).Text)
}

func TestSubAgentAuthorizationSuspendsParent(t *testing.T) {
	ct := &countingTool{}
	az := &fakeAuthorizer{status: authz.StatusPending}
	parent := graphtest.NewModel(graphtest.CallTool(graphtest.ToolCall("c1", "mailer", `{"task":"email bob"}`)))
	child := graphtest.NewModel(graphtest.CallTool(graphtest.ToolCall("s1", "send_email", `{"x":1}`)))
	g, err := Build(Spec{
		Model:     parent,
		SubAgents: []*SubAgent{{Name: "mailer", Model: child, Tools: []*toolset.Tool{gatedTool(ct, az)}}},
	}, Options{})
	require.NoError(t, err)

	ctx := toolset.WithInvocation(context.Background(), toolset.Invocation{UserID: "u1"})
	res := g.Run(ctx, human("email bob"), nil)
	require.Equal(t, StatusSuspended, res.Status)
	re, ok := authz.AsRequired(res.Err)
	require.True(t, ok)
	require.Equal(t, "https://consent.example/send_email", re.URL)
	require.Zero(t, ct.calls.Load())
}

func stopOn(kind EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind != kind }
}

func TestCancelBeforeToolsDropsUnansweredCalls(t *testing.T) {
	ct := &countingTool{}
	model := graphtest.NewModel(graphtest.CallTool(graphtest.ToolCall("c1", "double", `{"x":1}`)))
	g, err := Build(Spec{Model: model, Tools: []*toolset.Tool{ct.tool("double", echoArgs)}}, Options{})
	require.NoError(t, err)

	res := g.Run(context.Background(), human("double 1"), stopOn(EventState))
	require.Equal(t, StatusCancelled, res.Status)
	require.False(t, res.Produced)
	require.Nil(t, res.Message)
	require.Len(t, res.State.Messages, 1)
	require.Zero(t, ct.calls.Load())
}

func TestCancelBeforeToolsKeepsText(t *testing.T) {
	ct := &countingTool{}
	model := graphtest.NewModel(func(context.Context, []llms.MessageContent, *llms.CallOptions) (*llms.ContentResponse, error) {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
			Content:   "Doubling now.",
			ToolCalls: []llms.ToolCall{graphtest.ToolCall("c1", "double", `{"x":1}`)},
		}}}, nil
	})
	g, err := Build(Spec{Model: model, Tools: []*toolset.Tool{ct.tool("double", echoArgs)}}, Options{})
	require.NoError(t, err)

	var snapshots []*store.ChannelValues
	res := g.Run(context.Background(), human("double 1"), func(ev Event) bool {
		if ev.Kind == EventState {
			snapshots = append(snapshots, ev.State)
			return false
		}
		return true
	})
	require.Equal(t, StatusCancelled, res.Status)
	require.True(t, res.Produced)
	require.Len(t, res.State.Messages, 2)
	last := res.State.Messages[1]
	require.Equal(t, "Doubling now.", last.Content)
	require.Empty(t, last.ToolCalls)
	require.Same(t, last, res.Message)

	// Events already delivered are not rewritten.
	require.Len(t, snapshots, 1)
	require.Len(t, snapshots[0].Messages[1].ToolCalls, 1)
}

func TestCancelAfterToolsKeepsAnsweredCalls(t *testing.T) {
	ct := &countingTool{}
	model := graphtest.NewModel(graphtest.CallTool(graphtest.ToolCall("c1", "double", `{"x":1}`)))
	g, err := Build(Spec{Model: model, Tools: []*toolset.Tool{ct.tool("double", echoArgs)}}, Options{})
	require.NoError(t, err)

	states := 0
	res := g.Run(context.Background(), human("double 1"), func(ev Event) bool {
		if ev.Kind == EventState {
			states++
			return states < 2
		}
		return true
	})
	require.Equal(t, StatusCancelled, res.Status)
	require.True(t, res.Produced)
	require.Len(t, res.State.Messages, 3)
	require.Len(t, res.State.Messages[1].ToolCalls, 1)
	require.Equal(t, store.RoleTool, res.State.Messages[2].Role)
	require.EqualValues(t, 1, ct.calls.Load())
}

func TestModelPanicFailsRun(t *testing.T) {
	model := graphtest.NewModel(func(context.Context, []llms.MessageContent, *llms.CallOptions) (*llms.ContentResponse, error) {
		panic("nil choice")
	})
	g, err := Build(Spec{Model: model}, Options{})
	require.NoError(t, err)
	res := g.Run(context.Background(), human("hi"), nil)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorContains(t, res.Err, "model panicked: nil choice")
	require.False(t, res.Produced)
}
