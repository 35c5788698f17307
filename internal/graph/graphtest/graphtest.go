// Package graphtest provides a scripted model for exercising graphs.
package graphtest

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
)

// Step produces one model response.
type Step func(ctx context.Context, messages []llms.MessageContent, opts *llms.CallOptions) (*llms.ContentResponse, error)

// Model replays its steps in order, one per GenerateContent call.
type Model struct {
	mu    sync.Mutex
	steps []Step
	// Calls records the messages of every call.
	Calls [][]llms.MessageContent
	// Tools records the tools bound on every call.
	Tools [][]llms.Tool
}

func NewModel(steps ...Step) *Model {
	return &Model{steps: steps}
}

func (m *Model) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := &llms.CallOptions{}
	for _, opt := range options {
		opt(opts)
	}
	m.mu.Lock()
	m.Calls = append(m.Calls, messages)
	m.Tools = append(m.Tools, opts.Tools)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, errors.New("graphtest: no scripted response left")
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()
	return step(ctx, messages, opts)
}

func (m *Model) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// CallCount reports how many times the model was called.
func (m *Model) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reply streams text word by word and then returns it.
func Reply(text string) Step {
	return func(ctx context.Context, _ []llms.MessageContent, opts *llms.CallOptions) (*llms.ContentResponse, error) {
		if opts.StreamingFunc != nil {
			words := strings.SplitAfter(text, " ")
			for _, w := range words {
				if err := opts.StreamingFunc(ctx, []byte(w)); err != nil {
					return nil, err
				}
			}
		}
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}}}, nil
	}
}

// CallTool requests one tool call per name/arguments pair.
func CallTool(calls ...llms.ToolCall) Step {
	return func(context.Context, []llms.MessageContent, *llms.CallOptions) (*llms.ContentResponse, error) {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{ToolCalls: calls, StopReason: "tool_calls"}}}, nil
	}
}

// ToolCall builds a function tool call.
func ToolCall(id, name, arguments string) llms.ToolCall {
	return llms.ToolCall{ID: id, Type: "function", FunctionCall: &llms.FunctionCall{Name: name, Arguments: arguments}}
}

// Fail returns err.
func Fail(err error) Step {
	return func(context.Context, []llms.MessageContent, *llms.CallOptions) (*llms.ContentResponse, error) {
		return nil, err
	}
}

// Block waits for the context to end.
func Block() Step {
	return func(ctx context.Context, _ []llms.MessageContent, _ *llms.CallOptions) (*llms.ContentResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}
