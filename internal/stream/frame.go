// Package stream turns graph events into ordered frames and writes them to a
// transport.
package stream

import (
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/internal/checkpoint"
	"github.com/parleyhq/parley/internal/graph"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/plugin/llm"
	"github.com/parleyhq/parley/store"
)

// ErrCancelled reports a stream whose consumer went away. It is never sent
// to the consumer.
var ErrCancelled = errors.New("stream cancelled")

type Kind string

const (
	KindMessageDelta    Kind = "message_delta"
	KindMessageComplete Kind = "message_complete"
	KindToolCall        Kind = "tool_call"
	KindToolResult      Kind = "tool_result"
	KindError           Kind = "error"
	KindStateSnapshot   Kind = "state_snapshot"
)

// Terminal reports whether a frame of this kind ends a stream.
func (k Kind) Terminal() bool {
	return k == KindMessageComplete || k == KindError
}

// Mode selects which frames a stream carries.
type Mode string

const (
	// ModeMessages streams token deltas, tool calls and tool results.
	ModeMessages Mode = "messages"
	// ModeValues streams a full state snapshot after every graph step.
	ModeValues Mode = "values"
)

// ParseMode accepts "messages", "values" and "composite".
func ParseMode(s string) ([]Mode, error) {
	switch s {
	case "", string(ModeMessages):
		return []Mode{ModeMessages}, nil
	case string(ModeValues):
		return []Mode{ModeValues}, nil
	case "composite":
		return []Mode{ModeMessages, ModeValues}, nil
	default:
		return nil, errors.Errorf("unknown stream mode %q", s)
	}
}

// Frame is one unit of the outward event stream.
type Frame struct {
	Kind         Kind   `json:"event"`
	Payload      any    `json:"payload"`
	ThreadID     string `json:"thread_id,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Seq          int    `json:"seq"`
	// Mode is set on every non-terminal frame of a composite stream.
	Mode Mode `json:"mode,omitempty"`
}

type DeltaPayload struct {
	Content string `json:"content"`
}

type ErrorPayload struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	ToolName         string `json:"tool_name,omitempty"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
}

// Error codes carried by error frames.
const (
	CodeAuthorizationRequired    = "authorization_required"
	CodeStoreUnavailable         = "checkpoint_store_unavailable"
	CodeRecursionLimit           = "recursion_limit"
	CodeModelNotSupported        = "model_not_supported"
	CodeInvalidToolConfiguration = "invalid_tool_configuration"
	CodeInternal                 = "internal"
)

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	if _, ok := authz.AsRequired(err); ok {
		return CodeAuthorizationRequired
	}
	switch {
	case errors.Is(err, checkpoint.ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, graph.ErrRecursionLimit):
		return CodeRecursionLimit
	case errors.Is(err, llm.ErrModelNotSupported):
		return CodeModelNotSupported
	case errors.Is(err, toolset.ErrInvalidToolConfiguration):
		return CodeInvalidToolConfiguration
	default:
		return CodeInternal
	}
}

// ErrorFrame renders err as a terminal frame.
func ErrorFrame(err error, threadID, checkpointID string) *Frame {
	payload := ErrorPayload{Code: ErrorCode(err), Message: err.Error()}
	if re, ok := authz.AsRequired(err); ok {
		payload.ToolName = re.ToolName
		payload.AuthorizationURL = re.URL
	}
	return &Frame{Kind: KindError, Payload: payload, ThreadID: threadID, CheckpointID: checkpointID}
}

// CompleteFrame renders the final assistant message as a terminal frame.
func CompleteFrame(msg *store.Message, threadID, checkpointID string) *Frame {
	return &Frame{Kind: KindMessageComplete, Payload: msg, ThreadID: threadID, CheckpointID: checkpointID}
}
