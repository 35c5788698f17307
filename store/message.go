package store

// Message roles as persisted in checkpoint channel values.
const (
	RoleSystem = "system"
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleTool   = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of a conversation's message list.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ChannelValues is the accumulated graph state stored with a checkpoint.
type ChannelValues struct {
	Messages []*Message     `json:"messages"`
	Values   map[string]any `json:"values,omitempty"`
}

// Clone returns a copy whose message slice and values map can be appended to
// without touching the receiver. Messages themselves are shared.
func (v ChannelValues) Clone() ChannelValues {
	out := ChannelValues{
		Messages: make([]*Message, len(v.Messages)),
	}
	copy(out.Messages, v.Messages)
	if v.Values != nil {
		out.Values = make(map[string]any, len(v.Values))
		for k, val := range v.Values {
			out.Values[k] = val
		}
	}
	return out
}

// LastAI returns the newest assistant message, or nil.
func (v ChannelValues) LastAI() *Message {
	for i := len(v.Messages) - 1; i >= 0; i-- {
		if v.Messages[i].Role == RoleAI {
			return v.Messages[i]
		}
	}
	return nil
}
