package toolset

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"

	"github.com/parleyhq/parley/plugin/vectorstore"
)

// DefaultLocalTools returns the built-in tools. recall may be nil, in which
// case search_conversations is left out.
func DefaultLocalTools(recall *vectorstore.Store) []*Tool {
	list := []*Tool{
		FromLangchain(tools.Calculator{}),
		Reflect("current_time", "Returns the current date and time, optionally in a given IANA time zone.", currentTime),
	}
	if recall != nil {
		list = append(list, FromLangchain(newSearchConversationsTool(recall)))
	}
	return list
}

type currentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Paris"`
}

func currentTime(_ context.Context, in currentTimeInput) (string, error) {
	now := time.Now()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return "", err
		}
		now = now.In(loc)
	}
	return now.Format(time.RFC1123Z), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// search_conversations
// ─────────────────────────────────────────────────────────────────────────────

type searchConversationsTool struct {
	vs *vectorstore.Store
}

func newSearchConversationsTool(vs *vectorstore.Store) tools.Tool {
	return &searchConversationsTool{vs: vs}
}

func (t *searchConversationsTool) Name() string { return "search_conversations" }
func (t *searchConversationsTool) Description() string {
	return "Search the user's earlier conversations for relevant answers. Input should be a search query."
}
func (t *searchConversationsTool) Call(ctx context.Context, input string) (string, error) {
	inv := InvocationFrom(ctx)
	slog.Debug("searching conversations", "user", inv.UserID, "input", input)
	if inv.UserID == "" {
		return "Conversation history is only available to signed-in users.", nil
	}
	results, err := t.vs.SearchSimilar(ctx, inv.UserID, input, 5)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No relevant conversations found.", nil
	}
	var sb strings.Builder
	n := 0
	for _, r := range results {
		if r.ThreadID == inv.ThreadID {
			continue
		}
		n++
		preview := r.Content
		if len(preview) > 400 {
			preview = preview[:400] + "..."
		}
		sb.WriteString(fmt.Sprintf("[%d] Thread %s (score %.2f):\n%s\n\n", n, r.ThreadID, r.Score, preview))
	}
	if sb.Len() == 0 {
		return "No relevant conversations found.", nil
	}
	return sb.String(), nil
}
