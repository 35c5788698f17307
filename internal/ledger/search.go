package ledger

import (
	"context"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/store"
)

// ErrInvalidFilter rejects a search expression that does not compile to a
// boolean.
var ErrInvalidFilter = errors.New("invalid thread filter")

const searchBatch = 200

type searcher struct {
	env *cel.Env
}

func newSearcher() (*searcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("thread_id", cel.StringType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("last_message", cel.StringType),
		cel.Variable("last_status", cel.StringType),
		cel.Variable("created_ts", cel.IntType),
		cel.Variable("updated_ts", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create filter environment")
	}
	return &searcher{env: env}, nil
}

func (s *searcher) compile(filter string) (cel.Program, error) {
	ast, issues := s.env.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrap(ErrInvalidFilter, issues.Err().Error())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Wrapf(ErrInvalidFilter, "filter must be a boolean expression, got %s", ast.OutputType())
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidFilter, err.Error())
	}
	return prg, nil
}

func activation(summary *Summary) map[string]any {
	lastMessage := ""
	if summary.LastMessage != nil {
		lastMessage = summary.LastMessage.Content
	}
	return map[string]any{
		"thread_id":    summary.ThreadID,
		"agent_id":     summary.AgentID,
		"last_message": lastMessage,
		"last_status":  summary.LastStatus,
		"created_ts":   summary.CreatedTs,
		"updated_ts":   summary.UpdatedTs,
	}
}

// Search returns up to limit of the user's threads matching a CEL filter such
// as `last_status == "suspended" && last_message.contains("invoice")`, most
// recently updated first.
func (l *Ledger) Search(ctx context.Context, userID, filter string, limit int) ([]*Summary, error) {
	prg, err := l.search.compile(filter)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var out []*Summary
	for offset := 0; ; offset += searchBatch {
		threads, err := l.store.ListThreads(ctx, &store.FindThread{UserID: &userID, Limit: searchBatch, Offset: offset})
		if err != nil {
			return nil, errors.Wrap(err, "failed to list threads")
		}
		for _, thread := range threads {
			summary := summarize(thread)
			val, _, err := prg.Eval(activation(summary))
			if err != nil {
				l.logger.Debug("filter evaluation failed", "thread", thread.ThreadID, "error", err)
				continue
			}
			if match, ok := val.Value().(bool); ok && match {
				out = append(out, summary)
				if len(out) == limit {
					return out, nil
				}
			}
		}
		if len(threads) < searchBatch {
			return out, nil
		}
	}
}
