// Package vectorstore keeps per-user conversation memory for semantic recall.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/plugin/llm"
)

// SearchResult is a single semantic-search hit.
type SearchResult struct {
	ThreadID string
	Content  string
	Score    float32
}

// Store wraps chromem-go with per-user collections.
type Store struct {
	db      *chromem.DB
	embedFn chromem.EmbeddingFunc
}

// New creates (or opens) the persistent vector store at dataDir/vectorstore/.
func New(dataDir string, embedFunc chromem.EmbeddingFunc) (*Store, error) {
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "create vectorstore dir")
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, errors.Wrap(err, "open vectorstore")
	}
	return &Store{db: db, embedFn: embedFunc}, nil
}

// NewInMemory creates a store that lives only as long as the process.
func NewInMemory(embedFunc chromem.EmbeddingFunc) *Store {
	return &Store{db: chromem.NewDB(), embedFn: embedFunc}
}

// NewEmbeddingFunc picks an embedding backend for a "provider:model" id.
func NewEmbeddingFunc(modelID string, config llm.Config) (chromem.EmbeddingFunc, error) {
	provider, model := llm.ParseID(modelID)
	switch provider {
	case llm.ProviderOpenAI:
		if config.OpenAIAPIKey == "" {
			return nil, errors.Wrap(llm.ErrModelNotSupported, "openai provider is not configured")
		}
		if config.OpenAIBaseURL != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(config.OpenAIBaseURL, config.OpenAIAPIKey, model, nil), nil
		}
		return chromem.NewEmbeddingFuncOpenAI(config.OpenAIAPIKey, chromem.EmbeddingModelOpenAI(model)), nil
	case llm.ProviderOllama:
		if config.OllamaURL == "" {
			return nil, errors.Wrap(llm.ErrModelNotSupported, "ollama provider is not configured")
		}
		return chromem.NewEmbeddingFuncOllama(model, config.OllamaURL+"/api"), nil
	default:
		return nil, errors.Wrapf(llm.ErrModelNotSupported, "no embeddings for provider %q", provider)
	}
}

func collectionName(userID string) string {
	return fmt.Sprintf("user_%s_conversations", userID)
}

func (s *Store) collection(userID string) (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(collectionName(userID), nil, s.embedFn)
	if err != nil {
		return nil, errors.Wrapf(err, "open collection for user %s", userID)
	}
	return col, nil
}

// UpsertMessage indexes (or re-indexes) one message of a user's thread.
func (s *Store) UpsertMessage(ctx context.Context, userID, threadID, messageID, content string, createdTs int64) error {
	if userID == "" {
		return errors.New("vectorstore: anonymous messages are not indexed")
	}
	col, err := s.collection(userID)
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:      messageID,
		Content: content,
		Metadata: map[string]string{
			"thread_id":  threadID,
			"created_ts": strconv.FormatInt(createdTs, 10),
		},
	})
}

// DeleteThread drops everything indexed for a thread.
func (s *Store) DeleteThread(ctx context.Context, userID, threadID string) error {
	if userID == "" {
		return nil
	}
	col, err := s.collection(userID)
	if err != nil {
		return err
	}
	return col.Delete(ctx, map[string]string{"thread_id": threadID}, nil)
}

// SearchSimilar returns the top-k messages most semantically similar to the query.
func (s *Store) SearchSimilar(ctx context.Context, userID, query string, k int) ([]SearchResult, error) {
	if userID == "" || k <= 0 {
		return nil, nil
	}
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	k = min(k, count)

	var results []chromem.Result
	// chromem-go sometimes throws "nResults must be <= number of documents" despite Count checks.
	// Step down k if it fails.
	for attemptK := k; attemptK > 0; attemptK-- {
		results, err = col.Query(ctx, query, attemptK, nil, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			ThreadID: r.Metadata["thread_id"],
			Content:  r.Content,
			Score:    r.Similarity,
		})
	}
	return out, nil
}
