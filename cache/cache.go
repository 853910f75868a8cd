package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/GoCodeAlone/steward/embed"
)

const (
	// DefaultLimit is the search result cap when none is given.
	DefaultLimit = 5
	// DefaultThreshold is the minimum similarity when none is given.
	DefaultThreshold = 0.7
	// DefaultMaxAge bounds how long entries stay visible.
	DefaultMaxAge = 10 * time.Minute

	summaryLimit = 500
)

// Options configures a Cache.
type Options struct {
	// MaxAge hides entries older than this from lookups. Zero keeps entries
	// forever; a negative value selects DefaultMaxAge.
	MaxAge time.Duration

	Logger *slog.Logger

	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Cache stores tool results per conversation and answers exact and
// semantic lookups against them.
type Cache struct {
	store    Store
	embedder embed.Embedder
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Cache over store. embedder may be nil, in which case only
// exact matches and caller-supplied embeddings are available.
func New(store Store, embedder embed.Embedder, opts Options) *Cache {
	if opts.MaxAge < 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:    store,
		embedder: embedder,
		maxAge:   opts.MaxAge,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// StoreOptions carries optional data for Store.
type StoreOptions struct {
	// Embedding is used as-is instead of embedding the description.
	Embedding []float32
	Metadata  map[string]string
}

// SearchOptions bounds a semantic search.
type SearchOptions struct {
	// ToolName restricts results to one tool when set.
	ToolName  string
	Limit int
	// Threshold is the minimum similarity; nil uses DefaultThreshold.
	Threshold *float64
}

// Threshold returns a pointer for SearchOptions.Threshold.
func Threshold(v float64) *float64 { return &v }

// SearchResult is a cached entry paired with its similarity to the query.
type SearchResult struct {
	Entry
	Similarity float64 `json:"similarity"`
}

// Describe builds the text an entry is embedded from.
func Describe(toolName, normalizedInput, output string) string {
	r := []rune(output)
	if len(r) > summaryLimit {
		output = string(r[:summaryLimit])
	}
	return fmt.Sprintf("tool: %s | input: %s | output: %s", toolName, normalizedInput, output)
}

// Store records a tool result, replacing any earlier result for the same
// normalized input. An embedding failure leaves the entry reachable by exact
// match only.
func (c *Cache) Store(ctx context.Context, conversationID, toolName string, input, output any, opts StoreOptions) error {
	if conversationID == "" || toolName == "" {
		return errors.New("cache store: conversation id and tool name are required")
	}
	norm, err := Normalize(input)
	if err != nil {
		return err
	}
	raw, err := toRaw(output)
	if err != nil {
		return fmt.Errorf("cache store output: %w", err)
	}

	emb := opts.Embedding
	if len(emb) == 0 && c.embedder != nil {
		emb, err = c.embedder.Embed(ctx, Describe(toolName, norm, string(raw)))
		if err != nil {
			c.logger.Warn("cache: embedding failed, storing for exact match only",
				"conversation_id", conversationID, "tool", toolName, "error", err)
			emb = nil
		}
	}

	return c.store.Put(ctx, Entry{
		ConversationID:  conversationID,
		ToolName:        toolName,
		NormalizedInput: norm,
		Output:          raw,
		Embedding:       emb,
		Metadata:        opts.Metadata,
		CreatedAt:       c.now().UTC(),
	})
}

// GetExactMatch returns the stored output for a structurally equal input.
func (c *Cache) GetExactMatch(ctx context.Context, conversationID, toolName string, input any) ([]byte, bool, error) {
	norm, err := Normalize(input)
	if err != nil {
		return nil, false, err
	}
	e, err := c.store.Get(ctx, conversationID, toolName, norm)
	if err != nil {
		return nil, false, err
	}
	if e == nil || c.expired(e) {
		return nil, false, nil
	}
	return e.Output, true, nil
}

// Search embeds query and returns the conversation's entries whose similarity
// is at least the threshold, most similar first.
func (c *Cache) Search(ctx context.Context, conversationID, query string, opts SearchOptions) ([]SearchResult, error) {
	if c.embedder == nil {
		return nil, errors.New("cache search: no embedder configured")
	}
	qv, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("cache search embed: %w", err)
	}
	return c.SearchVector(ctx, conversationID, qv, opts)
}

// SearchVector is Search with a precomputed query embedding.
func (c *Cache) SearchVector(ctx context.Context, conversationID string, query []float32, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	threshold := DefaultThreshold
	if opts.Threshold != nil {
		threshold = min(max(*opts.Threshold, 0), 1)
	}

	entries, err := c.store.List(ctx, conversationID, opts.ToolName)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, e := range entries {
		if len(e.Embedding) == 0 || c.expired(&e) {
			continue
		}
		sim := embed.Cosine(query, e.Embedding)
		if sim < threshold {
			continue
		}
		results = append(results, SearchResult{Entry: e, Similarity: sim})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ClearConversation removes every cached entry of the conversation.
func (c *Cache) ClearConversation(ctx context.Context, conversationID string) (int, error) {
	n, err := c.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("cache cleared", "conversation_id", conversationID, "entries", n)
	return n, nil
}

func (c *Cache) expired(e *Entry) bool {
	return c.maxAge > 0 && c.now().Sub(e.CreatedAt) > c.maxAge
}
