package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/steward/cache"
)

// CacheSearchName is the name of the built-in cache search tool.
const CacheSearchName = "search_tool_cache"

// CacheSearch lets a worker look up earlier tool results of its
// conversation by meaning before calling the platform again.
type CacheSearch struct {
	cache *cache.Cache
}

// NewCacheSearch creates the tool over c.
func NewCacheSearch(c *cache.Cache) *CacheSearch {
	return &CacheSearch{cache: c}
}

func (t *CacheSearch) Name() string { return CacheSearchName }

// ReadOnly is false so searches are never themselves cached.
func (t *CacheSearch) ReadOnly() bool { return false }

func (t *CacheSearch) Definition() Definition {
	return Definition{
		Name:        CacheSearchName,
		Description: "Search results of tools already called in this conversation. Use before repeating a lookup.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":     map[string]any{"type": "string", "description": "What you are looking for"},
				"tool_name": map[string]any{"type": "string", "description": "Restrict to one tool"},
				"limit":     map[string]any{"type": "integer", "description": "Maximum results"},
				"threshold": map[string]any{"type": "number", "description": "Minimum similarity between 0 and 1"},
			},
			"required": []string{"query"},
		},
	}
}

type cacheHit struct {
	ToolName   string  `json:"tool_name"`
	Input      string  `json:"input"`
	Output     string  `json:"output"`
	Similarity float64 `json:"similarity"`
}

func (t *CacheSearch) Execute(ctx context.Context, args map[string]any) (any, error) {
	conv := ConversationIDFromContext(ctx)
	if conv == "" {
		return nil, errors.New("search_tool_cache: no conversation in context")
	}
	query, _ := args["query"].(string)
	if query == "" {
		return nil, errors.New("search_tool_cache: query is required")
	}
	opts := cache.SearchOptions{}
	opts.ToolName, _ = args["tool_name"].(string)
	switch l := args["limit"].(type) {
	case float64:
		opts.Limit = int(l)
	case int:
		opts.Limit = l
	}
	if th, ok := args["threshold"].(float64); ok {
		opts.Threshold = cache.Threshold(th)
	}

	results, err := t.cache.Search(ctx, conv, query, opts)
	if err != nil {
		return nil, fmt.Errorf("search_tool_cache: %w", err)
	}
	hits := make([]cacheHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, cacheHit{
			ToolName:   r.ToolName,
			Input:      r.NormalizedInput,
			Output:     string(r.Output),
			Similarity: r.Similarity,
		})
	}
	return map[string]any{"results": hits}, nil
}
