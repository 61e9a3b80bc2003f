package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/newsrag-poc-v1/agent/internal/index"
)

const ToolSearchNews = "search_news"

const (
	// NotFoundResult is the fixed reply for an empty search.
	NotFoundResult = "No information was found in the knowledge base."
	// IndexUnavailableResult is the fixed reply when no index exists yet.
	IndexUnavailableResult = "The knowledge base has not been built. Run the ingest command first."
)

// SearchNewsInput is the argument shape the model fills in.
type SearchNewsInput struct {
	Query string `json:"query"`
}

type searchNewsTool struct {
	searcher index.Searcher
	topK     int
}

// NewSearchNewsTool wraps the document index as a graded retrieval tool.
// A nil searcher is allowed and yields the fixed "unavailable" reply, so a
// missing index degrades instead of failing startup.
func NewSearchNewsTool(searcher index.Searcher, topK int) tool.InvokableTool {
	if topK <= 0 {
		topK = 5
	}
	return &searchNewsTool{searcher: searcher, topK: topK}
}

func (t *searchNewsTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: ToolSearchNews,
		Desc: "Search the news knowledge base. Use for questions about events, facts and topics that require factual verification.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     "string",
				Desc:     "Search keywords or a short question describing what to look up.",
				Required: true,
			},
		}),
	}, nil
}

func (t *searchNewsTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var in SearchNewsInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &in); err != nil {
		return "", fmt.Errorf("invalid search arguments: %w", err)
	}
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	if t.searcher == nil {
		return IndexUnavailableResult, nil
	}

	hits, err := t.searcher.Search(ctx, in.Query, t.topK)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if len(hits) == 0 {
		return NotFoundResult, nil
	}

	contents := make([]string, 0, len(hits))
	for _, h := range hits {
		contents = append(contents, h.Content)
	}
	return strings.Join(contents, "\n\n"), nil
}

var _ tool.InvokableTool = (*searchNewsTool)(nil)
