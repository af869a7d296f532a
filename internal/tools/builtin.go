package tools

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/delver/internal/llm"
)

// Searcher runs a search query batch and renders the results as one
// observation payload. Implemented by internal/search.
type Searcher interface {
	SearchAndFormat(ctx context.Context, queries []string, maxResults int) (string, error)
}

// EvidenceQuerier searches evidence already collected this session. Searchers
// that also implement it get a query_evidence tool in the worker registry.
type EvidenceQuerier interface {
	QueryEvidence(ctx context.Context, query string, maxResults int) (string, error)
}

// NewSearchTool builds the search tool over a Searcher.
func NewSearchTool(s Searcher, defaultMaxResults int) *Tool {
	return &Tool{
		Declaration: Declaration{
			Name:        "search",
			Description: "Search the web. Takes a list of queries and returns summarized results with sources.",
			Parameters: llm.ObjectSchema(map[string]*llm.Schema{
				"queries":               llm.ArraySchema("search queries to run", llm.StringSchema("a search query")),
				"max_results_per_query": {Type: "integer", Description: "cap on results per query"},
			}, "queries"),
			Aliases: []AliasRule{{Alias: "query", Canonical: "queries"}},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			raw, _ := args["queries"].([]any)
			queries := make([]string, 0, len(raw))
			for _, q := range raw {
				if s, ok := q.(string); ok && s != "" {
					queries = append(queries, s)
				}
			}
			if len(queries) == 0 {
				return "", fmt.Errorf("queries must contain at least one non-empty string")
			}
			maxResults := defaultMaxResults
			if v, ok := args["max_results_per_query"].(float64); ok && v > 0 {
				maxResults = int(v)
			}
			return s.SearchAndFormat(ctx, queries, maxResults)
		},
	}
}

// NewQueryEvidenceTool builds the query_evidence tool over an EvidenceQuerier.
func NewQueryEvidenceTool(q EvidenceQuerier, defaultMaxResults int) *Tool {
	return &Tool{
		Declaration: Declaration{
			Name:        "query_evidence",
			Description: "Search evidence already collected this session. Use before searching the web again for something a previous search may have covered.",
			Parameters: llm.ObjectSchema(map[string]*llm.Schema{
				"query":       llm.StringSchema("what to look for in collected evidence"),
				"max_results": {Type: "integer", Description: "cap on returned sources"},
			}, "query"),
			Aliases: []AliasRule{{Alias: "queries", Canonical: "query"}},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query must be a non-empty string")
			}
			maxResults := defaultMaxResults
			if v, ok := args["max_results"].(float64); ok && v > 0 {
				maxResults = int(v)
			}
			return q.QueryEvidence(ctx, query, maxResults)
		},
	}
}

// NewReflectTool builds the reflection tool. It has no side effects; the
// payload keeps the thought in the transcript.
func NewReflectTool() *Tool {
	return &Tool{
		Declaration: Declaration{
			Name:        "reflect",
			Description: "Record a reflection about progress and what to do next. Use between searches to assess what you have learned.",
			Parameters: llm.ObjectSchema(map[string]*llm.Schema{
				"reflection": llm.StringSchema("your reflection on progress so far"),
			}, "reflection"),
			Aliases: []AliasRule{
				{Alias: "prompt", Canonical: "reflection"},
				{Alias: "thought", Canonical: "reflection"},
				{Alias: "question", Canonical: "reflection"},
			},
			FreeTextParam:   "reflection",
			FreeTextDefault: "Reflecting on current research progress.",
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["reflection"].(string)
			return "Reflection recorded: " + text, nil
		},
	}
}

// NewDelegateTool declares delegate_research. The supervisor loop intercepts
// it; the registry never executes it.
func NewDelegateTool() *Tool {
	return &Tool{
		Declaration: Declaration{
			Name:        "delegate_research",
			Description: "Delegate a focused sub-question to a research worker. Emit one call per independent sub-question.",
			Parameters: llm.ObjectSchema(map[string]*llm.Schema{
				"sub_question": llm.StringSchema("a single focused research question"),
				"rationale":    llm.StringSchema("why this sub-question matters"),
			}, "sub_question"),
			Aliases:    []AliasRule{{Alias: "topic", Canonical: "sub_question"}, {Alias: "research_topic", Canonical: "sub_question"}},
			Restricted: true,
		},
	}
}

// NewCompleteTool declares research_complete, the supervisor's exit signal.
func NewCompleteTool() *Tool {
	return &Tool{
		Declaration: Declaration{
			Name:        "research_complete",
			Description: "Signal that enough research has been gathered to write the final report.",
			Parameters:  llm.ObjectSchema(map[string]*llm.Schema{}),
			Restricted:  true,
		},
	}
}

// SupervisorRegistry is the tool set the supervisor sees.
func SupervisorRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewReflectTool())
	r.Register(NewDelegateTool())
	r.Register(NewCompleteTool())
	return r
}

// WorkerRegistry is the tool set a research worker sees. Searchers that can
// query already-collected evidence additionally expose query_evidence.
func WorkerRegistry(s Searcher, defaultMaxResults int) *Registry {
	r := NewRegistry()
	r.Register(NewSearchTool(s, defaultMaxResults))
	if q, ok := s.(EvidenceQuerier); ok {
		r.Register(NewQueryEvidenceTool(q, defaultMaxResults))
	}
	r.Register(NewReflectTool())
	return r
}
