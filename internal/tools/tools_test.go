package tools

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/delver/internal/llm"
)

type stubSearcher struct {
	gotQueries []string
	gotMax     int
	payload    string
	err        error
}

func (s *stubSearcher) SearchAndFormat(_ context.Context, queries []string, maxResults int) (string, error) {
	s.gotQueries = queries
	s.gotMax = maxResults
	return s.payload, s.err
}

func TestNormalizeSearchAliases(t *testing.T) {
	decl := NewSearchTool(&stubSearcher{}, 5).Declaration
	cases := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			"singular query key",
			map[string]any{"query": "hnsw"},
			map[string]any{"queries": []any{"hnsw"}},
		},
		{
			"singular string under canonical key",
			map[string]any{"queries": "hnsw"},
			map[string]any{"queries": []any{"hnsw"}},
		},
		{
			"already canonical",
			map[string]any{"queries": []any{"a", "b"}},
			map[string]any{"queries": []any{"a", "b"}},
		},
		{
			"alias does not clobber canonical",
			map[string]any{"queries": []any{"a"}, "query": "b"},
			map[string]any{"queries": []any{"a"}, "query": "b"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decl.Normalize(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Normalize(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeReflectAliasesAndFallback(t *testing.T) {
	decl := NewReflectTool().Declaration
	cases := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"canonical", map[string]any{"reflection": "a"}, "a"},
		{"prompt alias", map[string]any{"prompt": "b"}, "b"},
		{"thought alias", map[string]any{"thought": "c"}, "c"},
		{"question alias", map[string]any{"question": "d"}, "d"},
		{"stray key fallback", map[string]any{"notes": "e"}, "e"},
		{"empty fallback", map[string]any{}, "Reflecting on current research progress."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decl.Normalize(tc.in)
			if got["reflection"] != tc.want {
				t.Errorf("Normalize(%v) = %v, want reflection=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	decls := []Declaration{
		NewSearchTool(&stubSearcher{}, 5).Declaration,
		NewReflectTool().Declaration,
		NewDelegateTool().Declaration,
	}
	inputs := []map[string]any{
		{"query": "x"},
		{"prompt": "y"},
		{"topic": "z"},
		{},
		{"queries": []any{"a"}, "max_results_per_query": float64(3)},
	}
	for _, decl := range decls {
		for _, in := range inputs {
			once := decl.Normalize(in)
			twice := decl.Normalize(once)
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("%s: normalize not idempotent: %v -> %v -> %v", decl.Name, in, once, twice)
			}
		}
	}
}

func TestDispatchSearch(t *testing.T) {
	searcher := &stubSearcher{payload: "--- SOURCE 1: A ---"}
	r := WorkerRegistry(searcher, 5)
	res := r.Dispatch(context.Background(), llm.ToolCall{
		ID: "c1", Name: "search", Arguments: map[string]any{"query": "hnsw"},
	})
	if res.Kind != llm.ToolResultOK {
		t.Fatalf("result: %+v", res)
	}
	if !reflect.DeepEqual(searcher.gotQueries, []string{"hnsw"}) || searcher.gotMax != 5 {
		t.Errorf("searcher got %v max=%d", searcher.gotQueries, searcher.gotMax)
	}
	if res.Payload != "--- SOURCE 1: A ---" {
		t.Errorf("payload = %q", res.Payload)
	}
}

func TestDispatchReflect(t *testing.T) {
	r := WorkerRegistry(&stubSearcher{}, 5)
	res := r.Dispatch(context.Background(), llm.ToolCall{
		ID: "c2", Name: "reflect", Arguments: map[string]any{"thought": "need more sources"},
	})
	if res.Kind != llm.ToolResultOK {
		t.Fatalf("result: %+v", res)
	}
	if res.Payload != "Reflection recorded: need more sources" {
		t.Errorf("payload = %q", res.Payload)
	}
}

func TestDispatchErrorsAreObservations(t *testing.T) {
	r := WorkerRegistry(&stubSearcher{err: fmt.Errorf("engine down")}, 5)

	unknown := r.Dispatch(context.Background(), llm.ToolCall{ID: "x", Name: "nope"})
	if unknown.Kind != llm.ToolResultError || !strings.Contains(unknown.Payload, "unknown tool") {
		t.Errorf("unknown tool result: %+v", unknown)
	}

	failed := r.Dispatch(context.Background(), llm.ToolCall{
		ID: "y", Name: "search", Arguments: map[string]any{"queries": []any{"q"}},
	})
	if failed.Kind != llm.ToolResultError || !strings.Contains(failed.Payload, "engine down") {
		t.Errorf("failed tool result: %+v", failed)
	}

	sup := SupervisorRegistry()
	restricted := sup.Dispatch(context.Background(), llm.ToolCall{ID: "z", Name: "delegate_research"})
	if restricted.Kind != llm.ToolResultError {
		t.Errorf("restricted dispatch result: %+v", restricted)
	}
}

type stubQuerier struct {
	stubSearcher
	gotQuery string
	evidence string
}

func (s *stubQuerier) QueryEvidence(_ context.Context, query string, maxResults int) (string, error) {
	s.gotQuery = query
	s.gotMax = maxResults
	return s.evidence, nil
}

func TestWorkerRegistryEvidenceCapability(t *testing.T) {
	plain := WorkerRegistry(&stubSearcher{}, 5)
	for _, d := range plain.Declarations() {
		if d.Name == "query_evidence" {
			t.Fatal("query_evidence registered without an EvidenceQuerier")
		}
	}

	q := &stubQuerier{evidence: "Previously collected evidence (1 sources):"}
	r := WorkerRegistry(q, 5)
	res := r.Dispatch(context.Background(), llm.ToolCall{
		ID: "e1", Name: "query_evidence", Arguments: map[string]any{"query": "hnsw"},
	})
	if res.Kind != llm.ToolResultOK {
		t.Fatalf("result: %+v", res)
	}
	if q.gotQuery != "hnsw" || q.gotMax != 5 {
		t.Errorf("querier got %q max=%d", q.gotQuery, q.gotMax)
	}
	if res.Payload != q.evidence {
		t.Errorf("payload = %q", res.Payload)
	}
}

func TestRegistryDeclarationsOrder(t *testing.T) {
	r := SupervisorRegistry()
	decls := r.Declarations()
	got := make([]string, len(decls))
	for i, d := range decls {
		got[i] = d.Name
	}
	want := []string{"reflect", "delegate_research", "research_complete"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("declaration order = %v, want %v", got, want)
	}
}
