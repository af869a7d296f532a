package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Service runs the full search pipeline and renders tool observations.
type Service struct {
	provider    Provider
	summarizer  *Summarizer
	fetcher     Fetcher
	cache       SummaryCache
	index       *EvidenceIndex
	concurrency int
	maxContent  int
	logger      *log.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithSummarizer(s *Summarizer) ServiceOption { return func(svc *Service) { svc.summarizer = s } }
func WithFetcher(f Fetcher) ServiceOption        { return func(svc *Service) { svc.fetcher = f } }
func WithCache(c SummaryCache) ServiceOption     { return func(svc *Service) { svc.cache = c } }
func WithIndex(i *EvidenceIndex) ServiceOption   { return func(svc *Service) { svc.index = i } }
func WithConcurrency(n int) ServiceOption        { return func(svc *Service) { svc.concurrency = n } }
func WithMaxContent(n int) ServiceOption         { return func(svc *Service) { svc.maxContent = n } }

// NewService builds the pipeline over a provider.
func NewService(provider Provider, opts ...ServiceOption) *Service {
	svc := &Service{
		provider:    provider,
		cache:       NopCache{},
		concurrency: 4,
		maxContent:  50000,
		logger:      log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.concurrency < 1 {
		svc.concurrency = 1
	}
	return svc
}

// Search executes a query batch: queries run concurrently up to the provider
// concurrency bound, results are deduplicated by URL across the whole batch
// in query order, then enriched and summarized.
func (s *Service) Search(ctx context.Context, queries []string, maxResults int) (Batch, error) {
	perQuery := make([][]Result, len(queries))
	errs := make([]error, len(queries))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results, err := s.provider.Search(ctx, q, maxResults)
			if err != nil {
				errs[i] = err
				return
			}
			perQuery[i] = results
		}(i, q)
	}
	wg.Wait()

	var batch Batch
	seen := make(map[string]bool)
	for i, results := range perQuery {
		if errs[i] != nil {
			s.logger.Printf("query %q failed: %v", queries[i], errs[i])
			batch.Errors = append(batch.Errors, QueryError{Query: queries[i], Err: errs[i].Error()})
			continue
		}
		for _, r := range results {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			batch.Results = append(batch.Results, r)
		}
	}
	if len(batch.Results) == 0 && len(batch.Errors) == len(queries) && len(queries) > 0 {
		return batch, fmt.Errorf("all %d queries failed, first: %s", len(queries), batch.Errors[0].Err)
	}

	s.enrich(ctx, batch.Results)
	s.summarize(ctx, batch.Results)
	if s.index != nil {
		for _, r := range batch.Results {
			if err := s.index.Add(r); err != nil {
				s.logger.Printf("indexing %s: %v", r.URL, err)
			}
		}
	}
	return batch, nil
}

// enrich optionally fetches page bodies for results that only carry a snippet.
func (s *Service) enrich(ctx context.Context, results []Result) {
	if s.fetcher == nil {
		return
	}
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			text, err := s.fetcher.Fetch(ctx, results[i].URL)
			if err != nil {
				s.logger.Printf("fetch %s: %v", results[i].URL, err)
				return
			}
			results[i].RawContent = truncate(text, s.maxContent)
		}(i)
	}
	wg.Wait()
}

// summarize fills Summary for every result, consulting the cache first and
// degrading to truncated raw content on summarizer failure.
func (s *Service) summarize(ctx context.Context, results []Result) {
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i].Summary, results[i].KeyExcerpts = s.summarizeOne(ctx, results[i])
		}(i)
	}
	wg.Wait()
}

func (s *Service) summarizeOne(ctx context.Context, r Result) (string, []string) {
	content := r.RawContent
	if content == "" {
		content = r.Content
	}
	content = truncate(content, s.maxContent)
	if content == "" {
		return "", nil
	}
	if cached, ok := s.cache.Get(ctx, r.URL); ok {
		return cached, nil
	}
	if s.summarizer == nil {
		return content, nil
	}
	summary, excerpts, err := s.summarizer.Summarize(ctx, r.Title, r.URL, content)
	if err != nil {
		s.logger.Printf("summarize %s degraded to raw content: %v", r.URL, err)
		return content, nil
	}
	s.cache.Set(ctx, r.URL, summary)
	return summary, excerpts
}

// SearchAndFormat implements the tools.Searcher contract: it runs the batch
// and renders each deduplicated result as a numbered SOURCE block.
func (s *Service) SearchAndFormat(ctx context.Context, queries []string, maxResults int) (string, error) {
	batch, err := s.Search(ctx, queries, maxResults)
	if err != nil {
		return "", err
	}
	return FormatBatch(batch), nil
}

// QueryEvidence implements the tools.EvidenceQuerier contract: it searches
// the evidence this session has already fetched and indexed, without touching
// the network.
func (s *Service) QueryEvidence(_ context.Context, query string, maxResults int) (string, error) {
	if s.index == nil {
		return "", fmt.Errorf("no evidence index configured")
	}
	hits, err := s.index.Query(query, maxResults)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No matching evidence collected yet. Use search to fetch new sources.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Previously collected evidence (%d sources):\n\n", len(hits))
	for i, r := range hits {
		fmt.Fprintf(&b, "--- SOURCE %d: %s ---\n", i+1, r.Title)
		fmt.Fprintf(&b, "URL: %s\n\n", r.URL)
		fmt.Fprintf(&b, "SUMMARY:\n%s\n\n", r.Summary)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// FormatBatch renders a batch as the observation payload.
func FormatBatch(batch Batch) string {
	if len(batch.Results) == 0 {
		msg := "No valid search results found. Try different queries."
		if len(batch.Errors) > 0 {
			msg += fmt.Sprintf(" (%d queries failed)", len(batch.Errors))
		}
		return msg
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results (%d sources):\n\n", len(batch.Results))
	for i, r := range batch.Results {
		fmt.Fprintf(&b, "--- SOURCE %d: %s ---\n", i+1, r.Title)
		fmt.Fprintf(&b, "URL: %s\n\n", r.URL)
		fmt.Fprintf(&b, "SUMMARY:\n%s\n\n", r.Summary)
	}
	for _, qe := range batch.Errors {
		fmt.Fprintf(&b, "NOTE: query %q failed: %s\n", qe.Query, qe.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
