package search

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
)

// EvidenceIndex is an in-memory full-text index over everything a session
// has already fetched, letting callers re-query collected evidence without
// touching the network again.
type EvidenceIndex struct {
	mu    sync.Mutex
	index bleve.Index
	docs  map[string]Result
}

// NewEvidenceIndex builds an empty in-memory index.
func NewEvidenceIndex() (*EvidenceIndex, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create evidence index: %w", err)
	}
	return &EvidenceIndex{index: idx, docs: make(map[string]Result)}, nil
}

// Add indexes one result, keyed by URL. Re-adding a URL overwrites it.
func (e *EvidenceIndex) Add(r Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc := map[string]string{
		"title":   r.Title,
		"url":     r.URL,
		"content": r.Content,
		"summary": r.Summary,
	}
	if r.RawContent != "" {
		doc["content"] = r.RawContent
	}
	if err := e.index.Index(r.URL, doc); err != nil {
		return fmt.Errorf("index %s: %w", r.URL, err)
	}
	e.docs[r.URL] = r
	return nil
}

// Query searches collected evidence, returning up to limit matches ranked
// by relevance.
func (e *EvidenceIndex) Query(query string, limit int) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 {
		limit = 5
	}
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Size = limit
	res, err := e.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if doc, ok := e.docs[hit.ID]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Len reports how many documents the index holds.
func (e *EvidenceIndex) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docs)
}

// Close releases the index.
func (e *EvidenceIndex) Close() error {
	return e.index.Close()
}
