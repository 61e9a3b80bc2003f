// Package index wraps a Bleve full-text index as the agent's document
// archive. The agent loop only reads from it; the ingest pipeline writes
// to it offline.
package index

import (
	"context"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	errx "github.com/newsrag-poc-v1/agent/internal/core/error"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

// Document is one indexed chunk: the searchable content (metadata header +
// body chunk) plus stored source metadata.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Title   string `json:"title"`
	Topic   string `json:"topic"`
	Date    string `json:"date"`
	URL     string `json:"url"`
}

// Hit is a single search result with its stored content.
type Hit struct {
	ID      string
	Score   float64
	Content string
	Title   string
	URL     string
}

// Searcher is the read-side contract the search tool consumes.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Hit, error)
}

// BleveIndex implements Searcher plus the write side used by ingestion.
type BleveIndex struct {
	idx bleve.Index
}

func buildMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("title", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("topic", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("date", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("url", bleve.NewKeywordFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	return m
}

// Exists reports whether an index is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Open opens an existing on-disk index.
func Open(path string) (*BleveIndex, error) {
	idx, err := bleve.Open(path)
	if err != nil {
		return nil, errx.WrapIndex(err)
	}
	return &BleveIndex{idx: idx}, nil
}

// Create creates a new on-disk index at path.
func Create(path string) (*BleveIndex, error) {
	idx, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, errx.WrapIndex(err)
	}
	return &BleveIndex{idx: idx}, nil
}

// OpenOrCreate opens the index at path, creating it on first use.
func OpenOrCreate(path string) (*BleveIndex, error) {
	if Exists(path) {
		return Open(path)
	}
	return Create(path)
}

// NewMemOnly builds an in-memory index; used by tests.
func NewMemOnly() (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, errx.WrapIndex(err)
	}
	return &BleveIndex{idx: idx}, nil
}

// Upsert indexes the documents in a single batch. Re-indexing an existing
// ID replaces the previous version.
func (b *BleveIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := b.idx.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, d); err != nil {
			return errx.WrapIndex(err)
		}
	}
	if err := b.idx.Batch(batch); err != nil {
		logx.Error().Err(err).Int("docs", len(docs)).Msg("failed to index batch")
		return errx.WrapIndex(err)
	}
	return nil
}

// Search runs a top-k match query over chunk content and returns hits with
// their stored fields.
func (b *BleveIndex) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if query == "" {
		return []Hit{}, nil
	}
	if k <= 0 {
		k = 5
	}

	q := bleve.NewMatchQuery(query)
	q.SetField("content")
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{"content", "title", "url"}

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, errx.WrapIndex(err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["content"].(string); ok {
			hit.Content = v
		}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["url"].(string); ok {
			hit.URL = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (uint64, error) {
	n, err := b.idx.DocCount()
	if err != nil {
		return 0, errx.WrapIndex(err)
	}
	return n, nil
}

// Close releases the underlying index.
func (b *BleveIndex) Close() error {
	return b.idx.Close()
}

var _ Searcher = (*BleveIndex)(nil)
