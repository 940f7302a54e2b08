package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"
)

// BM25Result is one ranked hit.
type BM25Result struct {
	ChunkID string
	Score   float64
}

// BM25Index provides BM25 keyword search over document chunks.
type BM25Index struct {
	index  bleve.Index
	path   string
	logger *zap.Logger
}

// NewBM25Index opens or creates an index at path. An empty path keeps the index in memory.
// A corrupted on-disk index is deleted and recreated.
func NewBM25Index(path string, logger *zap.Logger) (*BM25Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bm25")

	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory BM25 index: %w", err)
		}
		return &BM25Index{index: idx, logger: logger}, nil
	}

	idx, err := bleve.Open(path)
	switch {
	case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create BM25 index: %w", err)
		}
		logger.Info("BM25 index created", zap.String("path", path))
	case err != nil:
		logger.Warn("BM25 index appears corrupted, recreating", zap.String("path", path), zap.Error(err))
		if idx != nil {
			idx.Close()
		}
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, fmt.Errorf("failed to remove corrupted index: %w", rmErr)
		}
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate BM25 index: %w", err)
		}
	}

	return &BM25Index{index: idx, path: path, logger: logger}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	chunkMapping := bleve.NewDocumentMapping()

	chunkIDField := bleve.NewTextFieldMapping()
	chunkIDField.Analyzer = keyword.Name
	chunkIDField.Store = true
	chunkMapping.AddFieldMappingsAt("chunk_id", chunkIDField)

	docField := bleve.NewTextFieldMapping()
	docField.Analyzer = keyword.Name
	docField.Store = true
	chunkMapping.AddFieldMappingsAt("doc", docField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	chunkMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = chunkMapping
	return indexMapping
}

// IndexChunks indexes chunks in a single batch.
func (b *BM25Index) IndexChunks(chunks []Chunk) error {
	batch := b.index.NewBatch()
	for _, c := range chunks {
		doc := map[string]interface{}{
			"chunk_id": c.ID,
			"doc":      c.Doc,
			"text":     c.Text,
		}
		if err := batch.Index(c.ID, doc); err != nil {
			return fmt.Errorf("failed to batch chunk %s: %w", c.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index %d chunks: %w", len(chunks), err)
	}
	return nil
}

// DeleteChunks removes chunks by id.
func (b *BM25Index) DeleteChunks(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// Search returns the top k hits for query.
func (b *BM25Index) Search(ctx context.Context, query string, k int) ([]BM25Result, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("text")

	req := bleve.NewSearchRequest(q)
	req.Size = k

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("BM25 search failed: %w", err)
	}

	results := make([]BM25Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, BM25Result{ChunkID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// Count returns the number of indexed chunks.
func (b *BM25Index) Count() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the index.
func (b *BM25Index) Close() error {
	return b.index.Close()
}
