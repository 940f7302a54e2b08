package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DocumentRetriever chunks reference documents into a BM25 index and returns
// the best passages for a query.
type DocumentRetriever struct {
	index   *BM25Index
	chunker Chunker
	logger  *zap.Logger

	mu     sync.RWMutex
	chunks map[string]Chunk    // chunk id -> chunk
	byDoc  map[string][]string // doc name -> chunk ids in document order
	order  []string            // all chunk ids in load order
}

// NewDocumentRetriever creates a retriever over index.
func NewDocumentRetriever(index *BM25Index, chunker Chunker, logger *zap.Logger) *DocumentRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentRetriever{
		index:   index,
		chunker: chunker,
		logger:  logger.Named("retrieval"),
		chunks:  make(map[string]Chunk),
		byDoc:   make(map[string][]string),
	}
}

// LoadFile reads a plain-text or Markdown reference document and indexes it.
// Files larger than maxSize bytes are rejected when maxSize > 0.
func (r *DocumentRetriever) LoadFile(ctx context.Context, path string, maxSize int64) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
	default:
		return fmt.Errorf("unsupported reference document %s: only .txt and .md are read", filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat reference document: %w", err)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return fmt.Errorf("reference document %s is %d bytes, limit is %d", filepath.Base(path), info.Size(), maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read reference document: %w", err)
	}
	return r.LoadText(ctx, filepath.Base(path), string(data))
}

// LoadText chunks text and indexes it under doc, replacing any previous version of doc.
func (r *DocumentRetriever) LoadText(ctx context.Context, doc, text string) error {
	pieces := r.chunker.Split(text)
	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, Chunk{
			ID:    fmt.Sprintf("%s#%04d", doc, i),
			Doc:   doc,
			Index: i,
			Text:  p,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.byDoc[doc]; len(old) > 0 {
		if err := r.index.DeleteChunks(old); err != nil {
			return fmt.Errorf("failed to drop previous chunks of %s: %w", doc, err)
		}
		for _, id := range old {
			delete(r.chunks, id)
		}
		r.order = removeIDs(r.order, old)
	}

	if err := r.index.IndexChunks(chunks); err != nil {
		return err
	}

	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		r.chunks[c.ID] = c
		ids = append(ids, c.ID)
	}
	r.byDoc[doc] = ids
	r.order = append(r.order, ids...)

	r.logger.Info("reference document indexed", zap.String("doc", doc), zap.Int("chunks", len(chunks)))
	return nil
}

// TopChunks returns up to n chunk texts ranked by BM25 score. When nothing
// matches, the first n chunks in document order are returned instead.
func (r *DocumentRetriever) TopChunks(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return nil, nil
	}

	var out []string
	if strings.TrimSpace(query) != "" {
		hits, err := r.index.Search(ctx, query, n)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if c, ok := r.chunks[h.ChunkID]; ok {
				out = append(out, c.Text)
			}
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	for _, id := range r.order {
		if len(out) == n {
			break
		}
		out = append(out, r.chunks[id].Text)
	}
	return out, nil
}

// Len returns the number of loaded chunks.
func (r *DocumentRetriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Close closes the underlying index.
func (r *DocumentRetriever) Close() error {
	return r.index.Close()
}

func removeIDs(ids, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, id := range drop {
		skip[id] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
