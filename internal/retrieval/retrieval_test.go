package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerShortTextIsOneChunk(t *testing.T) {
	c := NewChunker(100, 10)
	assert.Equal(t, []string{"hello world"}, c.Split("hello world"))
	assert.Nil(t, c.Split("   \n  "))
}

func TestChunkerRespectsSizeAndOverlaps(t *testing.T) {
	var words []string
	for i := 0; i < 200; i++ {
		words = append(words, "word")
	}
	text := strings.Join(words, " ")

	c := NewChunker(50, 10)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(ch), 50)
	}
	// neighbours share a suffix/prefix
	assert.True(t, strings.HasPrefix(chunks[1], "word"))
	tail := chunks[0][len(chunks[0])-9:]
	assert.Contains(t, chunks[1], tail)
}

func TestChunkerPrefersParagraphs(t *testing.T) {
	para := strings.Repeat("a", 30)
	text := para + "\n\n" + para + "\n\n" + para
	chunks := NewChunker(70, 0).Split(text)
	assert.Equal(t, []string{para + "\n\n" + para, para}, chunks)
}

func TestChunkerCountsRunes(t *testing.T) {
	text := strings.Repeat("שלום ", 40)
	for _, ch := range NewChunker(30, 5).Split(text) {
		assert.LessOrEqual(t, utf8.RuneCountInString(ch), 30)
	}
}

func TestChunkerDefaults(t *testing.T) {
	c := NewChunker(0, -1)
	assert.Equal(t, DefaultChunkSize, c.Size)
	assert.Equal(t, DefaultChunkOverlap, c.Overlap)
}

func newRetriever(t *testing.T) *DocumentRetriever {
	t.Helper()
	idx, err := NewBM25Index("", nil)
	require.NoError(t, err)
	r := NewDocumentRetriever(idx, NewChunker(120, 0), nil)
	t.Cleanup(func() { r.Close() })
	return r
}

const referenceDoc = `Orientation describes whether a person acts from personal drive or from outside expectation.

Energy describes how a person recharges and how quickly they reach decisions under pressure.

Reinforcement looks at which childhood behaviours were praised at home.`

func TestTopChunksRanksByQuery(t *testing.T) {
	r := newRetriever(t)
	require.NoError(t, r.LoadText(context.Background(), "ref.txt", referenceDoc))
	require.Equal(t, 3, r.Len())

	got, err := r.TopChunks(context.Background(), "energy decisions recharge", 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0], "recharges")
	assert.LessOrEqual(t, len(got), 2)
}

func TestTopChunksFallsBackToDocumentOrder(t *testing.T) {
	r := newRetriever(t)
	require.NoError(t, r.LoadText(context.Background(), "ref.txt", referenceDoc))

	got, err := r.TopChunks(context.Background(), "zebra", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[0], "Orientation"))
	assert.True(t, strings.HasPrefix(got[1], "Energy"))
}

func TestTopChunksEmpty(t *testing.T) {
	r := newRetriever(t)
	got, err := r.TopChunks(context.Background(), "anything", 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadTextReplacesDocument(t *testing.T) {
	r := newRetriever(t)
	ctx := context.Background()
	require.NoError(t, r.LoadText(ctx, "ref.txt", referenceDoc))
	require.NoError(t, r.LoadText(ctx, "ref.txt", "Only one short paragraph about energy."))

	assert.Equal(t, 1, r.Len())
	got, err := r.TopChunks(ctx, "energy", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Only one short paragraph about energy."}, got)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.md")
	require.NoError(t, os.WriteFile(path, []byte(referenceDoc), 0644))

	r := newRetriever(t)
	require.NoError(t, r.LoadFile(context.Background(), path, 0))
	assert.Equal(t, 3, r.Len())

	assert.Error(t, r.LoadFile(context.Background(), path, 10), "size limit")

	pdf := filepath.Join(dir, "guide.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF"), 0644))
	assert.Error(t, r.LoadFile(context.Background(), pdf, 0))
}

func TestOnDiskIndexReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.bleve")

	idx, err := NewBM25Index(path, nil)
	require.NoError(t, err)
	require.NoError(t, idx.IndexChunks([]Chunk{{ID: "a#0000", Doc: "a", Text: "energy"}}))
	require.NoError(t, idx.Close())

	idx, err = NewBM25Index(path, nil)
	require.NoError(t, err)
	defer idx.Close()
	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}
