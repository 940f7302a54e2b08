// Package retrieval ranks passages of a reference document against stage queries.
package retrieval

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order, coarsest first. The empty separator splits into runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Chunk is one indexed passage of a document.
type Chunk struct {
	ID    string
	Doc   string
	Index int
	Text  string
}

// Chunker splits text recursively on separators and merges the pieces into
// chunks of at most Size runes, with about Overlap runes shared between neighbours.
type Chunker struct {
	Size       int
	Overlap    int
	Separators []string
}

// NewChunker returns a chunker with the given size and overlap.
// Non-positive values fall back to the defaults.
func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return Chunker{Size: size, Overlap: overlap, Separators: DefaultSeparators}
}

// Split returns the chunks of text in document order.
func (c Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seps := c.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return c.split(text, seps)
}

func (c Chunker) split(text string, seps []string) []string {
	sep := seps[len(seps)-1]
	var rest []string
	for i, s := range seps {
		if s == "" {
			sep = s
			break
		}
		if strings.Contains(text, s) {
			sep = s
			rest = seps[i+1:]
			break
		}
	}

	var out, good []string
	for _, piece := range strings.Split(text, sep) {
		if piece == "" {
			continue
		}
		if runeLen(piece) < c.Size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, c.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, c.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, c.merge(good, sep)...)
	}
	return out
}

func (c Chunker) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var docs, current []string
	total := 0

	for _, p := range pieces {
		n := runeLen(p)
		joinCost := 0
		if len(current) > 0 {
			joinCost = sepLen
		}
		if total+n+joinCost > c.Size && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
				docs = append(docs, doc)
			}
			// Drop from the front until only the overlap remains and p fits.
			for total > c.Overlap || (total > 0 && total+n+sepLen > c.Size) {
				drop := runeLen(current[0])
				if len(current) > 1 {
					drop += sepLen
				}
				total -= drop
				current = current[1:]
				if len(current) == 0 {
					total = 0
					break
				}
			}
		}
		if len(current) > 0 {
			total += sepLen
		}
		current = append(current, p)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
