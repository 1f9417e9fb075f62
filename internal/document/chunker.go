// Package document turns uploaded text into token-bounded chunks suitable
// for embedding and retrieval.
package document

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Chunk is one retrievable piece of an uploaded document.
type Chunk struct {
	Text       string `json:"text"`
	DocTitle   string `json:"doc_title"`
	ChunkID    int    `json:"chunk_id"`
	TokenCount int    `json:"token_count"`
}

// encoding is the tokenizer surface used by Chunker. *tiktoken.Tiktoken
// satisfies it.
type encoding interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// Chunker splits text on token boundaries with a sliding overlap.
// Windows shorter than MinTokens are skipped unless they hold the document
// tail, so retrieval never sees fragments too small to answer from.
type Chunker struct {
	minTokens int
	maxTokens int
	overlap   int
	encoding  encoding
}

// NewChunker builds a Chunker over the cl100k_base encoding used by the
// embedding model. min/max/overlap are token counts.
func NewChunker(minTokens, maxTokens, overlap int) (*Chunker, error) {
	if minTokens <= 0 || maxTokens < minTokens {
		return nil, fmt.Errorf("document: invalid chunk bounds min=%d max=%d", minTokens, maxTokens)
	}
	if overlap < 0 || overlap >= maxTokens {
		return nil, fmt.Errorf("document: invalid overlap %d for max %d", overlap, maxTokens)
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("document: load encoding: %w", err)
	}
	return newChunkerWithEncoding(minTokens, maxTokens, overlap, enc), nil
}

func newChunkerWithEncoding(minTokens, maxTokens, overlap int, enc encoding) *Chunker {
	return &Chunker{minTokens: minTokens, maxTokens: maxTokens, overlap: overlap, encoding: enc}
}

// Split chunks text for the given document title. Empty input yields no
// chunks. Chunk ids are assigned in order starting at zero.
func (c *Chunker) Split(text, title string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := c.encoding.Encode(text, nil, nil)
	var chunks []Chunk
	id := 0
	stride := c.maxTokens - c.overlap
	for i := 0; i < len(tokens); i += stride {
		end := i + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		window := tokens[i:end]
		if len(window) < c.minTokens && end < len(tokens) {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:       c.encoding.Decode(window),
			DocTitle:   title,
			ChunkID:    id,
			TokenCount: len(window),
		})
		id++
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// TitleFromFilename derives the document title shown to the user.
func TitleFromFilename(filename string) string {
	return strings.TrimSuffix(filename, ".txt")
}

// ValidUTF8 reports whether the uploaded bytes decode as UTF-8 text.
func ValidUTF8(b []byte) bool { return utf8.Valid(b) }
