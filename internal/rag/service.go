// Package rag holds the single-document retrieval pipeline: chunking,
// embedding, exact vector search and grounded answer generation.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaberDevWorks/voice-rag/internal/document"
	"github.com/BaberDevWorks/voice-rag/internal/index"
)

// ErrNoDocument is returned by Query before any successful upload.
var ErrNoDocument = errors.New("rag: no document loaded")

const embedBatchSize = 100

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Chunker splits uploaded text into retrievable chunks.
type Chunker interface {
	Split(text, title string) []document.Chunk
}

// UploadSummary describes a processed document.
type UploadSummary struct {
	DocumentID string
	Title      string
	ChunkCount int
}

// Status reports whether a document is loaded.
type Status struct {
	DocumentLoaded bool
	ChunkCount     int
	Title          string
}

// Answer bundles the generated answer with its supporting chunks.
type Answer struct {
	Text      string
	Retrieved []document.Chunk
}

// Service owns the in-memory document state. One document at a time; a new
// upload replaces the previous one.
type Service struct {
	embedder  Embedder
	generator Generator
	chunker   Chunker
	logger    *zap.Logger

	mu     sync.RWMutex
	docID  string
	title  string
	chunks []document.Chunk
	idx    *index.Flat
}

// NewService wires the retrieval pipeline.
func NewService(embedder Embedder, generator Generator, chunker Chunker, logger *zap.Logger) *Service {
	return &Service{embedder: embedder, generator: generator, chunker: chunker, logger: logger}
}

// Upload chunks, embeds and indexes the document text, replacing any
// previously loaded document only after the new index is fully built.
func (s *Service) Upload(ctx context.Context, filename string, content []byte) (UploadSummary, error) {
	if !document.ValidUTF8(content) {
		return UploadSummary{}, fmt.Errorf("rag: document is not valid UTF-8 text")
	}
	title := document.TitleFromFilename(filename)
	chunks := s.chunker.Split(string(content), title)
	if len(chunks) == 0 {
		return UploadSummary{}, fmt.Errorf("rag: document produced no chunks")
	}
	s.logger.Info("processing document",
		zap.String("title", title),
		zap.Int("characters", len(content)),
		zap.Int("chunks", len(chunks)),
	)

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		batch, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return UploadSummary{}, fmt.Errorf("rag: embed chunks: %w", err)
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(chunks) {
		return UploadSummary{}, fmt.Errorf("rag: embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	idx, err := index.NewFlat(len(vectors[0]))
	if err != nil {
		return UploadSummary{}, err
	}
	if err := idx.Add(vectors); err != nil {
		return UploadSummary{}, err
	}

	docID := uuid.NewString()
	s.mu.Lock()
	s.docID = docID
	s.title = title
	s.chunks = chunks
	s.idx = idx
	s.mu.Unlock()

	s.logger.Info("document indexed", zap.String("document_id", docID), zap.Int("vectors", idx.Len()))
	return UploadSummary{DocumentID: docID, Title: title, ChunkCount: len(chunks)}, nil
}

// Query embeds the question, retrieves the top-k closest chunks and asks the
// generator for a grounded answer.
func (s *Service) Query(ctx context.Context, query string, topK int) (Answer, error) {
	s.mu.RLock()
	idx := s.idx
	chunks := s.chunks
	s.mu.RUnlock()
	if idx == nil || len(chunks) == 0 {
		return Answer{}, ErrNoDocument
	}
	if topK <= 0 {
		topK = 5
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return Answer{}, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return Answer{}, fmt.Errorf("rag: expected one query embedding, got %d", len(vecs))
	}
	hits, err := idx.Search(vecs[0], topK)
	if err != nil {
		return Answer{}, fmt.Errorf("rag: search: %w", err)
	}
	if len(hits) == 0 {
		return Answer{Text: "I cannot find relevant information in the document."}, nil
	}

	retrieved := make([]document.Chunk, 0, len(hits))
	for _, h := range hits {
		retrieved = append(retrieved, chunks[h.ID])
	}
	s.logger.Info("retrieved chunks", zap.String("query", query), zap.Int("count", len(retrieved)))

	answer, err := s.generator.Generate(ctx, buildAnswerPrompt(query, retrieved))
	if err != nil {
		return Answer{}, fmt.Errorf("rag: generate answer: %w", err)
	}
	return Answer{Text: answer, Retrieved: retrieved}, nil
}

// Health reports the current document state.
func (s *Service) Health() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{DocumentLoaded: s.idx != nil, ChunkCount: len(s.chunks), Title: s.title}
}

// Reset drops the loaded document.
func (s *Service) Reset() {
	s.mu.Lock()
	s.docID = ""
	s.title = ""
	s.chunks = nil
	s.idx = nil
	s.mu.Unlock()
	s.logger.Info("document reset")
}

// buildAnswerPrompt formats the retrieved chunks and instructs the model to
// answer only from them, phrased for voice output.
func buildAnswerPrompt(query string, retrieved []document.Chunk) string {
	var ctxB strings.Builder
	for i, c := range retrieved {
		if i > 0 {
			ctxB.WriteString("\n\n")
		}
		fmt.Fprintf(&ctxB, "[%s - Chunk %d]\n%s", c.DocTitle, c.ChunkID, c.Text)
	}
	return fmt.Sprintf(`You are a helpful assistant that answers questions based ONLY on the provided context.

Context:
%s

Question: %s

Instructions:
- Answer the question using ONLY information from the context above.
- If the answer cannot be found in the context, say "I cannot find this information in the provided document."
- Be concise, clear, and accurate.
- Keep your answer conversational and natural for voice output.
- Keep responses under 100 words.

Answer:`, ctxB.String(), query)
}
