package api

import "github.com/BaberDevWorks/voice-rag/internal/document"

// QueryRequest asks a question against the loaded document.
type QueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// QueryResponse returns the answer with its supporting chunks.
type QueryResponse struct {
	Answer          string           `json:"answer"`
	RetrievedChunks []document.Chunk `json:"retrieved_chunks"`
}

// TTSRequest asks for synthesized speech.
type TTSRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// HealthResponse reports service and document state.
type HealthResponse struct {
	Status         string `json:"status"`
	DocumentLoaded bool   `json:"document_loaded"`
	ChunksCount    int    `json:"chunks_count"`
	DocumentTitle  string `json:"document_title"`
}

// UploadResponse summarizes a processed document.
type UploadResponse struct {
	Status        string `json:"status"`
	DocumentTitle string `json:"document_title"`
	ChunksCount   int    `json:"chunks_count"`
	Message       string `json:"message"`
}

// KeysResponse carries the streaming credential for the voice client.
type KeysResponse struct {
	DeepgramAPIKey string `json:"deepgram_api_key"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
