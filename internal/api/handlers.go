// Package api exposes the backend HTTP routes: document upload, retrieval
// queries, the synthesis proxy and the streaming credential.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/BaberDevWorks/voice-rag/internal/config"
	"github.com/BaberDevWorks/voice-rag/internal/document"
	"github.com/BaberDevWorks/voice-rag/internal/rag"
)

// DocumentService is the retrieval pipeline surface the handlers use.
type DocumentService interface {
	Upload(ctx context.Context, filename string, content []byte) (rag.UploadSummary, error)
	Query(ctx context.Context, query string, topK int) (rag.Answer, error)
	Health() rag.Status
	Reset()
}

// Synthesizer proxies text to speech.
type Synthesizer interface {
	SynthesizeWithModel(ctx context.Context, text, model string) ([]byte, error)
}

const (
	ttsMaxRetries = 2
	ttsRetryPause = time.Second
)

// Handlers wires dependencies into echo routes.
type Handlers struct {
	docs   DocumentService
	synth  Synthesizer
	cfg    config.Config
	logger *zap.Logger
}

// NewHandlers constructs the route handlers.
func NewHandlers(docs DocumentService, synth Synthesizer, cfg config.Config, logger *zap.Logger) Handlers {
	return Handlers{docs: docs, synth: synth, cfg: cfg, logger: logger}
}

// Register attaches all routes.
func (h Handlers) Register(e *echo.Echo) {
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"message": "Voice RAG API is running"})
	})
	e.GET("/health", h.health)
	e.POST("/upload-document", h.uploadDocument)
	e.POST("/reset-document", h.resetDocument)
	e.POST("/query", h.query)
	e.POST("/tts", h.textToSpeech)
	e.GET("/api-keys", h.apiKeys)
}

func (h Handlers) health(c echo.Context) error {
	st := h.docs.Health()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:         "healthy",
		DocumentLoaded: st.DocumentLoaded,
		ChunksCount:    st.ChunkCount,
		DocumentTitle:  st.Title,
	})
}

func (h Handlers) uploadDocument(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "missing file field"})
	}
	if ext := strings.ToLower(filepath.Ext(fileHeader.Filename)); ext != h.cfg.AllowedExtension {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Detail: fmt.Sprintf("only %s files are supported", h.cfg.AllowedExtension),
		})
	}
	if fileHeader.Size > h.cfg.MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Detail: fmt.Sprintf("file exceeds maximum size of %d bytes", h.cfg.MaxUploadBytes),
		})
	}

	f, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "unable to read uploaded file"})
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, h.cfg.MaxUploadBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "unable to read uploaded file"})
	}
	if int64(len(content)) > h.cfg.MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Detail: fmt.Sprintf("file exceeds maximum size of %d bytes", h.cfg.MaxUploadBytes),
		})
	}

	sum, err := h.docs.Upload(c.Request().Context(), fileHeader.Filename, content)
	if err != nil {
		h.logger.Error("document upload failed", zap.String("filename", fileHeader.Filename), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: err.Error()})
	}
	return c.JSON(http.StatusOK, UploadResponse{
		Status:        "success",
		DocumentTitle: sum.Title,
		ChunksCount:   sum.ChunkCount,
		Message:       fmt.Sprintf("Successfully processed %s", sum.Title),
	})
}

func (h Handlers) resetDocument(c echo.Context) error {
	h.docs.Reset()
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (h Handlers) query(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "invalid request body"})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "query must not be empty"})
	}
	topK := req.TopK
	if topK <= 0 {
		topK = h.cfg.DefaultTopK
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.cfg.QueryTimeout)
	defer cancel()
	ans, err := h.docs.Query(ctx, req.Query, topK)
	if err != nil {
		if errors.Is(err, rag.ErrNoDocument) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "No document loaded. Please upload a document first."})
		}
		h.logger.Error("query failed", zap.String("query", req.Query), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: err.Error()})
	}
	if ans.Retrieved == nil {
		// keep retrieved_chunks a JSON array even when nothing matched
		ans.Retrieved = []document.Chunk{}
	}
	return c.JSON(http.StatusOK, QueryResponse{Answer: ans.Text, RetrievedChunks: ans.Retrieved})
}

func (h Handlers) textToSpeech(c echo.Context) error {
	var req TTSRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "invalid request body"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Detail: "text must not be empty"})
	}

	// Transient synthesis timeouts get a bounded retry before giving up.
	var lastErr error
	for attempt := 0; attempt <= ttsMaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(c.Request().Context(), h.cfg.SynthesisTimeout)
		audio, err := h.synth.SynthesizeWithModel(ctx, req.Text, req.Model)
		cancel()
		if err == nil {
			c.Response().Header().Set("Content-Disposition", "inline; filename=speech.wav")
			return c.Blob(http.StatusOK, "audio/wav", audio)
		}
		lastErr = err
		if !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		h.logger.Warn("tts timeout, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", ttsMaxRetries+1),
		)
		if attempt < ttsMaxRetries {
			time.Sleep(ttsRetryPause)
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, ErrorResponse{Detail: "TTS request timed out after multiple attempts"})
	}
	h.logger.Error("tts failed", zap.Error(lastErr))
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: lastErr.Error()})
}

func (h Handlers) apiKeys(c echo.Context) error {
	if h.cfg.DeepgramAPIKey == "" {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: "Deepgram API key not found"})
	}
	return c.JSON(http.StatusOK, KeysResponse{DeepgramAPIKey: h.cfg.DeepgramAPIKey})
}
