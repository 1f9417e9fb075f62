package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaberDevWorks/voice-rag/internal/api"
	"github.com/BaberDevWorks/voice-rag/internal/config"
	"github.com/BaberDevWorks/voice-rag/internal/document"
	"github.com/BaberDevWorks/voice-rag/internal/httpserver"
	"github.com/BaberDevWorks/voice-rag/internal/llm"
	"github.com/BaberDevWorks/voice-rag/internal/rag"
	"github.com/BaberDevWorks/voice-rag/internal/tts"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load(logger)

	chunker, err := document.NewChunker(300, 500, 50)
	if err != nil {
		logger.Fatal("chunker init failed", zap.Error(err))
	}

	openAI := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIChatModel, cfg.OpenAIEmbed)
	docs := rag.NewService(openAI, openAI, chunker, logger)
	synth := tts.NewDeepgramClient(cfg.DeepgramAPIKey, cfg.DeepgramTTSModel, logger)

	e := httpserver.New()
	api.NewHandlers(docs, synth, cfg, logger).Register(e)

	go func() {
		if err := e.Start(cfg.HTTPAddress); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("server listening", zap.String("address", cfg.HTTPAddress))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		_ = e.Close()
	}
}
