package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds backend service configuration.
type Config struct {
	HTTPAddress string

	OpenAIAPIKey    string
	OpenAIChatModel string
	OpenAIEmbed     string

	DeepgramAPIKey   string
	DeepgramTTSModel string

	// Upload preconditions.
	MaxUploadBytes   int64
	AllowedExtension string

	// Retrieval defaults.
	DefaultTopK int

	// Outbound call budgets.
	QueryTimeout     time.Duration
	SynthesisTimeout time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load(logger *zap.Logger) Config {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", zap.Error(err))
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8000"
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	if openAIKey == "" {
		logger.Warn("OPENAI_API_KEY not set - document queries will not work")
	}

	chatModel := os.Getenv("OPENAI_CHAT_MODEL")
	if chatModel == "" {
		chatModel = "gpt-3.5-turbo"
	}
	embedModel := os.Getenv("OPENAI_EMBEDDING_MODEL")
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		logger.Warn("DEEPGRAM_API_KEY not set - transcription and synthesis will not work")
	}
	ttsModel := os.Getenv("DEEPGRAM_TTS_MODEL")
	if ttsModel == "" {
		ttsModel = "aura-asteria-en"
	}

	maxUpload := envInt64("MAX_UPLOAD_BYTES", 10<<20)
	topK := int(envInt64("DEFAULT_TOP_K", 5))

	logger.Info("config loaded",
		zap.String("http_address", addr),
		zap.String("chat_model", chatModel),
		zap.String("embedding_model", embedModel),
		zap.String("tts_model", ttsModel),
		zap.Int64("max_upload_bytes", maxUpload),
	)

	return Config{
		HTTPAddress:      addr,
		OpenAIAPIKey:     openAIKey,
		OpenAIChatModel:  chatModel,
		OpenAIEmbed:      embedModel,
		DeepgramAPIKey:   deepgramKey,
		DeepgramTTSModel: ttsModel,
		MaxUploadBytes:   maxUpload,
		AllowedExtension: ".txt",
		DefaultTopK:      topK,
		QueryTimeout:     20 * time.Second,
		SynthesisTimeout: 60 * time.Second,
	}
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
