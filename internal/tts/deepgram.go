package tts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"
)

// DeepgramClient synthesizes speech through Deepgram and returns the full
// audio payload for a request, packaged as a WAV file.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	logger     *zap.Logger
}

// NewDeepgramClient creates a synthesis client. An empty model selects the
// default Aura voice.
func NewDeepgramClient(apiKey, model string, logger *zap.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-asteria-en"
	}
	return &DeepgramClient{apiKey: apiKey, model: model, sampleRate: 48000, encoding: "linear16", logger: logger}
}

// SynthesizeWithModel is Synthesize with a per-request voice model override.
func (d *DeepgramClient) SynthesizeWithModel(ctx context.Context, text, model string) ([]byte, error) {
	if model == "" {
		model = d.model
	}
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil, fmt.Errorf("deepgram: empty text")
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}

	var (
		mu           sync.Mutex
		pcm          bytes.Buffer
		lastRecvUnix int64
		seenAudio    int32
	)

	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
		atomic.StoreInt32(&seenAudio, 1)
		mu.Lock()
		pcm.Write(data)
		mu.Unlock()
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}

	stopped := false
	stopClient := func() {
		if !stopped {
			stopped = true
			dg.Stop()
		}
	}
	defer stopClient()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}

	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.logger.Warn("deepgram flush error", zap.Error(err))
	}

	if err := awaitAudio(ctx, &seenAudio, &lastRecvUnix, collectDeadline(ctx)); err != nil {
		return nil, err
	}
	stopClient()
	mu.Lock()
	defer mu.Unlock()
	d.logger.Info("tts audio generated", zap.Int("pcm_bytes", pcm.Len()))
	return EncodeWAV(pcm.Bytes(), d.sampleRate, 1), nil
}

// collectDeadline is the cutoff for the first audio frame: slightly inside
// the caller's budget so the collection loop, not ctx expiry, decides the
// outcome; 30s when the caller set no budget.
func collectDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d.Add(-250 * time.Millisecond)
	}
	return time.Now().Add(30 * time.Second)
}

// awaitAudio blocks until the audio stream has been quiet for the idle
// window after its first frame, or the deadline passes. A deadline with no
// audio at all reports as a deadline-exceeded error so callers can retry;
// a deadline after partial audio returns what arrived.
func awaitAudio(ctx context.Context, seenAudio *int32, lastRecvUnix *int64, deadline time.Time) error {
	idleWindow := 400 * time.Millisecond
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if atomic.LoadInt32(seenAudio) == 1 {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt32(seenAudio) == 1 {
				last := time.Unix(0, atomic.LoadInt64(lastRecvUnix))
				if time.Since(last) > idleWindow {
					return nil
				}
			}
			if time.Now().After(deadline) {
				if atomic.LoadInt32(seenAudio) == 0 {
					return fmt.Errorf("deepgram: no audio received before deadline: %w", context.DeadlineExceeded)
				}
				return nil
			}
		}
	}
}

// Synthesize returns WAV audio for the text using the configured voice.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return d.SynthesizeWithModel(ctx, text, "")
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
