// Package transcript streams microphone audio to Deepgram's live listen API
// and emits interim and final transcript events.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// keepAliveInterval keeps the listen socket open across user pauses.
const keepAliveInterval = 5 * time.Second

// Event is one transcription result. Interim events overwrite each other;
// final events are committed text.
type Event struct {
	Text    string
	IsFinal bool
}

// LiveClient is a streaming transcription connection to Deepgram.
type LiveClient struct {
	apiKey     string
	model      string
	sampleRate int
	logger     *zap.Logger

	conn      *websocket.Conn
	events    chan Event
	errs      chan error
	audioData chan []byte
	stopCh    chan struct{}
	mu        sync.RWMutex
	connected bool
	closeOnce sync.Once
}

// Deepgram live message envelopes.
type resultsMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type metadataMessage struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id"`
	Duration  float64 `json:"duration"`
}

type errorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// NewLiveClient creates a streaming transcription client. The connection is
// established by Connect.
func NewLiveClient(apiKey, model string, logger *zap.Logger) *LiveClient {
	if model == "" {
		model = "nova-2"
	}
	return &LiveClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 16000,
		logger:     logger,
		events:     make(chan Event, 100),
		errs:       make(chan error, 10),
		audioData:  make(chan []byte, 1000),
		stopCh:     make(chan struct{}),
	}
}

// Events returns the transcript event stream. The channel is closed when
// the read loop exits after Close or a transport failure.
func (s *LiveClient) Events() <-chan Event { return s.events }

// Errors returns transport-level failures, including unexpected closes.
func (s *LiveClient) Errors() <-chan error { return s.errs }

// Connect establishes the websocket connection to Deepgram. It returns only
// after the handshake succeeds, so callers may start sending audio as soon
// as Connect returns.
func (s *LiveClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("transcript: Deepgram API key is empty")
	}

	params := url.Values{}
	params.Set("model", s.model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(s.sampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("punctuate", "true")

	wsURL := fmt.Sprintf("wss://api.deepgram.com/v1/listen?%s", params.Encode())

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			s.logger.Error("deepgram connection failed", zap.Int("status", resp.StatusCode))
		}
		return fmt.Errorf("transcript: connect to Deepgram: %w", err)
	}

	s.conn = conn
	s.connected = true

	go s.handleMessages()
	go s.sendAudioData()

	s.logger.Info("connected to Deepgram live transcription", zap.String("model", s.model))
	return nil
}

// SendAudio queues a PCM 16kHz little-endian mono chunk for delivery.
func (s *LiveClient) SendAudio(chunk []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("transcript: not connected")
	}
	select {
	case s.audioData <- chunk:
		return nil
	default:
		s.logger.Warn("audio buffer full, dropping chunk")
		return nil
	}
}

// Close terminates the stream and releases the connection. Idempotent.
func (s *LiveClient) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.stopCh)
		if s.conn != nil {
			_ = s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
			_ = s.conn.Close()
		}
		s.connected = false
		s.conn = nil
		s.mu.Unlock()
		close(s.audioData)
		s.logger.Info("deepgram connection closed")
	})
	return nil
}

// handleMessages processes incoming websocket messages until close. It owns
// the events channel: no other goroutine sends on it, so it closes the
// channel when the read loop ends.
func (s *LiveClient) handleMessages() {
	defer close(s.events)
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			msgType, message, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-s.stopCh:
					// expected during Close
				default:
					s.deliverError(fmt.Errorf("transcript: read: %w", err))
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			s.processMessage(message)
		}
	}
}

// processMessage dispatches one Deepgram JSON message.
func (s *LiveClient) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.logger.Warn("unparseable message from Deepgram", zap.Error(err))
		return
	}
	switch base.Type {
	case "Results":
		var msg resultsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn("bad Results message", zap.Error(err))
			return
		}
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			return
		}
		select {
		case s.events <- Event{Text: text, IsFinal: msg.IsFinal}:
		default:
			s.logger.Warn("event buffer full, dropping transcript", zap.Bool("is_final", msg.IsFinal))
		}
	case "Metadata":
		var msg metadataMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.logger.Info("deepgram stream metadata",
			zap.String("request_id", msg.RequestID),
			zap.Float64("duration_s", msg.Duration),
		)
	case "UtteranceEnd", "SpeechStarted":
		// endpointing is handled by the turn controller's silence timer
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.deliverError(fmt.Errorf("transcript: deepgram error: %s", msg.Description))
	default:
		s.logger.Debug("unknown message type from Deepgram", zap.String("type", base.Type))
	}
}

func (s *LiveClient) deliverError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// sendAudioData forwards queued audio chunks and periodic keep-alives.
func (s *LiveClient) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in sendAudioData", zap.Any("panic", r))
		}
	}()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-keepAlive.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
					s.logger.Warn("keep-alive write failed", zap.Error(err))
				}
			}
		case chunk, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					select {
					case <-s.stopCh:
					default:
						s.deliverError(fmt.Errorf("transcript: send audio: %w", err))
					}
					return
				}
			}
		}
	}
}
