// Package turn implements the voice turn controller: it owns the microphone
// stream, the streaming transcription connection, the committed transcript
// buffer, the silence timer and the processing/speaking mutual exclusion,
// and reveals answers in sync with audio playback.
package turn

import (
	"context"
	"errors"
	"time"

	"github.com/BaberDevWorks/voice-rag/internal/transcript"
)

// Session error taxonomy. Start failures are fatal to Start only; query and
// synthesis failures are non-fatal and listening resumes.
var (
	ErrCredentialMissing     = errors.New("streaming credential missing")
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrTransport             = errors.New("transcription transport failed")
	ErrQueryFailure          = errors.New("query failed")
	ErrSynthesisFailure      = errors.New("speech synthesis failed")
)

// State is the controller's current phase. At most one of Listening,
// Processing, Speaking is active while a session is recording.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// ChatTurn is one question/answer exchange, appended to history when answer
// playback starts (or immediately when playback cannot start).
type ChatTurn struct {
	Question  string
	Answer    string
	Timestamp time.Time
}

// Config carries the controller's timing and retrieval knobs.
type Config struct {
	// ChunkInterval is the audio capture chunk cadence.
	ChunkInterval time.Duration
	// SilenceThreshold is the quiet window after the last final fragment
	// that triggers dispatch.
	SilenceThreshold time.Duration
	// QueryTimeout bounds one question-answering request.
	QueryTimeout time.Duration
	// SynthesisTimeout bounds one synthesis request.
	SynthesisTimeout time.Duration
	// TopK is the retrieval hint forwarded with each question.
	TopK int
}

// withDefaults fills zero fields with the production values.
func (c Config) withDefaults() Config {
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 250 * time.Millisecond
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 2000 * time.Millisecond
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 20 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 60 * time.Second
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	return c
}

// Microphone is the capture device. Open acquires it, Start begins emitting
// fixed-interval PCM chunks, Stop releases it. Stop must be idempotent.
type Microphone interface {
	Open() error
	Start(interval time.Duration) (<-chan []byte, error)
	Stop() error
}

// Transcriber is a streaming transcription connection. Connect must return
// only once the connection is confirmed open; Close must be idempotent.
type Transcriber interface {
	Connect(ctx context.Context) error
	SendAudio(chunk []byte) error
	Events() <-chan transcript.Event
	Errors() <-chan error
	Close() error
}

// Answerer resolves a buffered question to an answer.
type Answerer interface {
	Answer(ctx context.Context, question string, topK int) (string, error)
}

// Synthesizer turns answer text into a playable audio payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player plays an audio payload. onStart fires when playback actually
// begins; onDone fires exactly once when playback finishes or fails. A
// failing payload may invoke onDone without onStart. Implementations must
// release any decoding resources on every exit path.
type Player interface {
	Play(audio []byte, onStart func(), onDone func(err error))
}

// Hooks are optional observation points for a UI. They are invoked from
// controller goroutines and must not call back into the controller.
type Hooks struct {
	// OnPartial receives live, uncommitted transcript text.
	OnPartial func(text string)
	// OnCommitted receives the space-joined committed buffer after each
	// final fragment.
	OnCommitted func(text string)
	// OnTurn receives each revealed question/answer exchange.
	OnTurn func(t ChatTurn)
	// OnError receives the user-visible error for every handled failure.
	OnError func(err error)
	// OnStateChange receives every state transition.
	OnStateChange func(s State)
}

// Deps bundles the controller's collaborators.
type Deps struct {
	// Credential is the streaming-service credential; Start fails with
	// ErrCredentialMissing when it is empty.
	Credential  string
	Microphone  Microphone
	Transcriber Transcriber
	Answerer    Answerer
	Synthesizer Synthesizer
	Player      Player
}
