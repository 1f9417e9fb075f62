package turn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Controller drives one voice conversation session. All mutable state is
// guarded by mu; hooks are always invoked with the lock released.
type Controller struct {
	cfg    Config
	deps   Deps
	hooks  Hooks
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	recording  bool
	processing bool
	speaking   bool
	buffer     []string
	partial    string
	// silenceTimer is the single scheduled dispatch deadline; nil when
	// disarmed. timerSeq invalidates a callback from a timer that expired
	// in the instant it was being re-armed.
	silenceTimer *time.Timer
	timerSeq     int
	// generation increments on every Stop; callbacks carry the generation
	// they were created under and discard themselves when it has moved on.
	generation int
	history    []ChatTurn
}

// New constructs a controller. Hooks fields may be nil.
func New(cfg Config, deps Deps, hooks Hooks, logger *zap.Logger) *Controller {
	return &Controller{cfg: cfg.withDefaults(), deps: deps, hooks: hooks, logger: logger}
}

// State returns the controller's current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recording reports whether a session is active.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// CommittedText returns the space-joined committed buffer.
func (c *Controller) CommittedText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.buffer, " ")
}

// History returns a copy of the revealed exchanges.
func (c *Controller) History() []ChatTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatTurn, len(c.history))
	copy(out, c.history)
	return out
}

// ResetHistory clears the conversation history. Called when the document is
// reset.
func (c *Controller) ResetHistory() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// Start validates the credential, acquires the microphone, opens the
// streaming connection and begins capture only once the connection is
// confirmed open. Partially acquired resources are released on every
// failure path. Calling Start on a running session is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	if c.deps.Credential == "" {
		return ErrCredentialMissing
	}

	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return nil
	}
	gen := c.generation
	c.buffer = nil
	c.partial = ""
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	if err := c.deps.Microphone.Open(); err != nil {
		c.toIdle()
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	if err := c.deps.Transcriber.Connect(ctx); err != nil {
		_ = c.deps.Microphone.Stop()
		c.toIdle()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	// The recorder is armed only after the connection is open, so no audio
	// is ever written into a half-open socket.
	chunks, err := c.deps.Microphone.Start(c.cfg.ChunkInterval)
	if err != nil {
		_ = c.deps.Transcriber.Close()
		_ = c.deps.Microphone.Stop()
		c.toIdle()
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	c.mu.Lock()
	c.recording = true
	c.state = StateListening
	c.mu.Unlock()
	c.notifyState(StateListening)

	go c.pumpAudio(gen, chunks)
	go c.consumeEvents(gen)
	c.logger.Info("voice session started")
	return nil
}

// Stop tears the session down: it cancels the silence timer, stops the
// recorder, releases the microphone and closes the streaming connection.
// Idempotent and safe from any state; in-flight work is not canceled but
// its results are discarded by the generation guard.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.generation++
	c.recording = false
	c.processing = false
	c.speaking = false
	c.partial = ""
	c.cancelSilenceTimerLocked()
	changed := c.state != StateIdle
	c.state = StateIdle
	c.mu.Unlock()

	_ = c.deps.Microphone.Stop()
	_ = c.deps.Transcriber.Close()
	if changed {
		c.notifyState(StateIdle)
		c.logger.Info("voice session stopped")
	}
	return nil
}

// Dispatch sends the buffered question now, without waiting for the silence
// timer. A dispatch already in flight makes this a no-op.
func (c *Controller) Dispatch() {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.dispatch(gen)
}

// pumpAudio forwards capture chunks into the transcriber until the session
// generation moves on or the capture channel closes.
func (c *Controller) pumpAudio(gen int, chunks <-chan []byte) {
	for chunk := range chunks {
		if c.stale(gen) {
			return
		}
		if err := c.deps.Transcriber.SendAudio(chunk); err != nil {
			c.logger.Warn("audio forward failed", zap.Error(err))
			return
		}
	}
}

// consumeEvents applies transcript and transport events in arrival order.
func (c *Controller) consumeEvents(gen int) {
	events := c.deps.Transcriber.Events()
	errs := c.deps.Transcriber.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok || c.stale(gen) {
				return
			}
			if ev.IsFinal {
				c.onFinalTranscript(gen, ev.Text)
			} else {
				c.onPartialTranscript(ev.Text)
			}
		case err, ok := <-errs:
			if !ok || c.stale(gen) {
				return
			}
			c.surfaceError(fmt.Errorf("%w: %v", ErrTransport, err))
			_ = c.Stop()
			return
		}
	}
}

// onFinalTranscript commits a finalized fragment and re-arms the silence
// timer. Fragments arriving while processing or speaking are dropped, never
// queued.
func (c *Controller) onFinalTranscript(gen int, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	if !c.recording || c.processing || c.speaking {
		c.mu.Unlock()
		return
	}
	c.buffer = append(c.buffer, text)
	joined := strings.Join(c.buffer, " ")
	// Arm a fresh timer every time: if the previous one already expired
	// and its callback is racing for the lock, the stale seq discards it
	// instead of letting it sweep this fragment into an early dispatch.
	c.timerSeq++
	seq := c.timerSeq
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
	}
	c.silenceTimer = time.AfterFunc(c.cfg.SilenceThreshold, func() { c.dispatchSeq(gen, seq) })
	c.mu.Unlock()
	if c.hooks.OnCommitted != nil {
		c.hooks.OnCommitted(joined)
	}
}

// onPartialTranscript updates the live display only; the committed buffer
// is untouched and the latest partial wins.
func (c *Controller) onPartialTranscript(text string) {
	c.mu.Lock()
	if !c.recording || c.processing || c.speaking {
		c.mu.Unlock()
		return
	}
	c.partial = text
	c.mu.Unlock()
	if c.hooks.OnPartial != nil {
		c.hooks.OnPartial(text)
	}
}

// dispatch begins a query turn when the buffer is non-empty and no turn is
// in flight. The buffer is snapshotted and cleared here, at dispatch entry.
func (c *Controller) dispatch(gen int) {
	c.dispatchSeq(gen, -1)
}

// dispatchSeq is dispatch gated on a timer sequence; seq -1 skips the check
// (manual dispatch).
func (c *Controller) dispatchSeq(gen, seq int) {
	c.mu.Lock()
	if seq >= 0 && seq != c.timerSeq {
		c.mu.Unlock()
		return
	}
	if gen != c.generation || !c.recording || c.processing || c.speaking || len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	question := strings.Join(c.buffer, " ")
	c.buffer = nil
	c.partial = ""
	c.cancelSilenceTimerLocked()
	c.processing = true
	c.state = StateProcessing
	c.mu.Unlock()
	c.notifyState(StateProcessing)

	go c.runQuery(gen, question)
}

// runQuery resolves the question and hands the answer to the synthesis
// path. Query failure is non-fatal: the error is surfaced and listening
// resumes.
func (c *Controller) runQuery(gen int, question string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
	answer, err := c.deps.Answerer.Answer(ctx, question, c.cfg.TopK)
	cancel()

	c.mu.Lock()
	if gen != c.generation {
		// session stopped while the query was in flight
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.processing = false
		next := c.resumeListeningLocked()
		c.mu.Unlock()
		c.notifyState(next)
		c.surfaceError(fmt.Errorf("%w: %v", ErrQueryFailure, err))
		return
	}
	c.processing = false
	c.speaking = true
	c.state = StateSpeaking
	c.mu.Unlock()
	c.notifyState(StateSpeaking)

	c.speak(gen, answer, question)
}

// speak synthesizes the answer and defers the text reveal until playback
// actually starts. On synthesis or playback failure the text is revealed
// immediately instead; exactly one reveal happens per turn.
func (c *Controller) speak(gen int, answer, question string) {
	var once sync.Once
	reveal := func() {
		once.Do(func() {
			c.mu.Lock()
			if gen != c.generation {
				c.mu.Unlock()
				return
			}
			t := ChatTurn{Question: question, Answer: answer, Timestamp: time.Now()}
			c.history = append(c.history, t)
			c.mu.Unlock()
			if c.hooks.OnTurn != nil {
				c.hooks.OnTurn(t)
			}
		})
	}
	finish := func() {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.speaking = false
		next := c.resumeListeningLocked()
		c.mu.Unlock()
		c.notifyState(next)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SynthesisTimeout)
	audio, err := c.deps.Synthesizer.Synthesize(ctx, answer)
	cancel()
	if err != nil {
		reveal()
		finish()
		c.surfaceError(fmt.Errorf("%w: %v", ErrSynthesisFailure, err))
		return
	}

	c.deps.Player.Play(audio,
		reveal,
		func(playErr error) {
			if playErr != nil {
				reveal()
				c.surfaceError(fmt.Errorf("%w: %v", ErrSynthesisFailure, playErr))
			}
			finish()
		},
	)
}

// resumeListeningLocked returns to Listening when still recording, else
// Idle. Caller holds mu and must notify the returned state after unlock.
func (c *Controller) resumeListeningLocked() State {
	if c.recording {
		c.state = StateListening
	} else {
		c.state = StateIdle
	}
	return c.state
}

func (c *Controller) cancelSilenceTimerLocked() {
	c.timerSeq++
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

func (c *Controller) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.generation
}

func (c *Controller) toIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.notifyState(StateIdle)
}

func (c *Controller) notifyState(s State) {
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

func (c *Controller) surfaceError(err error) {
	c.logger.Warn("session error", zap.Error(err))
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}
