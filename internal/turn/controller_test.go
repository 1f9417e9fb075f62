package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaberDevWorks/voice-rag/internal/transcript"
)

type fakeMic struct {
	mu      sync.Mutex
	chunks  chan []byte
	opened  bool
	stops   int
	openErr error
}

func newFakeMic() *fakeMic {
	return &fakeMic{chunks: make(chan []byte, 16)}
}

func (m *fakeMic) Open() error {
	if m.openErr != nil {
		return m.openErr
	}
	m.mu.Lock()
	m.opened = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) Start(time.Duration) (<-chan []byte, error) {
	return m.chunks, nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type fakeTranscriber struct {
	mu         sync.Mutex
	events     chan transcript.Event
	errs       chan error
	sent       [][]byte
	closes     int
	connectErr error
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{
		events: make(chan transcript.Event, 16),
		errs:   make(chan error, 4),
	}
}

func (t *fakeTranscriber) Connect(context.Context) error { return t.connectErr }

func (t *fakeTranscriber) SendAudio(b []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, b)
	t.mu.Unlock()
	return nil
}

func (t *fakeTranscriber) Events() <-chan transcript.Event { return t.events }
func (t *fakeTranscriber) Errors() <-chan error            { return t.errs }

func (t *fakeTranscriber) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	return nil
}

func (t *fakeTranscriber) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

type fakeAnswerer struct {
	mu        sync.Mutex
	questions []string
	answer    string
	err       error
	delay     time.Duration
	release   chan struct{}
}

func (a *fakeAnswerer) Answer(ctx context.Context, question string, topK int) (string, error) {
	a.mu.Lock()
	a.questions = append(a.questions, question)
	a.mu.Unlock()
	if a.release != nil {
		<-a.release
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.err != nil {
		return "", a.err
	}
	return a.answer, nil
}

func (a *fakeAnswerer) asked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.questions))
	copy(out, a.questions)
	return out
}

type fakeSynth struct {
	audio []byte
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

// fakePlayer invokes onStart then onDone synchronously.
type fakePlayer struct {
	mu      sync.Mutex
	played  int
	doneErr error
}

func (p *fakePlayer) Play(audio []byte, onStart func(), onDone func(err error)) {
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	if p.doneErr != nil {
		onDone(p.doneErr)
		return
	}
	onStart()
	onDone(nil)
}

type recorder struct {
	mu        sync.Mutex
	committed []string
	turns     []ChatTurn
	errs      []error
	states    []State
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnCommitted: func(s string) {
			r.mu.Lock()
			r.committed = append(r.committed, s)
			r.mu.Unlock()
		},
		OnTurn: func(t ChatTurn) {
			r.mu.Lock()
			r.turns = append(r.turns, t)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnStateChange: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type harness struct {
	c    *Controller
	mic  *fakeMic
	stt  *fakeTranscriber
	llm  *fakeAnswerer
	tts  *fakeSynth
	play *fakePlayer
	rec  *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		mic:  newFakeMic(),
		stt:  newFakeTranscriber(),
		llm:  &fakeAnswerer{answer: "the refund window is thirty days"},
		tts:  &fakeSynth{audio: []byte("wav")},
		play: &fakePlayer{},
		rec:  &recorder{},
	}
	deps := Deps{
		Credential:  "dg-key",
		Microphone:  h.mic,
		Transcriber: h.stt,
		Answerer:    h.llm,
		Synthesizer: h.tts,
		Player:      h.play,
	}
	h.c = New(cfg, deps, h.rec.hooks(), zap.NewNop())
	return h
}

func shortConfig() Config {
	return Config{
		ChunkInterval:    10 * time.Millisecond,
		SilenceThreshold: 40 * time.Millisecond,
		QueryTimeout:     time.Second,
		SynthesisTimeout: time.Second,
		TopK:             5,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartRequiresCredential(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.c.deps.Credential = ""
	err := h.c.Start(context.Background())
	require.ErrorIs(t, err, ErrCredentialMissing)
	require.Equal(t, StateIdle, h.c.State())
}

func TestStartMicFailureReleasesNothingElse(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.mic.openErr = errors.New("device busy")
	err := h.c.Start(context.Background())
	require.ErrorIs(t, err, ErrMicrophoneUnavailable)
	require.Equal(t, StateIdle, h.c.State())
	require.Equal(t, 0, h.stt.closeCount())
}

func TestStartConnectFailureReleasesMic(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.stt.connectErr = errors.New("dial refused")
	err := h.c.Start(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, StateIdle, h.c.State())
	require.Equal(t, 1, h.mic.stopCount())
}

func TestBufferJoinOrderAndSilenceDispatch(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "what", IsFinal: true}
	h.stt.events <- transcript.Event{Text: "is the refund policy", IsFinal: true}

	waitFor(t, func() bool { return h.rec.turnCount() == 1 })
	require.Equal(t, []string{"what is the refund policy"}, h.llm.asked())

	turns := h.c.History()
	require.Len(t, turns, 1)
	require.Equal(t, "what is the refund policy", turns[0].Question)
	require.Equal(t, "the refund window is thirty days", turns[0].Answer)
	require.Equal(t, StateListening, h.c.State())
	require.NoError(t, h.c.Stop())
}

func TestPartialDoesNotCommit(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "what is", IsFinal: false}
	time.Sleep(3 * h.c.cfg.SilenceThreshold)
	require.Equal(t, 0, h.rec.turnCount())
	require.Empty(t, h.llm.asked())
	require.NoError(t, h.c.Stop())
}

func TestSilenceTimerResetsOnEachFinal(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))

	// keep committing before the threshold elapses; no dispatch may fire
	for i := 0; i < 4; i++ {
		h.stt.events <- transcript.Event{Text: "word", IsFinal: true}
		time.Sleep(h.c.cfg.SilenceThreshold / 2)
	}
	require.Empty(t, h.llm.asked())

	waitFor(t, func() bool { return h.rec.turnCount() == 1 })
	require.Equal(t, []string{"word word word word"}, h.llm.asked())
	require.NoError(t, h.c.Stop())
}

// A timer that expired in the instant a new fragment was being committed
// must not dispatch early; only the freshly armed countdown may fire.
func TestExpiredTimerCallbackDiscardedAfterRearm(t *testing.T) {
	cfg := shortConfig()
	cfg.SilenceThreshold = 300 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "what", IsFinal: true}
	waitFor(t, func() bool { return h.c.CommittedText() == "what" })
	h.c.mu.Lock()
	gen, staleSeq := h.c.generation, h.c.timerSeq
	h.c.mu.Unlock()

	h.stt.events <- transcript.Event{Text: "is the refund policy", IsFinal: true}
	waitFor(t, func() bool { return h.c.CommittedText() == "what is the refund policy" })

	// the expired first timer's callback arrives now, carrying the old seq
	h.c.dispatchSeq(gen, staleSeq)
	require.Empty(t, h.llm.asked())
	require.Equal(t, StateListening, h.c.State())

	waitFor(t, func() bool { return h.rec.turnCount() == 1 })
	require.Equal(t, []string{"what is the refund policy"}, h.llm.asked())
	require.NoError(t, h.c.Stop())
}

func TestInputDroppedWhileProcessing(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.llm.release = make(chan struct{})
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "first question", IsFinal: true}
	waitFor(t, func() bool { return h.c.State() == StateProcessing })

	// arrives mid-flight and must be dropped, not queued
	h.stt.events <- transcript.Event{Text: "stray chatter", IsFinal: true}
	time.Sleep(20 * time.Millisecond)
	close(h.llm.release)

	waitFor(t, func() bool { return h.c.State() == StateListening })
	require.Equal(t, []string{"first question"}, h.llm.asked())
	require.Empty(t, h.c.CommittedText())
	require.NoError(t, h.c.Stop())
}

func TestManualDispatchSingleFlight(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.llm.release = make(chan struct{})
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "hello there", IsFinal: true}
	waitFor(t, func() bool { return h.c.CommittedText() == "hello there" })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.c.Dispatch()
		}()
	}
	wg.Wait()
	close(h.llm.release)

	waitFor(t, func() bool { return h.rec.turnCount() == 1 })
	require.Equal(t, []string{"hello there"}, h.llm.asked())
	require.NoError(t, h.c.Stop())
}

func TestDispatchWithEmptyBufferIsNoOp(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))
	h.c.Dispatch()
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.llm.asked())
	require.Equal(t, StateListening, h.c.State())
	require.NoError(t, h.c.Stop())
}

func TestRevealHappensOnPlaybackStart(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "question", IsFinal: true}
	waitFor(t, func() bool { return h.rec.turnCount() == 1 })
	require.Equal(t, 1, h.play.played)
	require.Equal(t, 0, h.rec.errCount())
	require.NoError(t, h.c.Stop())
}

func TestSynthesisFailureRevealsAndResumes(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.tts.err = errors.New("speak upstream 502")
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "question", IsFinal: true}
	waitFor(t, func() bool { return h.rec.turnCount() == 1 && h.rec.errCount() == 1 })

	require.ErrorIs(t, h.rec.errs[0], ErrSynthesisFailure)
	require.Equal(t, 0, h.play.played)
	require.Len(t, h.c.History(), 1)
	require.Equal(t, StateListening, h.c.State())
	require.NoError(t, h.c.Stop())
}

func TestPlaybackFailureRevealsExactlyOnce(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.play.doneErr = errors.New("decode failed")
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "question", IsFinal: true}
	waitFor(t, func() bool { return h.rec.errCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, h.rec.turnCount())
	require.ErrorIs(t, h.rec.errs[0], ErrSynthesisFailure)
	require.Equal(t, StateListening, h.c.State())
	require.NoError(t, h.c.Stop())
}

func TestQueryFailureSurfacesAndResumes(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.llm.err = errors.New("backend 500")
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "question", IsFinal: true}
	waitFor(t, func() bool { return h.rec.errCount() == 1 })

	require.ErrorIs(t, h.rec.errs[0], ErrQueryFailure)
	require.Equal(t, 0, h.rec.turnCount())
	require.Empty(t, h.c.History())
	require.Equal(t, StateListening, h.c.State())
	require.NoError(t, h.c.Stop())
}

func TestStopIsIdempotentAndReleasesResources(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))
	h.stt.events <- transcript.Event{Text: "pending", IsFinal: true}

	require.NoError(t, h.c.Stop())
	require.NoError(t, h.c.Stop())

	require.Equal(t, StateIdle, h.c.State())
	require.GreaterOrEqual(t, h.mic.stopCount(), 2)
	require.GreaterOrEqual(t, h.stt.closeCount(), 2)

	// the pending silence timer must not fire a dispatch after Stop
	time.Sleep(3 * h.c.cfg.SilenceThreshold)
	require.Empty(t, h.llm.asked())
}

func TestStopFromIdleIsSafe(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Stop())
	require.Equal(t, StateIdle, h.c.State())
}

func TestStopMidProcessingDiscardsStaleResult(t *testing.T) {
	h := newHarness(t, shortConfig())
	h.llm.release = make(chan struct{})
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "slow question", IsFinal: true}
	waitFor(t, func() bool { return h.c.State() == StateProcessing })

	require.NoError(t, h.c.Stop())
	close(h.llm.release)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, h.rec.turnCount())
	require.Empty(t, h.c.History())
	require.Equal(t, StateIdle, h.c.State())
	require.Equal(t, 0, h.play.played)
}

func TestTransportErrorStopsSession(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.errs <- errors.New("websocket: close 1011")
	waitFor(t, func() bool { return h.c.State() == StateIdle })

	require.Equal(t, 1, h.rec.errCount())
	require.ErrorIs(t, h.rec.errs[0], ErrTransport)
	require.False(t, h.c.Recording())
}

func TestAudioChunksForwardedToTranscriber(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))

	h.mic.chunks <- []byte{1, 2}
	h.mic.chunks <- []byte{3, 4}
	waitFor(t, func() bool {
		h.stt.mu.Lock()
		defer h.stt.mu.Unlock()
		return len(h.stt.sent) == 2
	})
	require.NoError(t, h.c.Stop())
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.Start(context.Background()))
	require.Equal(t, StateListening, h.c.State())
	require.NoError(t, h.c.Stop())
}

func TestResetHistory(t *testing.T) {
	h := newHarness(t, shortConfig())
	require.NoError(t, h.c.Start(context.Background()))

	h.stt.events <- transcript.Event{Text: "question", IsFinal: true}
	waitFor(t, func() bool { return h.rec.turnCount() == 1 })

	h.c.ResetHistory()
	require.Empty(t, h.c.History())
	require.NoError(t, h.c.Stop())
}
