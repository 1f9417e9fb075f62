package audio

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"go.uber.org/zap"
)

// Player plays WAV audio through the default output device. Playback is
// asynchronous: onStart fires once audio is handed to the speaker, onDone
// fires when the clip finishes. On a decode or device failure onDone
// receives the error and onStart never fires.
type Player struct {
	logger *zap.Logger
}

func NewPlayer(logger *zap.Logger) *Player {
	return &Player{logger: logger}
}

func (p *Player) Play(audio []byte, onStart func(), onDone func(err error)) {
	streamer, format, err := wav.Decode(readCloser{bytes.NewReader(audio)})
	if err != nil {
		onDone(fmt.Errorf("decode wav: %w", err))
		return
	}
	if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
		streamer.Close()
		onDone(fmt.Errorf("open speaker: %w", err))
		return
	}
	p.logger.Debug("playback starting",
		zap.Int("sample_rate", int(format.SampleRate)),
		zap.Int("bytes", len(audio)))
	onStart()
	speaker.Play(beep.Seq(streamer, beep.Callback(func() {
		streamer.Close()
		onDone(nil)
	})))
}

// readCloser adapts a bytes.Reader to the ReadCloser wav.Decode expects.
type readCloser struct{ io.Reader }

func (readCloser) Close() error { return nil }
