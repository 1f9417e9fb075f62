// Package audio provides microphone capture and speaker playback for the
// voice client.
package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

const (
	captureSampleRate = 16000
	captureFrameSize  = 320 // 20ms at 16kHz
)

// Microphone captures mono 16kHz 16-bit PCM from the default input device
// and delivers it in fixed-interval chunks of little-endian bytes.
type Microphone struct {
	logger *zap.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	frame   []int16
	stopCh  chan struct{}
	started bool
	opened  bool
}

func NewMicrophone(logger *zap.Logger) *Microphone {
	return &Microphone{logger: logger}
}

// Open initializes portaudio and opens the default input stream. The stream
// does not run until Start is called.
func (m *Microphone) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	m.frame = make([]int16, captureFrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(captureSampleRate), captureFrameSize, m.frame)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	m.stream = stream
	m.opened = true
	return nil
}

// Start begins capture and returns a channel of PCM chunks, one roughly
// every interval. The channel is closed when capture stops.
func (m *Microphone) Start(interval time.Duration) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil, fmt.Errorf("microphone not opened")
	}
	if m.started {
		return nil, fmt.Errorf("microphone already started")
	}
	if err := m.stream.Start(); err != nil {
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	m.started = true
	m.stopCh = make(chan struct{})
	out := make(chan []byte, 64)
	go m.capture(m.stream, m.frame, m.stopCh, out, interval)
	m.logger.Info("microphone capture started",
		zap.Int("sample_rate", captureSampleRate),
		zap.Duration("chunk_interval", interval))
	return out, nil
}

func (m *Microphone) capture(stream *portaudio.Stream, frame []int16, stop <-chan struct{}, out chan<- []byte, interval time.Duration) {
	defer close(out)
	framesPerChunk := int(interval / (20 * time.Millisecond))
	if framesPerChunk < 1 {
		framesPerChunk = 1
	}
	chunk := make([]byte, 0, framesPerChunk*captureFrameSize*2)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := stream.Read(); err != nil {
			m.logger.Warn("microphone read failed", zap.Error(err))
			return
		}
		for _, sample := range frame {
			chunk = binary.LittleEndian.AppendUint16(chunk, uint16(sample))
		}
		if len(chunk) >= framesPerChunk*captureFrameSize*2 {
			select {
			case out <- chunk:
			case <-stop:
				return
			default:
				// consumer fell behind; drop the chunk rather than stall capture
			}
			chunk = make([]byte, 0, framesPerChunk*captureFrameSize*2)
		}
	}
}

// Stop halts capture and releases the device. Safe to call repeatedly and
// before Start.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		close(m.stopCh)
		m.started = false
	}
	if m.stream != nil {
		_ = m.stream.Stop()
		_ = m.stream.Close()
		m.stream = nil
	}
	if m.opened {
		portaudio.Terminate()
		m.opened = false
		m.logger.Info("microphone released")
	}
	return nil
}
