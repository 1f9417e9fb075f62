package transcript

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestConnect_EmptyKeyFails(t *testing.T) {
	s := NewLiveClient("", "", zap.NewNop())
	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestProcessMessage_InterimAndFinalResults(t *testing.T) {
	s := NewLiveClient("key", "", zap.NewNop())

	s.processMessage([]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
	s.processMessage([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there"}]}}`))

	ev := <-s.Events()
	if ev.Text != "hello" || ev.IsFinal {
		t.Fatalf("unexpected interim event: %+v", ev)
	}
	ev = <-s.Events()
	if ev.Text != "hello there" || !ev.IsFinal {
		t.Fatalf("unexpected final event: %+v", ev)
	}
}

func TestProcessMessage_IgnoresEmptyTranscript(t *testing.T) {
	s := NewLiveClient("key", "", zap.NewNop())
	s.processMessage([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`))
	s.processMessage([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`))
	select {
	case ev := <-s.Events():
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}

func TestProcessMessage_ErrorDelivered(t *testing.T) {
	s := NewLiveClient("key", "", zap.NewNop())
	s.processMessage([]byte(`{"type":"Error","description":"bad audio"}`))
	select {
	case err := <-s.Errors():
		if err == nil {
			t.Fatalf("expected non-nil error")
		}
	default:
		t.Fatalf("expected error on channel")
	}
}

// Close must not tear down the events channel out from under a delivery in
// flight; the read loop owns the channel lifetime.
func TestClose_SafeDuringEventDelivery(t *testing.T) {
	s := NewLiveClient("key", "", zap.NewNop())
	msg := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.processMessage(msg)
		}
	}()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-done
}

func TestClose_IdempotentWithoutConnect(t *testing.T) {
	s := NewLiveClient("key", "", zap.NewNop())
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.SendAudio([]byte{1, 2}); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}
