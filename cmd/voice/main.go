// Command voice is the interactive terminal client: it captures microphone
// audio, streams it for live transcription, sends the transcribed question
// to the document server and plays the spoken answer back.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/BaberDevWorks/voice-rag/internal/audio"
	"github.com/BaberDevWorks/voice-rag/internal/backend"
	"github.com/BaberDevWorks/voice-rag/internal/transcript"
	"github.com/BaberDevWorks/voice-rag/internal/turn"
)

func main() {
	serverURL := pflag.String("server", "http://localhost:8000", "document server base URL")
	sttModel := pflag.String("stt-model", "nova-2", "streaming transcription model")
	uploadPath := pflag.String("upload", "", "upload this .txt document before starting")
	verbose := pflag.Bool("verbose", false, "enable debug logging")
	pflag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	client := backend.NewClient(*serverURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	health, err := client.Health(ctx)
	cancel()
	if err != nil {
		logger.Fatal("document server unreachable", zap.String("server", *serverURL), zap.Error(err))
	}
	fmt.Printf("connected to %s (document loaded: %v)\n", *serverURL, health.DocumentLoaded)

	if *uploadPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		out, err := client.UploadDocument(ctx, *uploadPath)
		cancel()
		if err != nil {
			logger.Fatal("document upload failed", zap.Error(err))
		}
		fmt.Printf("uploaded %q (%d chunks)\n", out.DocumentTitle, out.ChunksCount)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	dgKey, err := client.FetchDeepgramKey(ctx)
	cancel()
	if err != nil {
		logger.Fatal("could not fetch transcription credential", zap.Error(err))
	}

	ctrl := turn.New(
		turn.Config{},
		turn.Deps{
			Credential:  dgKey,
			Microphone:  audio.NewMicrophone(logger),
			Transcriber: &liveTranscriber{apiKey: dgKey, model: *sttModel, logger: logger},
			Answerer:    client,
			Synthesizer: client,
			Player:      audio.NewPlayer(logger),
		},
		turn.Hooks{
			OnPartial:   func(text string) { fmt.Printf("\r… %s", text) },
			OnCommitted: func(text string) { fmt.Printf("\ryou: %s\n", text) },
			OnTurn: func(t turn.ChatTurn) {
				fmt.Printf("\nQ: %s\nA: %s\n\n", t.Question, t.Answer)
			},
			OnError: func(err error) { fmt.Printf("\nerror: %v\n", err) },
			OnStateChange: func(s turn.State) {
				logger.Debug("state changed", zap.Stringer("state", s))
			},
		},
		logger,
	)
	defer ctrl.Stop()

	runShell(ctrl, client, logger)
}

func runShell(ctrl *turn.Controller, client *backend.Client, logger *zap.Logger) {
	fmt.Println("commands: start, stop, send, history, upload <file>, reset, status, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "start":
			if err := ctrl.Start(context.Background()); err != nil {
				fmt.Printf("start failed: %v\n", err)
			} else {
				fmt.Println("listening; pause to send, or type 'send'")
			}
		case "stop":
			ctrl.Stop()
			fmt.Println("stopped")
		case "send":
			ctrl.Dispatch()
		case "history":
			turns := ctrl.History()
			if len(turns) == 0 {
				fmt.Println("no exchanges yet")
			}
			for i, t := range turns {
				fmt.Printf("%d. [%s] Q: %s\n   A: %s\n", i+1, t.Timestamp.Format("15:04:05"), t.Question, t.Answer)
			}
		case "upload":
			if len(fields) < 2 {
				fmt.Println("usage: upload <file.txt>")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			out, err := client.UploadDocument(ctx, fields[1])
			cancel()
			if err != nil {
				fmt.Printf("upload failed: %v\n", err)
				continue
			}
			fmt.Printf("uploaded %q (%d chunks)\n", out.DocumentTitle, out.ChunksCount)
		case "reset":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := client.ResetDocument(ctx)
			cancel()
			if err != nil {
				fmt.Printf("reset failed: %v\n", err)
				continue
			}
			ctrl.ResetHistory()
			fmt.Println("document and history cleared")
		case "status":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			health, err := client.Health(ctx)
			cancel()
			if err != nil {
				fmt.Printf("status failed: %v\n", err)
				continue
			}
			fmt.Printf("state=%s document_loaded=%v chunks=%d title=%q\n",
				ctrl.State(), health.DocumentLoaded, health.ChunksCount, health.DocumentTitle)
		case "quit", "exit":
			ctrl.Stop()
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// liveTranscriber opens a fresh streaming connection on every Connect so
// the controller can cycle through start and stop repeatedly.
type liveTranscriber struct {
	apiKey string
	model  string
	logger *zap.Logger

	mu  sync.Mutex
	cur *transcript.LiveClient
}

func (l *liveTranscriber) Connect(ctx context.Context) error {
	c := transcript.NewLiveClient(l.apiKey, l.model, l.logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.cur = c
	l.mu.Unlock()
	return nil
}

func (l *liveTranscriber) current() *transcript.LiveClient {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

func (l *liveTranscriber) SendAudio(chunk []byte) error {
	c := l.current()
	if c == nil {
		return fmt.Errorf("transcriber not connected")
	}
	return c.SendAudio(chunk)
}

func (l *liveTranscriber) Events() <-chan transcript.Event {
	c := l.current()
	if c == nil {
		return nil
	}
	return c.Events()
}

func (l *liveTranscriber) Errors() <-chan error {
	c := l.current()
	if c == nil {
		return nil
	}
	return c.Errors()
}

func (l *liveTranscriber) Close() error {
	l.mu.Lock()
	c := l.cur
	l.cur = nil
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
