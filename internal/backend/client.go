// Package backend is the HTTP client the voice client uses to talk to the
// document server: key exchange, document upload, retrieval queries and
// speech synthesis.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaberDevWorks/voice-rag/internal/api"
)

const maxUploadBytes = 10 << 20

type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewClient(baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Health reports whether the server is reachable and whether a document is
// loaded.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return out, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode health response: %w", err)
	}
	return out, nil
}

// FetchDeepgramKey retrieves the streaming transcription credential from the
// server so the browser side never needs it configured locally.
func (c *Client) FetchDeepgramKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api-keys", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("api-keys request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api-keys returned status %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
	var out api.KeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode api-keys response: %w", err)
	}
	if out.DeepgramAPIKey == "" {
		return "", fmt.Errorf("server returned an empty deepgram key")
	}
	return out.DeepgramAPIKey, nil
}

// UploadDocument streams a local .txt file to the server. Extension and size
// are checked client-side before any bytes leave the machine.
func (c *Client) UploadDocument(ctx context.Context, path string) (api.UploadResponse, error) {
	var out api.UploadResponse
	if filepath.Ext(path) != ".txt" {
		return out, fmt.Errorf("only .txt files are supported, got %q", filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return out, err
	}
	if info.Size() > maxUploadBytes {
		return out, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxUploadBytes)
	}
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return out, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return out, err
	}
	if err := w.Close(); err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/upload-document", &body)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("upload returned status %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

// ResetDocument clears the server's loaded document and index.
func (c *Client) ResetDocument(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/reset-document", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset returned status %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
	return nil
}

// Answer asks the server's retrieval pipeline for a grounded answer.
func (c *Client) Answer(ctx context.Context, question string, topK int) (string, error) {
	payload, err := json.Marshal(api.QueryRequest{Query: question, TopK: topK})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query returned status %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
	var out api.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode query response: %w", err)
	}
	return out.Answer, nil
}

// Synthesize requests WAV audio for the given text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(api.TTSRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts returned status %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts returned empty audio")
	}
	return audio, nil
}

// readDetail pulls the error detail out of a failed response body, falling
// back to the raw text when it is not the usual JSON shape.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var e api.ErrorResponse
	if json.Unmarshal(raw, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	return strings.TrimSpace(string(raw))
}
