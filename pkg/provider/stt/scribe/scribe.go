// Package scribe provides a batch transcription client backed by an HTTP
// speech-to-text endpoint (ElevenLabs Scribe or any API-compatible server).
//
// The client submits one complete audio file per request as
// multipart/form-data and normalises the response body, which different
// server builds label inconsistently, into a single text string.
//
// Usage:
//
//	c, err := scribe.New("https://api.elevenlabs.io/v1/speech-to-text",
//	    scribe.WithAPIKey(key),
//	    scribe.WithModel("scribe_v1"),
//	)
//	text, err := c.Transcribe(ctx, wavBytes, "audio/wav")
package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/frostholm/cueline/pkg/provider/stt"
)

const (
	defaultModel   = "scribe_v1"
	defaultTimeout = 30 * time.Second

	// maxErrorBodyBytes caps how much of a non-200 response body is read for
	// the error message.
	maxErrorBodyBytes = 2048
)

// Compile-time assertion that Client implements stt.Transcriber.
var _ stt.Transcriber = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithAPIKey sets the API key sent in the xi-api-key header. When empty no
// header is sent, which suits self-hosted servers without authentication.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithModel sets the model identifier submitted with each request
// (e.g., "scribe_v1"). Defaults to "scribe_v1".
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithLanguage sets the language code hint submitted with each request
// (e.g., "en", "de"). When empty the server auto-detects, which is the
// default.
func WithLanguage(lang string) Option {
	return func(c *Client) {
		c.language = lang
	}
}

// WithHTTPClient replaces the underlying HTTP client. Useful for tests and
// for callers that need custom transport settings. Defaults to a client with
// a 30 second timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client implements stt.Transcriber against an HTTP speech-to-text endpoint.
// It is safe for concurrent use; each Transcribe call is an independent
// request.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Client that POSTs to endpoint. endpoint must be non-empty.
// Functional options may be provided to override defaults.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("scribe: endpoint must not be empty")
	}
	c := &Client{
		endpoint:   endpoint,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe submits blob as a multipart file upload and returns the
// recognised text with surrounding whitespace trimmed. An empty result with a
// nil error means the server heard nothing usable.
func (c *Client) Transcribe(ctx context.Context, blob []byte, contentType string) (string, error) {
	if len(blob) == 0 {
		return "", errors.New("scribe: empty audio blob")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", fileName(contentType))
	if err != nil {
		return "", fmt.Errorf("scribe: create form file: %w", err)
	}
	if _, err := fw.Write(blob); err != nil {
		return "", fmt.Errorf("scribe: write audio data: %w", err)
	}

	if c.model != "" {
		if err := mw.WriteField("model_id", c.model); err != nil {
			return "", fmt.Errorf("scribe: write model field: %w", err)
		}
	}
	if c.language != "" {
		if err := mw.WriteField("language_code", c.language); err != nil {
			return "", fmt.Errorf("scribe: write language field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("scribe: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("scribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("xi-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scribe: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", fmt.Errorf("scribe: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("scribe: read response body: %w", err)
	}

	text, err := extractText(data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// extractText pulls the transcription out of a response body. Server builds
// disagree on the field name, so several well-known keys are tried in order
// before falling back to treating a plain-string body as the text itself.
func extractText(data []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		for _, key := range []string{"text", "transcription", "transcript", "result"} {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s, nil
			}
		}
		return "", fmt.Errorf("scribe: no transcription field in response: %s", truncate(data, 200))
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	return "", fmt.Errorf("scribe: unparseable response: %s", truncate(data, 200))
}

// fileName picks an upload file name whose extension matches the MIME type.
// The server routes decoding on the extension, so a mismatch degrades
// recognition.
func fileName(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/webm":
		return "audio.webm"
	default:
		return "audio.wav"
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
