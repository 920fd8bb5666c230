// Package transcribe sends audio to a Whisper-compatible
// /audio/transcriptions endpoint and returns time-coded text.
package transcribe

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

	"github.com/kalambet/sitewalk/internal/upstream"
)

const serviceName = "transcription"

// DefaultTimeout bounds one transcription call.
const DefaultTimeout = 10 * time.Minute

// Segment is one time-coded span of the transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the transcription of one audio file.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Duration float64   `json:"duration"`
}

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}

// Client is a Transcriber for OpenAI-compatible transcription servers.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a Client. apiKey may be empty for local servers.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Transcribe uploads the audio file and returns the verbose transcription.
// When the server omits duration, the end of the last segment is used.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	body, contentType, err := c.encode(audioPath)
	if err != nil {
		return Result{}, err
	}
	return upstream.Call(ctx, c.timeout, func(ctx context.Context) (Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return Result{}, fmt.Errorf("transcribing %s: %w", filepath.Base(audioPath), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return Result{}, &upstream.StatusError{Service: serviceName, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}

		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, fmt.Errorf("decoding transcription: %w", err)
		}
		res.Text = strings.TrimSpace(res.Text)
		if res.Duration == 0 && len(res.Segments) > 0 {
			res.Duration = res.Segments[len(res.Segments)-1].End
		}
		return res, nil
	})
}

func (c *Client) encode(audioPath string) ([]byte, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("reading audio: %w", err)
	}
	fields := map[string]string{
		"model":                     c.model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
