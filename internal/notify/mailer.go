package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Email is one outbound message. Rendering templates is the relay's job.
type Email struct {
	To      []string       `json:"to"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
}

// Mailer delivers email. Send returns true only when delivery was confirmed.
type Mailer interface {
	Send(ctx context.Context, e Email) bool
}

// LogMailer logs messages instead of delivering them and never reports
// success.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer() *LogMailer { return &LogMailer{logger: slog.Default()} }

func (m *LogMailer) Send(_ context.Context, e Email) bool {
	m.logger.Info("email not delivered, no relay configured", "to", e.To, "subject", e.Subject)
	return false
}

const defaultRelayTimeout = 15 * time.Second

// RelayMailer POSTs the message as JSON to an HTTP mail relay.
type RelayMailer struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRelayMailer creates a RelayMailer for the relay at url. token, when set,
// is sent as a bearer token.
func NewRelayMailer(url, token string) *RelayMailer {
	return &RelayMailer{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: defaultRelayTimeout},
		logger:     slog.Default(),
	}
}

// Send reports true only on a 2xx answer from the relay.
func (m *RelayMailer) Send(ctx context.Context, e Email) bool {
	if len(e.To) == 0 {
		m.logger.Warn("email has no recipients", "subject", e.Subject)
		return false
	}
	body, err := json.Marshal(e)
	if err != nil {
		m.logger.Warn("encoding email", "error", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		m.logger.Warn("building relay request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn("mail relay unreachable", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Warn("mail relay rejected message", "status", resp.StatusCode, "subject", e.Subject)
		return false
	}
	return true
}
