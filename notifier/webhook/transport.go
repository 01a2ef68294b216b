// Package webhook posts chat messages as JSON to an incoming-webhook URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/courierhq/courier/notifier"
)

// DefaultTimeout bounds one webhook call
const DefaultTimeout = 10 * time.Second

// MessageIDHeader is read from responses to fill SentMessage.MessageID
const MessageIDHeader = "X-Message-Id"

type payload struct {
	Text    string         `json:"text"`
	Options map[string]any `json:"options,omitempty"`
}

// Transport sends notifier.ChatMessage values to one endpoint
type Transport struct {
	endpoint string
	host     string
	client   *http.Client
	headers  map[string]string
	logger   *slog.Logger
}

// Option configures the Transport
type Option func(*Transport)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// WithHeader adds a request header, e.g. an authorization token
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		t.headers[key] = value
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a webhook transport for endpoint
func New(endpoint string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook endpoint %q: scheme must be http or https", endpoint)
	}

	t := &Transport{
		endpoint: endpoint,
		host:     u.Host,
		client:   &http.Client{Timeout: DefaultTimeout},
		headers:  make(map[string]string),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Supports implements notifier.Transport
func (t *Transport) Supports(msg notifier.Message) bool {
	switch msg.(type) {
	case notifier.ChatMessage, *notifier.ChatMessage:
		return true
	}
	return false
}

// Send implements notifier.Transport.
// Network failures and non-2xx responses are returned as *notifier.TransportError.
func (t *Transport) Send(ctx context.Context, msg notifier.Message) (*notifier.SentMessage, error) {
	var chat notifier.ChatMessage
	switch m := msg.(type) {
	case notifier.ChatMessage:
		chat = m
	case *notifier.ChatMessage:
		chat = *m
	default:
		return nil, fmt.Errorf("%w: %T", notifier.ErrUnsupportedMessage, msg)
	}

	body, err := json.Marshal(payload{Text: chat.Content, Options: chat.Options})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, notifier.NewTransportError(t.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &notifier.TransportError{
			Transport:  t.String(),
			StatusCode: resp.StatusCode,
			Err:        errors.New(string(bytes.TrimSpace(snippet))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	t.logger.Debug("webhook delivered", "transport", t.String(), "statusCode", resp.StatusCode)

	return &notifier.SentMessage{
		Original:  msg,
		Transport: t.String(),
		MessageID: resp.Header.Get(MessageIDHeader),
	}, nil
}

func (t *Transport) String() string {
	return "webhook://" + t.host
}
