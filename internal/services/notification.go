package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ticketflow/internal/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Slack failures the executor treats as persistent (the owning rule gets
// disabled rather than retried forever).
var (
	ErrSlackNotConfigured  = errors.New("slack integration not configured")
	ErrSlackChannelMissing = errors.New("slack channel not found")
)

// Message is one outbound notification payload.
type Message struct {
	Kind      string `json:"kind"` // email, slack
	Recipient string `json:"recipient,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// Sender delivers one notification. The engine only relies on
// success/failure; delivery retries belong to the queue.
type Sender interface {
	Type() string
	Send(ctx context.Context, msg Message) error
}

// Dispatcher routes queued notification jobs to the sender matching the
// message kind.
type Dispatcher struct {
	senders map[string]Sender
	logger  *logrus.Logger
}

func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{senders: make(map[string]Sender), logger: logger}
}

func (d *Dispatcher) Register(s Sender) {
	d.senders[s.Type()] = s
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	s, ok := d.senders[msg.Kind]
	if !ok {
		return fmt.Errorf("no sender for notification kind %q", msg.Kind)
	}
	return s.Send(ctx, msg)
}

// EmailSender hands mail to the outer delivery system. SMTP transport is
// outside this core; dispatch is considered successful once logged.
type EmailSender struct {
	logger *logrus.Logger
}

func NewEmailSender(logger *logrus.Logger) *EmailSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &EmailSender{logger: logger}
}

func (s *EmailSender) Type() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return errors.New("email: recipient required")
	}
	s.logger.WithFields(logrus.Fields{
		"recipient": msg.Recipient,
		"subject":   msg.Subject,
	}).Info("email dispatched")
	return nil
}

// SlackSender posts via chat.postMessage with an otel-instrumented client.
type SlackSender struct {
	token      string
	channel    string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewSlackSender(cfg config.SlackConfig, logger *logrus.Logger) *SlackSender {
	if logger == nil {
		logger = logrus.New()
	}
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}
	return &SlackSender{
		token:   cfg.BotToken,
		channel: cfg.DefaultChannel,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (s *SlackSender) Type() string { return "slack" }

// Configured reports whether a bot token is present at all.
func (s *SlackSender) Configured() bool { return s.token != "" }

func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	if s.token == "" {
		return ErrSlackNotConfigured
	}
	channel := msg.Channel
	if channel == "" {
		channel = s.channel
	}
	if channel == "" {
		return ErrSlackChannelMissing
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}
	payload, _ := json.Marshal(map[string]any{
		"channel": channel,
		"text":    text,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("slack response: %w", err)
	}
	if !result.OK {
		if result.Error == "channel_not_found" || result.Error == "is_archived" {
			return fmt.Errorf("%w: %s", ErrSlackChannelMissing, channel)
		}
		return fmt.Errorf("slack api error: %s", result.Error)
	}
	return nil
}
