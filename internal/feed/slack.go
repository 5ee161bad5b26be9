package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// SlackSink posts failed attempts to an incoming webhook. Repeats of the same
// failure within the dedupe window are suppressed.
type SlackSink struct {
	webhookURL string
	channel    string
	httpClient *http.Client
	window     time.Duration
	now        func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewSlackSink(webhookURL, channel string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		channel:    channel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		window:     60 * time.Second,
		now:        time.Now,
		sent:       map[string]time.Time{},
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Deliver(ctx context.Context, e Event) error {
	if !e.Failed() || s.suppressed(e) {
		return nil
	}
	msg := s.render(e)
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal slack message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build slack request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post slack webhook")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("slack webhook http %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSink) suppressed(e Event) bool {
	key := fmt.Sprintf("%s|%s|%s", e.Kind, e.Message, e.Fingerprint)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.sent {
		if now.Sub(at) >= s.window {
			delete(s.sent, k)
		}
	}
	if _, ok := s.sent[key]; ok {
		return true
	}
	s.sent[key] = now
	return false
}

func (s *SlackSink) render(e Event) slackMessage {
	reason := e.Message
	if e.Result != nil && e.Result.Message != "" {
		reason = e.Result.Message
	}
	fields := []slackField{
		{Title: "Outcome", Value: string(e.Outcome), Short: true},
		{Title: "Kind", Value: e.Kind, Short: true},
		{Title: "Source", Value: e.Source, Short: true},
		{Title: "Request", Value: e.RequestID, Short: true},
	}
	if e.Instrument != nil {
		fields = append(fields, slackField{Title: "Instrument", Value: e.Instrument.TradingSymbol, Short: true})
	}
	if e.Result != nil {
		fields = append(fields, slackField{Title: "Order", Value: string(e.Result.Status) + " " + e.Result.OrderID, Short: true})
	}
	return slackMessage{
		Channel:     s.channel,
		Text:        "Alert not executed: " + reason,
		Attachments: []slackAttachment{{Color: "danger", Fields: fields}},
	}
}
