package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSender POSTs each notification as JSON to URL.
type WebhookSender struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

type webhookBody struct {
	Type string `json:"type"`
	Notification
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (s WebhookSender) Send(ctx context.Context, n Notification) error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("webhook url not configured")
	}
	data, err := json.Marshal(webhookBody{
		Type:         "messages.released",
		Notification: n,
		Subject:      Subject(n),
		Text:         Body(n),
	})
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Afternote-Event", "messages.released")
	req.Header.Set("X-Afternote-Delivery", n.EpisodeID+":"+n.RecipientID)
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Afternote-Secret", s.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
