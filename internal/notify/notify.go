// Package notify delivers "messages released" notices to recipients. Delivery
// is best effort: failures are logged and counted but never reach the caller
// that released the messages.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// MessageRef names one released message in a notification.
type MessageRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Notification is one notice for one recipient.
type Notification struct {
	SubjectID      string       `json:"subject_id"`
	SubjectName    string       `json:"subject_name"`
	EpisodeID      string       `json:"episode_id"`
	RecipientID    string       `json:"recipient_id"`
	RecipientName  string       `json:"recipient_name"`
	RecipientEmail string       `json:"recipient_email"`
	Messages       []MessageRef `json:"messages"`
	ReleasedAt     string       `json:"released_at"`
}

// Sender delivers a single notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// DependencyError wraps a failed delivery.
type DependencyError struct {
	Recipient string
	Err       error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Recipient, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Subject returns the plain-text subject line for n.
func Subject(n Notification) string {
	name := n.SubjectName
	if name == "" {
		name = "someone close to you"
	}
	return fmt.Sprintf("%s left video messages for you", name)
}

// Body returns the plain-text body for n.
func Body(n Notification) string {
	var b strings.Builder
	greeting := n.RecipientName
	if greeting == "" {
		greeting = "Hello"
	} else {
		greeting = "Dear " + greeting
	}
	fmt.Fprintf(&b, "%s,\n\n", greeting)
	name := n.SubjectName
	if name == "" {
		name = "A person who cared about you"
	}
	fmt.Fprintf(&b, "%s recorded messages to be shared with you. They are now available:\n\n", name)
	for _, m := range n.Messages {
		fmt.Fprintf(&b, "  - %s\n", m.Title)
	}
	b.WriteString("\nWith our sympathy,\nAfternote\n")
	return b.String()
}

// LogSender only records the notification in the log.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("subject_id", n.SubjectID),
		slog.String("episode_id", n.EpisodeID),
		slog.String("recipient", n.RecipientEmail),
		slog.Int("messages", len(n.Messages)),
	)
	return nil
}
