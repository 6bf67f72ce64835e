package threading

import (
	"strings"
	"time"
)

// Contact identifies a message sender.
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Message is a single mail message as the provider returns it.
type Message struct {
	ID         string    `json:"id"`
	From       Contact   `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	Read       bool      `json:"read"`
	Labels     []string  `json:"labels,omitempty"`
}

// Thread groups messages sharing a normalized subject. Threads are derived on
// every GroupIntoThreads call and never persisted.
type Thread struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Messages      []Message `json:"messages"` // newest first
	LatestMessage Message   `json:"latestMessage"`
	MessageCount  int       `json:"messageCount"`
	HasUnread     bool      `json:"hasUnread"`
	Participants  []Contact `json:"participants"`
}

// IsThread reports whether the thread holds more than one message.
func (t Thread) IsThread() bool {
	return t.MessageCount > 1
}

// Matches reports whether any message's subject, body or sender contains
// query, ignoring case. An empty query matches every thread.
func (t Thread) Matches(query string) bool {
	q := strings.ToLower(query)
	for _, msg := range t.Messages {
		if strings.Contains(strings.ToLower(msg.Subject), q) ||
			strings.Contains(strings.ToLower(msg.Body), q) ||
			strings.Contains(strings.ToLower(msg.From.Name), q) ||
			strings.Contains(strings.ToLower(msg.From.Email), q) {
			return true
		}
	}
	return q == ""
}
