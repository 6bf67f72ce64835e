package mailapi

import (
	"encoding/base64"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/forestmail/forest-mail/internal/threading"
)

const (
	noSubject  = "(No Subject)"
	noContent  = "(No content)"
	noSender   = "Unknown"
	unreadFlag = "UNREAD"
)

type listResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type wireMessage struct {
	ID           string   `json:"id"`
	Snippet      string   `json:"snippet"`
	LabelIDs     []string `json:"labelIds"`
	InternalDate string   `json:"internalDate"`
	Payload      wirePart `json:"payload"`
}

type wirePart struct {
	MimeType string       `json:"mimeType"`
	Headers  []wireHeader `json:"headers"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []wirePart `json:"parts"`
}

type wireHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (m wireMessage) toMessage() threading.Message {
	var h mail.Header
	for _, header := range m.Payload.Headers {
		h.Add(header.Name, header.Value)
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	if subject == "" {
		subject = noSubject
	}

	body := m.Payload.plainText()
	if body == "" {
		body = m.Snippet
	}
	if body == "" {
		body = noContent
	}

	return threading.Message{
		ID:         m.ID,
		From:       parseSender(m.ID, h.Get("From")),
		Subject:    subject,
		Body:       body,
		ReceivedAt: m.receivedAt(),
		Read:       !slices.Contains(m.LabelIDs, unreadFlag),
		Labels:     slices.Clone(m.LabelIDs),
	}
}

// receivedAt parses internalDate, epoch milliseconds as a decimal string.
func (m wireMessage) receivedAt() time.Time {
	ms, err := strconv.ParseInt(m.InternalDate, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// plainText returns the first text/plain part, depth first, or the payload body
// of a single part message.
func (p wirePart) plainText() string {
	if len(p.Parts) == 0 {
		return decodeBody(p.Body.Data)
	}
	for _, part := range p.Parts {
		if strings.HasPrefix(part.MimeType, "text/plain") && part.Body.Data != "" {
			return decodeBody(part.Body.Data)
		}
		if len(part.Parts) > 0 {
			if text := part.plainText(); text != "" {
				return text
			}
		}
	}
	return ""
}

// decodeBody decodes base64url body data, padded or not. Undecodable data yields "".
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

// parseSender splits a From header into display name and address. Unparseable
// values are used verbatim for both.
func parseSender(messageID, from string) threading.Contact {
	contact := threading.Contact{ID: "gmail-" + messageID}

	if strings.TrimSpace(from) == "" {
		contact.Name = noSender
		contact.Email = noSender
		return contact
	}

	addr, err := mail.ParseAddress(from)
	if err != nil {
		contact.Name = from
		contact.Email = from
		return contact
	}

	contact.Email = addr.Address
	contact.Name = addr.Name
	if contact.Name == "" {
		contact.Name = addr.Address
	}
	return contact
}
