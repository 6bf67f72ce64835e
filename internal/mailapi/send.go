package mailapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing is a plain text message to send. From may be empty, in which case
// the provider fills in the authenticated account.
type Outgoing struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendRequest struct {
	Raw string `json:"raw"`
}

// SentMessage is the provider's acknowledgement of a sent message.
type SentMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// Send composes msg as an RFC 5322 message and submits it.
func (c *Client) Send(ctx context.Context, msg Outgoing) (SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return SentMessage{}, err
	}

	raw, err := Compose(msg, time.Now())
	if err != nil {
		return SentMessage{}, err
	}

	body, err := json.Marshal(sendRequest{Raw: base64.RawURLEncoding.EncodeToString(raw)})
	if err != nil {
		return SentMessage{}, fmt.Errorf("encoding send request: %w", err)
	}

	var sent SentMessage
	if err := c.do(ctx, http.MethodPost, "/messages/send", bytes.NewReader(body), &sent); err != nil {
		return SentMessage{}, fmt.Errorf("sending message: %w", err)
	}
	return sent, nil
}

// Compose renders msg as a single part text/plain RFC 5322 message.
func Compose(msg Outgoing, date time.Time) ([]byte, error) {
	to, err := mail.ParseAddressList(msg.To)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient: %w", err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetSubject(msg.Subject)
	h.SetAddressList("To", to)
	if msg.From != "" {
		from, err := mail.ParseAddress(msg.From)
		if err != nil {
			return nil, fmt.Errorf("parsing sender: %w", err)
		}
		h.SetAddressList("From", []*mail.Address{from})
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}
	return buf.Bytes(), nil
}
