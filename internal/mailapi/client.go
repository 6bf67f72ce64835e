// Package mailapi is a small client for the Gmail REST API: it lists and fetches
// inbox messages as threading.Message values and sends plain text mail.
package mailapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/forestmail/forest-mail/internal/threading"
)

const (
	// DefaultBaseURL is the Gmail API root for the authenticated user.
	DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

	DefaultLabel       = "INBOX"
	DefaultMaxResults  = 10
	DefaultConcurrency = 4

	maxErrorBody = 64 << 10
)

// APIError is returned for non-2xx responses from the mail provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mail api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("mail api: %d %s", e.StatusCode, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithLabel sets the label ListInbox lists. Defaults to INBOX.
func WithLabel(label string) Option {
	return func(c *Client) {
		c.label = label
	}
}

// WithMaxResults caps how many messages ListInbox returns.
func WithMaxResults(n int) Option {
	return func(c *Client) {
		c.maxResults = n
	}
}

// WithConcurrency bounds the number of messages fetched in parallel.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithTransport sets the base transport under the OAuth2 transport.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		c.baseTransport = transport
	}
}

// Client talks to the mail provider on behalf of the user whose token ts serves.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	baseTransport http.RoundTripper

	label       string
	maxResults  int
	concurrency int
}

// New creates a Client authenticating every request with tokens from ts.
func New(ts oauth2.TokenSource, baseURL string, opts ...Option) (*Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("missing token source")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid mail api URL %q", baseURL)
	}

	c := &Client{
		baseURL:       u.String(),
		baseTransport: http.DefaultTransport,
		label:         DefaultLabel,
		maxResults:    DefaultMaxResults,
		concurrency:   DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxResults <= 0 {
		return nil, fmt.Errorf("max results must be positive, got %d", c.maxResults)
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}

	c.httpClient = &http.Client{
		Timeout:   30 * time.Second,
		Transport: &oauth2.Transport{Source: ts, Base: c.baseTransport},
	}
	return c, nil
}

// ListInbox returns up to the configured number of messages in the configured
// label, in the provider's order. Messages that fail to fetch are skipped.
func (c *Client) ListInbox(ctx context.Context) ([]threading.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("labelIds", c.label)
	query.Set("maxResults", strconv.Itoa(c.maxResults))

	var list listResponse
	if err := c.do(ctx, http.MethodGet, "/messages?"+query.Encode(), nil, &list); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	fetched := make([]*threading.Message, len(list.Messages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ref := range list.Messages {
		g.Go(func() error {
			msg, err := c.GetMessage(gctx, ref.ID)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				slog.WarnContext(gctx, "skipping message", "id", ref.ID, "error", err)
				return nil
			}
			fetched[i] = &msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	messages := make([]threading.Message, 0, len(fetched))
	for _, msg := range fetched {
		if msg != nil {
			messages = append(messages, *msg)
		}
	}
	return messages, nil
}

// GetMessage fetches one message by id.
func (c *Client) GetMessage(ctx context.Context, id string) (threading.Message, error) {
	var raw wireMessage
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id)+"?format=full", nil, &raw); err != nil {
		return threading.Message{}, fmt.Errorf("fetching message %s: %w", id, err)
	}
	return raw.toMessage(), nil
}

// do sends a JSON request relative to the base URL and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}
	var body errorResponse
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
	}
	return apiErr
}

// IsUnauthorized reports whether err is a provider 401, meaning the stored token was rejected.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
