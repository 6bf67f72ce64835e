package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// newFakeMailbox serves a two-message inbox that threads into one conversation.
func newFakeMailbox(t *testing.T) *httptest.Server {
	t.Helper()

	received := time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)
	messages := map[string]map[string]any{
		"m1": wire("m1", "Picnic on Saturday", "Felix Thompson <felix@forest-mail.com>", "Bring snacks", received, "INBOX"),
		"m2": wire("m2", "Re: Picnic on Saturday", "Rachel Bennett <rachel@forest-mail.com>", "Count me in", received.Add(time.Hour), "INBOX", "UNREAD"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ya29.forest-mail-cli-test" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"code":401,"message":"invalid credentials"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "m1"}, {"id": "m2"}},
		})
	})
	mux.HandleFunc("GET /messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		msg, ok := messages[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(msg)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wire(id, subject, from, body string, received time.Time, labels ...string) map[string]any {
	return map[string]any{
		"id":           id,
		"labelIds":     labels,
		"internalDate": strconv.FormatInt(received.UnixMilli(), 10),
		"payload": map[string]any{
			"mimeType": "text/plain",
			"headers": []map[string]string{
				{"name": "From", "value": from},
				{"name": "Subject", "value": subject},
			},
			"body": map[string]string{"data": base64.URLEncoding.EncodeToString([]byte(body))},
		},
	}
}

type cliRun struct {
	t       *testing.T
	storage string
}

func (c cliRun) run(stdin string, args ...string) (string, error) {
	c.t.Helper()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.Writer = &out
	cmd.ErrWriter = io.Discard
	cmd.Reader = strings.NewReader(stdin)

	full := append([]string{"forestmail", "--storage--backend", "file", "--storage--file", c.storage}, args...)
	err := cmd.Run(context.Background(), full)
	return out.String(), err
}

func TestCommandsSessionLifecycle(t *testing.T) {
	srv := newFakeMailbox(t)
	c := cliRun{t: t, storage: filepath.Join(t.TempDir(), "store.json")}

	out, err := c.run("ya29.forest-mail-cli-test\n", "login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "token stored in gmail_token (file backend)") {
		t.Errorf("login output = %q", out)
	}

	out, err = c.run("", "threads", "--mail--base-url", srv.URL)
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	if !strings.Contains(out, "Re: Picnic on Saturday") || !strings.Contains(out, "Rachel Bennett") {
		t.Errorf("threads table missing latest message:\n%s", out)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 {
		t.Errorf("got %d lines, want header plus one conversation:\n%s", len(lines), out)
	}

	out, err = c.run("", "threads", "--json", "--query", "snacks", "--mail--base-url", srv.URL)
	if err != nil {
		t.Fatalf("threads --json: %v", err)
	}
	var threads []struct {
		MessageCount int  `json:"messageCount"`
		HasUnread    bool `json:"hasUnread"`
	}
	if err := json.Unmarshal([]byte(out), &threads); err != nil {
		t.Fatalf("decoding threads: %v\n%s", err, out)
	}
	if len(threads) != 1 || threads[0].MessageCount != 2 || !threads[0].HasUnread {
		t.Errorf("threads = %+v", threads)
	}

	// No match prints an empty array, like GET /api/threads.
	out, err = c.run("", "threads", "--json", "--query", "blueberries", "--mail--base-url", srv.URL)
	if err != nil {
		t.Fatalf("threads --json without match: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("threads without match = %q, want []", out)
	}

	out, err = c.run("", "events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "token_stored") || !strings.Contains(out, "no suspicious activity") {
		t.Errorf("events output = %q", out)
	}

	if out, err = c.run("", "logout"); err != nil || !strings.Contains(out, "logged out") {
		t.Fatalf("logout = %q, %v", out, err)
	}

	out, err = c.run("", "events", "--json")
	if err != nil {
		t.Fatalf("events --json: %v", err)
	}
	var report struct {
		Events     []json.RawMessage `json:"events"`
		Suspicious bool              `json:"suspicious"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decoding events: %v\n%s", err, out)
	}
	if report.Events == nil || len(report.Events) != 0 || report.Suspicious {
		t.Errorf("events after logout = %s", out)
	}

	if _, err := c.run("", "threads", "--mail--base-url", srv.URL); err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Errorf("threads after logout: got %v, want not logged in", err)
	}
}

func TestCommandsLoginRejectsInvalidToken(t *testing.T) {
	c := cliRun{t: t, storage: filepath.Join(t.TempDir(), "store.json")}

	_, err := c.run("", "login", "--token", "<script>alert(1)</script>")
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Fatalf("login: got %v, want invalid format", err)
	}

	if _, err := c.run("", "login"); err == nil {
		t.Error("login with empty stdin: expected error")
	}
}

func TestCommandsThreadsRejectsUnsafeQuery(t *testing.T) {
	c := cliRun{t: t, storage: filepath.Join(t.TempDir(), "store.json")}

	if _, err := c.run("", "threads", "--query", "<b>"); err == nil {
		t.Error("expected query validation error")
	}
}
