// Package threading groups a flat list of messages into conversation threads by
// normalized subject line.
//
// Only one leading reply/forward marker is stripped, so "Re: Re: Picnic" and
// "Picnic" land in different threads.
package threading

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// replyPrefix matches one leading "re:", "fw:" or "fwd:" marker and the whitespace after it.
var replyPrefix = regexp.MustCompile(`(?i)^(re:|fwd?:)\s*`)

// threadNamespace scopes the name-based UUIDs used as thread ids.
var threadNamespace = uuid.MustParse("6f1c2a7e-58b4-4c7d-9a4e-3b2f0d9e8c51")

// NormalizeSubject strips a single leading reply/forward marker, then trims and lowercases.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(replyPrefix.ReplaceAllString(subject, "")))
}

// ThreadID derives a stable thread id from a normalized subject.
func ThreadID(normalizedSubject string) string {
	return "thread-" + uuid.NewSHA1(threadNamespace, []byte(normalizedSubject)).String()
}

// GroupIntoThreads partitions messages into threads of identical normalized subject.
//
// Messages within a thread are ordered newest first and the thread's LatestMessage is
// the first of them. Threads are ordered by their latest message, newest first, with
// ties broken by id. Participants are de-duplicated by sender email in order of first
// appearance; when one email appears with different attributes the last one seen wins.
// Messages with blank subjects share a single thread. The input slice is not modified.
func GroupIntoThreads(messages []Message) []Thread {
	if len(messages) == 0 {
		return []Thread{}
	}

	var order []string
	groups := make(map[string][]Message)
	for _, msg := range messages {
		key := NormalizeSubject(msg.Subject)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], msg)
	}

	threads := make([]Thread, 0, len(order))
	for _, key := range order {
		threads = append(threads, buildThread(key, groups[key]))
	}

	slices.SortStableFunc(threads, func(a, b Thread) int {
		if c := b.LatestMessage.ReceivedAt.Compare(a.LatestMessage.ReceivedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return threads
}

func buildThread(normalizedSubject string, msgs []Message) Thread {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return b.ReceivedAt.Compare(a.ReceivedAt)
	})

	latest := msgs[0]
	hasUnread := false
	for _, msg := range msgs {
		if !msg.Read {
			hasUnread = true
			break
		}
	}

	return Thread{
		ID:            ThreadID(normalizedSubject),
		Subject:       latest.Subject,
		Messages:      msgs,
		LatestMessage: latest,
		MessageCount:  len(msgs),
		HasUnread:     hasUnread,
		Participants:  participants(msgs),
	}
}

func participants(msgs []Message) []Contact {
	index := make(map[string]int)
	var out []Contact
	for _, msg := range msgs {
		if i, ok := index[msg.From.Email]; ok {
			out[i] = msg.From
			continue
		}
		index[msg.From.Email] = len(out)
		out = append(out, msg.From)
	}
	return out
}
