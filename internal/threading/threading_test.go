package threading

import (
	"math/rand/v2"
	"testing"
	"time"
)

var base = time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

var (
	felix  = Contact{ID: "1", Name: "Felix Thompson", Email: "felix@forest-mail.com"}
	rachel = Contact{ID: "2", Name: "Rachel Bennett", Email: "rachel@forest-mail.com"}
	oliver = Contact{ID: "3", Name: "Oliver Chen", Email: "oliver@forest-mail.com"}
)

func msg(id, subject string, from Contact, minutes int, read bool) Message {
	return Message{
		ID:         id,
		From:       from,
		Subject:    subject,
		Body:       "body of " + id,
		ReceivedAt: base.Add(time.Duration(minutes) * time.Minute),
		Read:       read,
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{subject: "Picnic", want: "picnic"},
		{subject: "Re: Picnic", want: "picnic"},
		{subject: "RE:Picnic", want: "picnic"},
		{subject: "Fwd: Picnic ", want: "picnic"},
		{subject: "fw: Picnic", want: "picnic"},
		{subject: "Re: Re: Picnic", want: "re: picnic"},
		{subject: "Reunion", want: "reunion"},
		{subject: "Picnic re: food", want: "picnic re: food"},
		{subject: "   ", want: ""},
		{subject: "", want: ""},
	}

	for _, tt := range tests {
		if got := NormalizeSubject(tt.subject); got != tt.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}

func TestGroupIntoThreadsEmpty(t *testing.T) {
	got := GroupIntoThreads(nil)
	if got == nil || len(got) != 0 {
		t.Errorf("GroupIntoThreads(nil) = %#v, want empty non-nil slice", got)
	}
}

func TestGroupIntoThreadsCaseAndPrefix(t *testing.T) {
	threads := GroupIntoThreads([]Message{
		msg("m1", "Picnic", felix, 0, true),
		msg("m2", "Re: Picnic", rachel, 10, true),
		msg("m3", "PICNIC", oliver, 5, true),
	})

	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	thread := threads[0]
	if thread.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", thread.MessageCount)
	}
	if !thread.IsThread() {
		t.Error("IsThread = false, want true")
	}
	if thread.LatestMessage.ID != "m2" || thread.Messages[0].ID != "m2" {
		t.Errorf("latest = %s, want m2", thread.LatestMessage.ID)
	}
	if thread.Subject != "Re: Picnic" {
		t.Errorf("Subject = %q, want latest message subject", thread.Subject)
	}

	wantOrder := []string{"m2", "m3", "m1"}
	for i, id := range wantOrder {
		if thread.Messages[i].ID != id {
			t.Errorf("Messages[%d] = %s, want %s", i, thread.Messages[i].ID, id)
		}
	}
}

func TestGroupIntoThreadsSinglePrefixLayer(t *testing.T) {
	threads := GroupIntoThreads([]Message{
		msg("m1", "Re: Re: Picnic", felix, 0, true),
		msg("m2", "Picnic", rachel, 1, true),
	})

	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2 (only one reply prefix is stripped)", len(threads))
	}
	for _, thread := range threads {
		if thread.IsThread() {
			t.Errorf("thread %s has %d messages, want 1", thread.ID, thread.MessageCount)
		}
	}
}

func TestGroupIntoThreadsUnread(t *testing.T) {
	messages := []Message{
		msg("m1", "Acorns", felix, 0, true),
		msg("m2", "Re: Acorns", rachel, 1, false),
		msg("m3", "Re: Acorns", felix, 2, true),
	}

	if got := GroupIntoThreads(messages)[0].HasUnread; !got {
		t.Fatal("HasUnread = false with one unread message")
	}

	messages[1].Read = true
	if got := GroupIntoThreads(messages)[0].HasUnread; got {
		t.Fatal("HasUnread = true after marking every message read")
	}
}

func TestGroupIntoThreadsParticipants(t *testing.T) {
	renamed := felix
	renamed.Name = "Fiona Fox"

	threads := GroupIntoThreads([]Message{
		msg("m1", "Berries", felix, 0, true),
		msg("m2", "Re: Berries", rachel, 1, true),
		msg("m3", "Re: Berries", renamed, 2, true),
	})

	got := threads[0].Participants
	if len(got) != 2 {
		t.Fatalf("got %d participants, want 2: %+v", len(got), got)
	}
	// Sorted newest first: renamed felix (m3) appears first, then rachel; m1 overwrites felix.
	if got[0].Email != felix.Email || got[1].Email != rachel.Email {
		t.Errorf("participant order = [%s %s]", got[0].Email, got[1].Email)
	}
	if got[0].Name != "Felix Thompson" {
		t.Errorf("participant name = %q, want last seen %q", got[0].Name, "Felix Thompson")
	}
}

func TestGroupIntoThreadsBlankSubjects(t *testing.T) {
	threads := GroupIntoThreads([]Message{
		msg("m1", "", felix, 0, true),
		msg("m2", "   ", rachel, 1, true),
		msg("m3", "Re: ", oliver, 2, true),
		msg("m4", "Mushrooms", oliver, 3, true),
	})

	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(threads))
	}
	blank := threads[1]
	if blank.ID != ThreadID("") || blank.MessageCount != 3 {
		t.Errorf("blank thread = %s with %d messages, want %s with 3", blank.ID, blank.MessageCount, ThreadID(""))
	}
}

func TestGroupIntoThreadsStableIDs(t *testing.T) {
	messages := []Message{
		msg("m1", "Picnic", felix, 0, true),
		msg("m2", "Mushrooms", rachel, 1, true),
	}

	first := GroupIntoThreads(messages)
	second := GroupIntoThreads(messages)
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("thread %d id changed between calls: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
	if first[0].ID == first[1].ID {
		t.Error("different subjects produced the same thread id")
	}
	if ThreadID("picnic") != first[1].ID {
		t.Errorf("ThreadID(picnic) = %s, want %s", ThreadID("picnic"), first[1].ID)
	}
}

func TestGroupIntoThreadsOrderingIndependentOfInput(t *testing.T) {
	messages := []Message{
		msg("m1", "Picnic", felix, 0, true),
		msg("m2", "Mushrooms", rachel, 30, false),
		msg("m3", "Re: Picnic", oliver, 45, true),
		msg("m4", "Acorns", felix, 10, true),
		msg("m5", "Re: Acorns", rachel, 20, true),
		msg("m6", "Fwd: Mushrooms", oliver, 5, true),
	}
	want := []string{"m3", "m2", "m5"}

	rng := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		shuffled := make([]Message, len(messages))
		copy(shuffled, messages)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		threads := GroupIntoThreads(shuffled)
		if len(threads) != len(want) {
			t.Fatalf("got %d threads, want %d", len(threads), len(want))
		}
		for i, id := range want {
			if threads[i].LatestMessage.ID != id {
				t.Fatalf("thread %d latest = %s, want %s", i, threads[i].LatestMessage.ID, id)
			}
		}
		for i := 1; i < len(threads); i++ {
			if threads[i].LatestMessage.ReceivedAt.After(threads[i-1].LatestMessage.ReceivedAt) {
				t.Fatalf("threads not sorted newest first at %d", i)
			}
		}
	}
}

func TestGroupIntoThreadsDoesNotMutateInput(t *testing.T) {
	messages := []Message{
		msg("m1", "Picnic", felix, 0, true),
		msg("m2", "Re: Picnic", rachel, 10, true),
	}
	GroupIntoThreads(messages)
	if messages[0].ID != "m1" || messages[1].ID != "m2" {
		t.Error("input slice was reordered")
	}
}

func TestThreadMatches(t *testing.T) {
	thread := GroupIntoThreads([]Message{
		msg("m1", "Picnic plans", felix, 0, true),
		msg("m2", "Re: Picnic plans", rachel, 10, true),
	})[0]

	tests := []struct {
		query string
		want  bool
	}{
		{query: "", want: true},
		{query: "picnic", want: true},
		{query: "BODY OF M2", want: true},
		{query: "rachel bennett", want: true},
		{query: "felix@forest-mail", want: true},
		{query: "oliver", want: false},
	}

	for _, tt := range tests {
		if got := thread.Matches(tt.query); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}
