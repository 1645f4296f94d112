package models

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSnippetPrefersContentThenAttachment(t *testing.T) {
	msg := Message{Content: "  hello world  "}
	if got := msg.Snippet(); got != "hello world" {
		t.Fatalf("snippet = %q", got)
	}

	voice := Message{Attachment: &Attachment{Name: "clip.ogg", VoiceDuration: 4}}
	if got := voice.Snippet(); got != "voice message" {
		t.Fatalf("voice snippet = %q", got)
	}

	file := Message{Attachment: &Attachment{Name: "report.pdf"}}
	if got := file.Snippet(); got != "report.pdf" {
		t.Fatalf("file snippet = %q", got)
	}

	long := Message{Content: strings.Repeat("a", 200)}
	if got := long.Snippet(); len(got) != 80 {
		t.Fatalf("snippet length = %d, want 80", len(got))
	}
}

func TestSnippetTruncatesOnRuneBoundary(t *testing.T) {
	wide := Message{Content: strings.Repeat("日", 100)}
	got := wide.Snippet()
	if !utf8.ValidString(got) {
		t.Fatalf("snippet split a rune: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Fatalf("snippet rune count = %d, want 80", n)
	}
}

func TestReplySnapshotAndUnavailable(t *testing.T) {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	msg := Message{ID: "m1", Sender: Identity{DisplayName: "Ana"}, Content: "original", CreatedAt: at}

	ref := msg.ReplySnapshot()
	if ref.ID != "m1" || ref.SenderName != "Ana" || ref.Snippet != "original" || !ref.SentAt.Equal(at) {
		t.Fatalf("snapshot wrong: %+v", ref)
	}
	if !ref.Resolved() {
		t.Fatal("snapshot should be resolved")
	}

	missing := UnavailableReply("m9")
	if missing.Snippet != ReplyUnavailableText || missing.Resolved() {
		t.Fatalf("placeholder wrong: %+v", missing)
	}
}

func TestConversationPeer(t *testing.T) {
	conv := Conversation{Participants: []Identity{{ID: "a"}, {ID: "b"}}}
	peer, ok := conv.Peer("a")
	if !ok || peer.ID != "b" {
		t.Fatalf("peer = %+v ok=%v", peer, ok)
	}
	if _, ok := (Conversation{Participants: []Identity{{ID: "a"}}}).Peer("a"); ok {
		t.Fatal("peer found where none exists")
	}
}

func TestDeliveryStateSettled(t *testing.T) {
	if DeliveryPending.IsSettled() || DeliveryFailed.IsSettled() {
		t.Fatal("unsettled state reported settled")
	}
	if !DeliveryConfirmed.IsSettled() || !DeliverySent.IsSettled() {
		t.Fatal("settled state reported unsettled")
	}
}

func TestCallStateTerminal(t *testing.T) {
	for _, state := range []CallState{CallStateIdle, CallStateCalling, CallStateRinging, CallStateConnecting, CallStateConnected} {
		if state.Terminal() {
			t.Fatalf("%s reported terminal", state)
		}
	}
	for _, state := range []CallState{CallStateEnded, CallStateFailed} {
		if !state.Terminal() {
			t.Fatalf("%s not terminal", state)
		}
	}
}
