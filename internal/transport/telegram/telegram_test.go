package telegram

import (
	"context"
	"strings"
	"testing"

	"sitewatch/internal/watch"
)

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		chat   int64
		thread int
		want   string
	}{
		{chat: 42, want: "42"},
		{chat: -1001234567890, want: "-1001234567890"},
		{chat: -100987, thread: 15, want: "-100987:15"},
	}
	for _, tt := range tests {
		got := FormatConversation(tt.chat, tt.thread)
		if got != tt.want {
			t.Fatalf("FormatConversation(%d, %d) = %q, want %q", tt.chat, tt.thread, got, tt.want)
		}
		chat, thread, err := ParseConversation(got)
		if err != nil {
			t.Fatalf("ParseConversation(%q) error: %v", got, err)
		}
		if chat != tt.chat || thread != tt.thread {
			t.Fatalf("ParseConversation(%q) = %d, %d", got, chat, thread)
		}
	}
}

func TestParseConversationInvalid(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"", "abc", "0", "12:x", "12:-1"} {
		if _, _, err := ParseConversation(id); err == nil {
			t.Fatalf("ParseConversation(%q) expected error", id)
		}
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText short = %q", got)
	}

	line := strings.Repeat("a", 6)
	s := strings.Join([]string{line, line, line, line}, "\n")
	got := splitText(s, 14)
	if len(got) < 2 {
		t.Fatalf("expected several chunks, got %q", got)
	}
	for _, c := range got {
		if len([]rune(c)) > 14 {
			t.Fatalf("chunk %q exceeds limit", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %q has dangling newlines", c)
		}
	}
	if strings.ReplaceAll(strings.Join(got, ""), "\n", "") != strings.Repeat("a", 24) {
		t.Fatalf("content lost: %q", got)
	}

	runes := strings.Repeat("ж", 25)
	for _, c := range splitText(runes, 10) {
		if len([]rune(c)) > 10 {
			t.Fatalf("rune chunk %q exceeds limit", c)
		}
	}
}

func TestCreateDirectUsesUserChat(t *testing.T) {
	t.Parallel()
	a := &Adapter{}
	id, err := a.CreateDirect(context.Background(), watch.Endpoint{RecipientID: "777"})
	if err != nil || id != "777" {
		t.Fatalf("CreateDirect = %q, %v", id, err)
	}
	if _, err := a.CreateDirect(context.Background(), watch.Endpoint{RecipientID: "bob"}); err == nil {
		t.Fatal("expected error for non-numeric recipient")
	}
}
