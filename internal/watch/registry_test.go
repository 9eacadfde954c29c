package watch

import (
	"fmt"
	"sync"
	"testing"
)

func testEndpoint(id string) Endpoint {
	return Endpoint{
		RecipientID:    id,
		RecipientName:  "user-" + id,
		BotID:          "bot",
		BotName:        "sitewatch",
		ServiceURL:     "https://api.telegram.org",
		ChannelID:      "telegram",
		ConversationID: id,
	}
}

func TestRegistryDedupByValue(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	e := testEndpoint("1")

	if !r.Register(e) {
		t.Fatal("expected first registration to add")
	}
	if r.Register(e) {
		t.Fatal("expected identical endpoint to be ignored")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	other := e
	other.ConversationID = "2"
	if !r.Register(other) {
		t.Fatal("endpoint differing in one field must be stored")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testEndpoint("1"), testEndpoint("1"), testEndpoint("2"))
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("seeded registry len = %d, want 2", len(snap))
	}
	snap[0].RecipientID = "mutated"
	if got := r.Snapshot()[0].RecipientID; got != "1" {
		t.Fatalf("snapshot mutation leaked into registry: %q", got)
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(testEndpoint(fmt.Sprint(i % 8)))
		}(i)
	}
	wg.Wait()
	if r.Len() != 8 {
		t.Fatalf("Len = %d, want 8", r.Len())
	}
}

func TestEndpointStringRoundTrip(t *testing.T) {
	t.Parallel()
	e := testEndpoint("42")
	got, err := ParseEndpoint(e.String())
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if got != e {
		t.Fatalf("round trip = %+v, want %+v", got, e)
	}
	if !e.HasConversation() {
		t.Fatal("expected endpoint with conversation and channel to be reusable")
	}
	if e.WithConversation("").HasConversation() {
		t.Fatal("endpoint without conversation id must not be reusable")
	}
}
